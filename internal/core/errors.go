package core

import (
	"errors"

	"PortfolioLedger/internal/asset"
	"PortfolioLedger/internal/ledger"
	fpmath "PortfolioLedger/internal/math"
	"PortfolioLedger/internal/pool"
)

var (
	// Authorization
	ErrUnauthorized = errors.New("caller is not the admin")

	// Configuration
	ErrZeroPoolAddress      = errors.New("pool address is zero")
	ErrUnknownPool          = errors.New("pool is not registered")
	ErrZeroTokenAddress     = errors.New("pool asset address is zero")
	ErrTokenPrecisionTooLow = errors.New("asset precision below system precision")
	ErrWrongPoolDecimals    = errors.New("pool decimals differ from asset decimals")
	ErrAlreadyBound         = errors.New("pool already set for index")
	ErrAssetInUse           = errors.New("asset already bound to another index")
	ErrNoPoolBound          = errors.New("no pool set for index")

	// Input validation
	ErrDepositTooSmall    = errors.New("deposit too small")
	ErrSharesBelowMinimum = errors.New("minted shares below minimum")
	ErrCustodyCaller      = errors.New("custody account cannot deposit or withdraw")
)

var inputErrors = []error{
	ledger.ErrZeroAddress,
	ledger.ErrZeroAmount,
	ledger.ErrIndexOutOfRange,
	ErrDepositTooSmall,
	ErrCustodyCaller,
	fpmath.ErrNegativeAmount,
	fpmath.ErrTooManyDecimals,
	asset.ErrNegativeAmount,
	asset.ErrZeroAddress,
	pool.ErrNegativeAmount,
}

var fundsErrors = []error{
	ledger.ErrInsufficientBalance,
	ledger.ErrInsufficientSubBalance,
	ledger.ErrInsufficientShares,
	ledger.ErrInsufficientAllowance,
	ledger.ErrAllowanceUnderflow,
	ErrSharesBelowMinimum,
	asset.ErrInsufficientFunds,
	pool.ErrInsufficientStake,
	pool.ErrInsufficientReserves,
}

var configErrors = []error{
	ErrZeroPoolAddress,
	ErrUnknownPool,
	ErrZeroTokenAddress,
	ErrTokenPrecisionTooLow,
	ErrWrongPoolDecimals,
	ErrAlreadyBound,
	ErrAssetInUse,
	ErrNoPoolBound,
}

// IsInputError reports whether err is a malformed-request error.
func IsInputError(err error) bool { return isAny(err, inputErrors) }

// IsInsufficientFunds reports whether err is a balance, allowance or
// reserve shortfall.
func IsInsufficientFunds(err error) bool { return isAny(err, fundsErrors) }

// IsConfigurationError reports whether err comes from pool binding state.
func IsConfigurationError(err error) bool { return isAny(err, configErrors) }

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
