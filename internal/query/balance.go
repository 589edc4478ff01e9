package query

import (
	"math/big"

	"PortfolioLedger/internal/ledger"
	pmath "PortfolioLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount is a system-precision amount: raw integer units plus the decimal
// rendering ("12.500"). Units is a string so aggregates above 2^53 survive JSON.
type Amount struct {
	Units string `json:"units"`
	Value string `json:"value"`
}

func units(v uint64) Amount {
	return Amount{Units: new(big.Int).SetUint64(v).String(), Value: pmath.FormatSystem(v)}
}

func wideUnits(v *uint256.Int) Amount {
	return bigUnits(v.ToBig())
}

func bigUnits(b *big.Int) Amount {
	return Amount{
		Units: b.String(),
		Value: decimal.NewFromBigInt(b, -pmath.SystemPrecision).StringFixed(pmath.SystemPrecision),
	}
}

// NativeAmount is an amount in an underlying asset's own decimals.
type NativeAmount struct {
	Index    ledger.AssetIndex `json:"index"`
	Raw      string            `json:"raw"`
	Value    string            `json:"value"`
	Decimals uint8             `json:"decimals"`
}

// BalanceResponse is a holder's share and principal position, live from the book.
type BalanceResponse struct {
	Holder common.Address `json:"holder"`

	// Shares: yield-bearing balances, per sub-ledger and aggregated.
	Balance     Amount                   `json:"balance"`
	SubBalances [ledger.NumAssets]Amount `json:"sub_balances"`

	// Principal: what the holder deposited, net of withdrawals and transfers.
	RealBalance     Amount                   `json:"real_balance"`
	RealSubBalances [ledger.NumAssets]Amount `json:"real_sub_balances"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// SupplyResponse reports totals per sub-ledger and in aggregate.
type SupplyResponse struct {
	TotalSupply          Amount                   `json:"total_supply"`
	SubTotalSupplies     [ledger.NumAssets]Amount `json:"sub_total_supplies"`
	RealTotalSupply      Amount                   `json:"real_total_supply"`
	RealSubTotalSupplies [ledger.NumAssets]Amount `json:"real_sub_total_supplies"`
	Backing              [ledger.NumAssets]Amount `json:"backing"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// AllowanceResponse is the spender's remaining allowance over owner's shares.
type AllowanceResponse struct {
	Owner    common.Address `json:"owner"`
	Spender  common.Address `json:"spender"`
	Amount   Amount         `json:"amount"`
	Infinite bool           `json:"infinite"`
}

// EstimateResponse answers "how many shares would this deposit mint" and
// "how much does the bound pool owe in rewards".
type EstimateResponse struct {
	Index  ledger.AssetIndex `json:"index"`
	Shares *Amount           `json:"shares,omitempty"`
	Reward *Amount           `json:"reward,omitempty"`
}

// WithdrawEstimateResponse is the native payout per sub-ledger for burning shares.
type WithdrawEstimateResponse struct {
	Holder  common.Address `json:"holder"`
	Shares  Amount         `json:"shares"`
	Payouts []NativeAmount `json:"payouts"`
}
