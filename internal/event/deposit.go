// internal/event/deposit.go
package event

import (
	"math/big"

	"PortfolioLedger/internal/ledger"
)

// Deposit moves Amount of the index's asset (native precision) from the
// caller into the portfolio and mints shares.
type Deposit struct {
	Meta
	Amount       *big.Int          `json:"amount"`
	Index        ledger.AssetIndex `json:"index"`
	MinSharesOut uint64            `json:"min_shares_out"` // 0 disables the check
}

func (d *Deposit) CommandType() CommandType {
	return CommandTypeDeposit
}

// DepositRewards harvests pending rewards of every bound pool.
type DepositRewards struct {
	Meta
}

func (d *DepositRewards) CommandType() CommandType {
	return CommandTypeDepositRewards
}

// SubDepositRewards harvests pending rewards of one pool.
type SubDepositRewards struct {
	Meta
	Index ledger.AssetIndex `json:"index"`
}

func (d *SubDepositRewards) CommandType() CommandType {
	return CommandTypeSubDepositRewards
}
