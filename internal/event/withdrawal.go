package event

import "PortfolioLedger/internal/ledger"

// Withdraw redeems Amount of the caller's aggregate balance (system
// precision) proportionally across sub-ledgers.
type Withdraw struct {
	Meta
	Amount uint64 `json:"amount"`
}

func (w *Withdraw) CommandType() CommandType {
	return CommandTypeWithdraw
}

// SubWithdraw redeems Amount of shares from a single sub-ledger.
type SubWithdraw struct {
	Meta
	Amount uint64            `json:"amount"`
	Index  ledger.AssetIndex `json:"index"`
}

func (w *SubWithdraw) CommandType() CommandType {
	return CommandTypeSubWithdraw
}
