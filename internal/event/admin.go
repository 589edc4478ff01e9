package event

import (
	"PortfolioLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// SetPool binds a registered pool to an unbound asset index. Admin only.
type SetPool struct {
	Meta
	Index ledger.AssetIndex `json:"index"`
	Pool  common.Address    `json:"pool"`
}

func (s *SetPool) CommandType() CommandType {
	return CommandTypeSetPool
}
