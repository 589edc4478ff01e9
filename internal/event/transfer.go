package event

import (
	"PortfolioLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

type Transfer struct {
	Meta
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

func (t *Transfer) CommandType() CommandType {
	return CommandTypeTransfer
}

type SubTransfer struct {
	Meta
	To     common.Address    `json:"to"`
	Amount uint64            `json:"amount"`
	Index  ledger.AssetIndex `json:"index"`
}

func (t *SubTransfer) CommandType() CommandType {
	return CommandTypeSubTransfer
}

// TransferFrom is issued by a spender against From's allowance.
type TransferFrom struct {
	Meta
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

func (t *TransferFrom) CommandType() CommandType {
	return CommandTypeTransferFrom
}

type SubTransferFrom struct {
	Meta
	From   common.Address    `json:"from"`
	To     common.Address    `json:"to"`
	Amount uint64            `json:"amount"`
	Index  ledger.AssetIndex `json:"index"`
}

func (t *SubTransferFrom) CommandType() CommandType {
	return CommandTypeSubTransferFrom
}
