package event

import "github.com/ethereum/go-ethereum/common"

type Approve struct {
	Meta
	Spender common.Address `json:"spender"`
	Amount  uint64         `json:"amount"`
}

func (a *Approve) CommandType() CommandType {
	return CommandTypeApprove
}

type IncreaseAllowance struct {
	Meta
	Spender common.Address `json:"spender"`
	Amount  uint64         `json:"amount"`
}

func (a *IncreaseAllowance) CommandType() CommandType {
	return CommandTypeIncreaseAllowance
}

type DecreaseAllowance struct {
	Meta
	Spender common.Address `json:"spender"`
	Amount  uint64         `json:"amount"`
}

func (a *DecreaseAllowance) CommandType() CommandType {
	return CommandTypeDecreaseAllowance
}
