package event

import (
	"math/big"

	"PortfolioLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// NotificationType discriminator for output events
type NotificationType int32

const (
	NotificationTypeUnknown NotificationType = iota
	NotificationTypeDeposited
	NotificationTypeWithdrawn
	NotificationTypeDepositedRewards
	NotificationTypeApproval
	NotificationTypeTransfer
	NotificationTypeMultiTransfer
	NotificationTypePoolBound
)

// Notification is an output event emitted by a successful command.
type Notification interface {
	NotificationType() NotificationType
}

// Deposited: Amount is native precision, Shares system precision.
type Deposited struct {
	User   common.Address    `json:"user"`
	Token  common.Address    `json:"token"`
	Index  ledger.AssetIndex `json:"index"`
	Amount *big.Int          `json:"amount"`
	Shares uint64            `json:"shares"`
}

// Withdrawn: Amount is native precision, Shares system precision.
type Withdrawn struct {
	User   common.Address    `json:"user"`
	Token  common.Address    `json:"token"`
	Index  ledger.AssetIndex `json:"index"`
	Amount *big.Int          `json:"amount"`
	Shares uint64            `json:"shares"`
}

// DepositedRewards reports a harvest in system precision.
type DepositedRewards struct {
	Token  common.Address    `json:"token"`
	Index  ledger.AssetIndex `json:"index"`
	Amount uint64            `json:"amount"`
}

type Approval struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  uint64         `json:"amount"`
}

// TransferNotice is the aggregate balance movement. A zero From is a mint,
// a zero To a burn.
type TransferNotice struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

// MultiTransfer is the per-sub-ledger breakdown of a TransferNotice.
type MultiTransfer struct {
	From    common.Address            `json:"from"`
	To      common.Address            `json:"to"`
	Amounts [ledger.NumAssets]uint64 `json:"amounts"`
}

type PoolBound struct {
	Index    ledger.AssetIndex `json:"index"`
	Pool     common.Address    `json:"pool"`
	Token    common.Address    `json:"token"`
	Decimals uint8             `json:"decimals"`
}

func (*Deposited) NotificationType() NotificationType        { return NotificationTypeDeposited }
func (*Withdrawn) NotificationType() NotificationType        { return NotificationTypeWithdrawn }
func (*DepositedRewards) NotificationType() NotificationType { return NotificationTypeDepositedRewards }
func (*Approval) NotificationType() NotificationType         { return NotificationTypeApproval }
func (*TransferNotice) NotificationType() NotificationType   { return NotificationTypeTransfer }
func (*MultiTransfer) NotificationType() NotificationType    { return NotificationTypeMultiTransfer }
func (*PoolBound) NotificationType() NotificationType        { return NotificationTypePoolBound }

// MovementNotices renders a ledger movement as the Transfer + MultiTransfer pair.
func MovementNotices(mv ledger.Movement) []Notification {
	return []Notification{
		&TransferNotice{From: mv.From, To: mv.To, Amount: mv.Total()},
		&MultiTransfer{From: mv.From, To: mv.To, Amounts: mv.Amounts},
	}
}

func (nt NotificationType) String() string {
	switch nt {
	case NotificationTypeDeposited:
		return "deposited"
	case NotificationTypeWithdrawn:
		return "withdrawn"
	case NotificationTypeDepositedRewards:
		return "deposited_rewards"
	case NotificationTypeApproval:
		return "approval"
	case NotificationTypeTransfer:
		return "transfer"
	case NotificationTypeMultiTransfer:
		return "multi_transfer"
	case NotificationTypePoolBound:
		return "pool_bound"
	default:
		return "unknown"
	}
}
