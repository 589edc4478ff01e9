package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeSubWithdraw
	CommandTypeDepositRewards
	CommandTypeSubDepositRewards
	CommandTypeSetPool
	CommandTypeTransfer
	CommandTypeSubTransfer
	CommandTypeApprove
	CommandTypeTransferFrom
	CommandTypeSubTransferFrom
	CommandTypeIncreaseAllowance
	CommandTypeDecreaseAllowance
)

// AllCommandTypes lists every known command type in declaration order.
var AllCommandTypes = []CommandType{
	CommandTypeDeposit,
	CommandTypeWithdraw,
	CommandTypeSubWithdraw,
	CommandTypeDepositRewards,
	CommandTypeSubDepositRewards,
	CommandTypeSetPool,
	CommandTypeTransfer,
	CommandTypeSubTransfer,
	CommandTypeApprove,
	CommandTypeTransferFrom,
	CommandTypeSubTransferFrom,
	CommandTypeIncreaseAllowance,
	CommandTypeDecreaseAllowance,
}

// Envelope wraps every processed command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Address the command was issued by
	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Sender returns the calling address
	Sender() common.Address

	// Time returns the versioned input timestamp
	Time() time.Time
}

// Meta carries the fields every command shares.
type Meta struct {
	CommandID uuid.UUID      `json:"command_id"`
	Caller    common.Address `json:"caller"`
	Timestamp int64          `json:"timestamp"` // epoch microseconds
}

func NewMeta(caller common.Address, ts time.Time) Meta {
	return Meta{
		CommandID: uuid.New(),
		Caller:    caller,
		Timestamp: ts.UnixMicro(),
	}
}

func (m Meta) IdempotencyKey() string {
	return m.CommandID.String()
}

func (m Meta) Sender() common.Address {
	return m.Caller
}

func (m Meta) Time() time.Time {
	return time.UnixMicro(m.Timestamp).UTC()
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeSubWithdraw:
		return "SubWithdraw"
	case CommandTypeDepositRewards:
		return "DepositRewards"
	case CommandTypeSubDepositRewards:
		return "SubDepositRewards"
	case CommandTypeSetPool:
		return "SetPool"
	case CommandTypeTransfer:
		return "Transfer"
	case CommandTypeSubTransfer:
		return "SubTransfer"
	case CommandTypeApprove:
		return "Approve"
	case CommandTypeTransferFrom:
		return "TransferFrom"
	case CommandTypeSubTransferFrom:
		return "SubTransferFrom"
	case CommandTypeIncreaseAllowance:
		return "IncreaseAllowance"
	case CommandTypeDecreaseAllowance:
		return "DecreaseAllowance"
	default:
		return "Unknown"
	}
}

// Subject returns the lower snake-case token used in message subjects.
func (ct CommandType) Subject() string {
	switch ct {
	case CommandTypeDeposit:
		return "deposit"
	case CommandTypeWithdraw:
		return "withdraw"
	case CommandTypeSubWithdraw:
		return "sub_withdraw"
	case CommandTypeDepositRewards:
		return "deposit_rewards"
	case CommandTypeSubDepositRewards:
		return "sub_deposit_rewards"
	case CommandTypeSetPool:
		return "set_pool"
	case CommandTypeTransfer:
		return "transfer"
	case CommandTypeSubTransfer:
		return "sub_transfer"
	case CommandTypeApprove:
		return "approve"
	case CommandTypeTransferFrom:
		return "transfer_from"
	case CommandTypeSubTransferFrom:
		return "sub_transfer_from"
	case CommandTypeIncreaseAllowance:
		return "increase_allowance"
	case CommandTypeDecreaseAllowance:
		return "decrease_allowance"
	default:
		return "unknown"
	}
}

// ParseCommandSubject maps a subject token back to its command type.
func ParseCommandSubject(s string) (CommandType, bool) {
	for _, ct := range AllCommandTypes {
		if ct.Subject() == s {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}

// ParseCommandType is the inverse of CommandType.String.
func ParseCommandType(s string) (CommandType, bool) {
	for _, ct := range AllCommandTypes {
		if ct.String() == s {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}
