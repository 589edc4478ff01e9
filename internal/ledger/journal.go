package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalType represents the primitive book mutation a journal entry performs
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeMove
	JournalTypeBackingIncrease
	JournalTypeBackingDecrease
	JournalTypePrincipalIncrease
	JournalTypePrincipalDecrease
	JournalTypePrincipalMove
	JournalTypeAllowance
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeMove:
		return "move"
	case JournalTypeBackingIncrease:
		return "backing_increase"
	case JournalTypeBackingDecrease:
		return "backing_decrease"
	case JournalTypePrincipalIncrease:
		return "principal_increase"
	case JournalTypePrincipalDecrease:
		return "principal_decrease"
	case JournalTypePrincipalMove:
		return "principal_move"
	case JournalTypeAllowance:
		return "allowance"
	default:
		return "unknown"
	}
}

// Journal is a single book mutation. Replaying every journal of every batch
// in sequence order rebuilds the book exactly.
//
//	Mint / PrincipalIncrease   credit To in lane Index
//	Burn / PrincipalDecrease   debit From in lane Index
//	Move / PrincipalMove       debit From, credit To in lane Index
//	BackingIncrease/Decrease   adjust the sub-ledger backing value
//	Allowance                  set allowance(From -> To) to Amount
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string // Idempotency key of the source command
	Sequence    int64  // Global command sequence
	JournalType JournalType
	Index       AssetIndex // Zero for allowance entries
	From        common.Address
	To          common.Address
	Amount      uint64 // System precision
}

// Batch groups the journals produced by one command.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64 // Command timestamp (epoch microseconds)
	Journals  []Journal
}

// NewBatch starts an empty batch for a command.
func NewBatch(eventRef string) *Batch {
	return &Batch{
		BatchID:  uuid.New(),
		EventRef: eventRef,
	}
}

// Stamp assigns the command sequence and timestamp to the batch and its journals.
func (b *Batch) Stamp(sequence, timestamp int64) {
	b.Sequence = sequence
	b.Timestamp = timestamp
	for i := range b.Journals {
		b.Journals[i].Sequence = sequence
	}
}

// Validate ensures the batch is well-formed. An empty batch is valid: reads
// and no-op commands still produce an envelope in the event log.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if err := j.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the shape of a single journal entry.
func (j Journal) Validate() error {
	if j.JournalType == JournalTypeAllowance {
		if IsZeroAddress(j.From) || IsZeroAddress(j.To) {
			return fmt.Errorf("journal %s: allowance %w", j.JournalID, ErrZeroAddress)
		}
		return nil
	}

	if !j.Index.Valid() {
		return fmt.Errorf("journal %s: %w", j.JournalID, ErrIndexOutOfRange)
	}
	if j.Amount == 0 {
		return fmt.Errorf("journal %s has zero amount", j.JournalID)
	}

	switch j.JournalType {
	case JournalTypeMint, JournalTypePrincipalIncrease:
		if IsZeroAddress(j.To) {
			return fmt.Errorf("journal %s: %s to %w", j.JournalID, j.JournalType, ErrZeroAddress)
		}
	case JournalTypeBurn, JournalTypePrincipalDecrease:
		if IsZeroAddress(j.From) {
			return fmt.Errorf("journal %s: %s from %w", j.JournalID, j.JournalType, ErrZeroAddress)
		}
	case JournalTypeMove, JournalTypePrincipalMove:
		if IsZeroAddress(j.From) || IsZeroAddress(j.To) {
			return fmt.Errorf("journal %s: %s %w", j.JournalID, j.JournalType, ErrZeroAddress)
		}
		if j.From == j.To {
			return fmt.Errorf("journal %s has same from and to account", j.JournalID)
		}
	case JournalTypeBackingIncrease, JournalTypeBackingDecrease:
	default:
		return fmt.Errorf("journal %s has unknown type %d", j.JournalID, j.JournalType)
	}
	return nil
}
