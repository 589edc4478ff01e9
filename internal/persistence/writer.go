package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"PortfolioLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on the primary keys.
type EventLogWriter struct {
	db *sql.DB
}

// EnvelopeRow represents a row in event_log.envelopes
type EnvelopeRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	BatchID        string
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID   string
	BatchID     string
	EventRef    string
	Sequence    int64
	Position    int
	JournalType int32
	AssetIndex  uint8
	From        string
	To          string
	Amount      uint64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one engine output into its envelope row and the
// journal rows of its batch, in batch order.
func RowsFromOutput(out core.CoreOutput) (EnvelopeRow, []JournalRow) {
	env := out.Envelope
	row := EnvelopeRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		BatchID:        out.Batch.BatchID.String(),
		Timestamp:      env.Timestamp,
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for pos, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:   j.JournalID.String(),
			BatchID:     j.BatchID.String(),
			EventRef:    j.EventRef,
			Sequence:    env.Sequence,
			Position:    pos,
			JournalType: int32(j.JournalType),
			AssetIndex:  uint8(j.Index),
			From:        j.From.Hex(),
			To:          j.To.Hex(),
			Amount:      j.Amount,
		})
	}
	return row, journals
}

// WriteEnvelopeBatch writes a batch of envelopes to event_log.envelopes.
func (w *EventLogWriter) WriteEnvelopeBatch(ctx context.Context, ex execer, envelopes []EnvelopeRow) error {
	if len(envelopes) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.envelopes
		(sequence, command_type, idempotency_key, caller, payload, state_hash, prev_hash, batch_id, timestamp)
		VALUES `

	values := make([]string, 0, len(envelopes))
	args := make([]interface{}, 0, len(envelopes)*9)

	for i, e := range envelopes {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Caller,
			e.Payload, e.StateHash, e.PrevHash, e.BatchID, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, position, journal_type, asset_index, from_address, to_address, amount)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Position,
			j.JournalType, int16(j.AssetIndex), j.From, j.To,
			strconv.FormatUint(j.Amount, 10),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
