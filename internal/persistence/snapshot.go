package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// snapshotFormat v1: JSON-encoded core.SnapshotState
const snapshotFormat = 1

// SnapshotManager handles creating and loading state snapshots for recovery,
// and reads the event log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// ReplayRecord is one persisted command: its envelope and journal batch.
type ReplayRecord struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, unverified. Returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormat, len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// MarkVerified marks a snapshot as usable for restore.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// without error when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	var format int
	if err := row.Scan(&data, &format); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if format != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", format)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadRecordsAfter loads up to limit persisted commands with sequence >
// afterSequence, in order, each with its rebuilt journal batch.
func (sm *SnapshotManager) LoadRecordsAfter(ctx context.Context, afterSequence int64, limit int) ([]ReplayRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, caller, payload,
		       state_hash, prev_hash, batch_id, timestamp
		FROM event_log.envelopes
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	defer rows.Close()

	var records []ReplayRecord
	bySeq := make(map[int64]*ledger.Batch)
	for rows.Next() {
		var (
			env                 event.Envelope
			cmdType, caller     string
			batchID             string
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &cmdType, &env.IdempotencyKey, &caller, &env.Payload,
			&stateHash, &prevHash, &batchID, &env.Timestamp,
		); err != nil {
			return nil, err
		}

		ct, ok := event.ParseCommandType(cmdType)
		if !ok {
			return nil, fmt.Errorf("seq=%d: unknown command type %q", env.Sequence, cmdType)
		}
		env.CommandType = ct
		env.Caller = common.HexToAddress(caller)
		if err := copyHash(&env.StateHash, stateHash); err != nil {
			return nil, fmt.Errorf("seq=%d state hash: %w", env.Sequence, err)
		}
		if err := copyHash(&env.PrevHash, prevHash); err != nil {
			return nil, fmt.Errorf("seq=%d prev hash: %w", env.Sequence, err)
		}

		id, err := uuid.Parse(batchID)
		if err != nil {
			return nil, fmt.Errorf("seq=%d batch id: %w", env.Sequence, err)
		}
		batch := &ledger.Batch{
			BatchID:   id,
			EventRef:  env.IdempotencyKey,
			Sequence:  env.Sequence,
			Timestamp: env.Timestamp.UnixMicro(),
		}
		bySeq[env.Sequence] = batch

		e := env
		records = append(records, ReplayRecord{Envelope: &e, Batch: batch})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	first := records[0].Envelope.Sequence
	last := records[len(records)-1].Envelope.Sequence
	if err := sm.loadJournals(ctx, first, last, bySeq); err != nil {
		return nil, err
	}
	return records, nil
}

func (sm *SnapshotManager) loadJournals(ctx context.Context, first, last int64, bySeq map[int64]*ledger.Batch) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, journal_type,
		       asset_index, from_address, to_address, amount::TEXT
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, position ASC
	`, first, last)
	if err != nil {
		return fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			j                  ledger.Journal
			journalID, batchID string
			journalType        int32
			index              int16
			from, to, amount   string
		)
		if err := rows.Scan(&journalID, &batchID, &j.EventRef, &j.Sequence, &journalType,
			&index, &from, &to, &amount); err != nil {
			return err
		}

		var err error
		if j.JournalID, err = uuid.Parse(journalID); err != nil {
			return fmt.Errorf("seq=%d journal id: %w", j.Sequence, err)
		}
		if j.BatchID, err = uuid.Parse(batchID); err != nil {
			return fmt.Errorf("seq=%d batch id: %w", j.Sequence, err)
		}
		if j.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return fmt.Errorf("seq=%d amount %q: %w", j.Sequence, amount, err)
		}
		j.JournalType = ledger.JournalType(journalType)
		j.Index = ledger.AssetIndex(index)
		j.From = common.HexToAddress(from)
		j.To = common.HexToAddress(to)

		batch, ok := bySeq[j.Sequence]
		if !ok {
			return fmt.Errorf("journal %s: no envelope for seq=%d", journalID, j.Sequence)
		}
		batch.Journals = append(batch.Journals, j)
	}
	return rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, 0 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.envelopes
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func copyHash(dst *[32]byte, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(src))
	}
	copy(dst[:], src)
	return nil
}
