package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// WatermarkName is the projections.watermark row this worker owns.
const WatermarkName = "portfolio"

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the event log with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop. Outputs at or below the stored
// watermark are skipped, so re-delivery after a restart is harmless.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq != pw.lastSeq+1 {
				// A dropped or failed output: the tables miss it until a rebuild.
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("seq", seq).
					Msg("projection sequence gap")
				if pw.metrics != nil {
					pw.metrics.ProjectionGaps.Inc()
				}
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: a rebuild from the event log repairs it.
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
		}
	}
}

// LastSequence returns the last sequence applied by this worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A concurrent rebuild may already have covered seq.
	var stored int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark
		WHERE projection_name = $1 FOR UPDATE
	`, WatermarkName).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock watermark: %w", err)
	}
	if stored >= seq {
		return nil
	}

	for key, d := range balanceDeltas(output.Batch) {
		if err := upsertBalance(ctx, tx, key, d, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	pw.observe("balances", start)

	historyStart := time.Now()
	for _, r := range TransfersFromBatch(output.Batch) {
		if err := insertTransfer(ctx, tx, r); err != nil {
			return fmt.Errorf("transfer history: %w", err)
		}
	}
	pw.observe("transfer_history", historyStart)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

type balanceKey struct {
	holder common.Address
	index  ledger.AssetIndex
}

// balanceDelta keeps credits and debits apart so neither side needs a sign.
type balanceDelta struct {
	sharesIn, sharesOut       uint64
	principalIn, principalOut uint64
}

func balanceDeltas(batch *ledger.Batch) map[balanceKey]*balanceDelta {
	deltas := make(map[balanceKey]*balanceDelta)
	at := func(holder common.Address, index ledger.AssetIndex) *balanceDelta {
		k := balanceKey{holder: holder, index: index}
		d, ok := deltas[k]
		if !ok {
			d = &balanceDelta{}
			deltas[k] = d
		}
		return d
	}

	for _, j := range batch.Journals {
		switch j.JournalType {
		case ledger.JournalTypeMint:
			at(j.To, j.Index).sharesIn += j.Amount
		case ledger.JournalTypeBurn:
			at(j.From, j.Index).sharesOut += j.Amount
		case ledger.JournalTypeMove:
			at(j.From, j.Index).sharesOut += j.Amount
			at(j.To, j.Index).sharesIn += j.Amount
		case ledger.JournalTypePrincipalIncrease:
			at(j.To, j.Index).principalIn += j.Amount
		case ledger.JournalTypePrincipalDecrease:
			at(j.From, j.Index).principalOut += j.Amount
		case ledger.JournalTypePrincipalMove:
			at(j.From, j.Index).principalOut += j.Amount
			at(j.To, j.Index).principalIn += j.Amount
		}
	}
	return deltas
}

func upsertBalance(ctx context.Context, tx *sql.Tx, k balanceKey, d *balanceDelta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (holder, asset_index, shares, principal, last_sequence, updated_at)
		VALUES ($1, $2, $3::NUMERIC - $4::NUMERIC, $5::NUMERIC - $6::NUMERIC, $7, NOW())
		ON CONFLICT (holder, asset_index) DO UPDATE SET
			shares = projections.balances.shares + $3::NUMERIC - $4::NUMERIC,
			principal = projections.balances.principal + $5::NUMERIC - $6::NUMERIC,
			last_sequence = $7,
			updated_at = NOW()
	`, k.holder.Hex(), int16(k.index),
		strconv.FormatUint(d.sharesIn, 10), strconv.FormatUint(d.sharesOut, 10),
		strconv.FormatUint(d.principalIn, 10), strconv.FormatUint(d.principalOut, 10),
		seq)
	return err
}

func insertTransfer(ctx context.Context, tx *sql.Tx, r TransferRecord) error {
	amounts := make([]string, len(r.Amounts))
	for i, a := range r.Amounts {
		amounts[i] = strconv.FormatUint(a, 10)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.transfer_history
			(sequence, position, kind, from_address, to_address, amounts, total, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC[], $7::NUMERIC, $8)
		ON CONFLICT (sequence, position) DO NOTHING
	`, r.Sequence, r.Position, string(r.Kind), r.From.Hex(), r.To.Hex(),
		pq.Array(amounts), strconv.FormatUint(r.Total(), 10), time.UnixMicro(r.Timestamp).UTC())
	return err
}

// LoadWatermark returns the last projected sequence, 0 when nothing has
// been projected yet.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, WatermarkName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.transfer_history`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + WatermarkName + `'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Credits add, debits subtract. Journal types: 0 mint, 1 burn, 2 move,
	// 5 principal increase, 6 principal decrease, 7 principal move.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (holder, asset_index, shares, principal, last_sequence, updated_at)
		SELECT holder, asset_index,
		       SUM(CASE WHEN journal_type IN (0, 1, 2) THEN signed ELSE 0 END),
		       SUM(CASE WHEN journal_type IN (5, 6, 7) THEN signed ELSE 0 END),
		       MAX(sequence), NOW()
		FROM (
			SELECT to_address AS holder, asset_index, journal_type, amount AS signed, sequence
			FROM event_log.journal WHERE journal_type IN (0, 2, 5, 7)
			UNION ALL
			SELECT from_address AS holder, asset_index, journal_type, -amount AS signed, sequence
			FROM event_log.journal WHERE journal_type IN (1, 2, 6, 7)
		) deltas
		GROUP BY holder, asset_index
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	// Share journals grouped per (sequence, from, to), numbered in journal order.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.transfer_history
			(sequence, position, kind, from_address, to_address, amounts, total, timestamp)
		SELECT g.sequence,
		       (ROW_NUMBER() OVER (PARTITION BY g.sequence ORDER BY g.first_position) - 1)::INTEGER,
		       CASE WHEN g.from_address = $1 THEN 'mint'
		            WHEN g.to_address = $1 THEN 'burn'
		            ELSE 'transfer' END,
		       g.from_address, g.to_address,
		       ARRAY[g.a1, g.a2, g.a3, g.a4],
		       g.a1 + g.a2 + g.a3 + g.a4,
		       e.timestamp
		FROM (
			SELECT sequence,
			       CASE WHEN journal_type = 0 THEN $1 ELSE from_address END AS from_address,
			       CASE WHEN journal_type = 1 THEN $1 ELSE to_address END AS to_address,
			       MIN(position) AS first_position,
			       SUM(CASE WHEN asset_index = 1 THEN amount ELSE 0 END) AS a1,
			       SUM(CASE WHEN asset_index = 2 THEN amount ELSE 0 END) AS a2,
			       SUM(CASE WHEN asset_index = 3 THEN amount ELSE 0 END) AS a3,
			       SUM(CASE WHEN asset_index = 4 THEN amount ELSE 0 END) AS a4
			FROM event_log.journal
			WHERE journal_type IN (0, 1, 2)
			GROUP BY 1, 2, 3
		) g
		JOIN event_log.envelopes e ON e.sequence = g.sequence
	`, common.Address{}.Hex())
	if err != nil {
		return fmt.Errorf("rebuild transfer history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM event_log.envelopes
	`, WatermarkName); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
