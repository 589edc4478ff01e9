package core

import (
	"context"

	"PortfolioLedger/internal/event"
)

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// txn collects the compensations and notifications of one orchestrator call.
type txn struct {
	ctx   context.Context
	undo  []compensation
	notes []event.Notification
}

func (tx *txn) onRollback(name string, undo func(ctx context.Context) error) {
	tx.undo = append(tx.undo, compensation{name: name, undo: undo})
}

func (tx *txn) emit(notes ...event.Notification) {
	tx.notes = append(tx.notes, notes...)
}

// atomic runs fn against the book. On error the book is restored to its state
// on entry (open batch included) and the registered compensations run in
// reverse order. The caller must hold the write lock.
func (t *PortfolioToken) atomic(ctx context.Context, op string, fn func(tx *txn) error) ([]event.Notification, error) {
	saved := t.book.Clone()
	tx := &txn{ctx: ctx}

	if err := fn(tx); err != nil {
		t.compensate(op, tx)
		t.book.RestoreFrom(saved)
		return nil, err
	}
	return tx.notes, nil
}

func (t *PortfolioToken) compensate(op string, tx *txn) {
	// Compensations must run even when the caller's context is done.
	ctx := context.WithoutCancel(tx.ctx)

	for i := len(tx.undo) - 1; i >= 0; i-- {
		c := tx.undo[i]
		outcome := "ok"
		if err := c.undo(ctx); err != nil {
			outcome = "failed"
			t.logger.Error().
				Err(err).
				Str("op", op).
				Str("step", c.name).
				Msg("compensation failed")
		}
		if t.metrics != nil {
			t.metrics.CompensationsRun.WithLabelValues(op, outcome).Inc()
		}
	}
}
