package ingestion

import (
	"context"
	"errors"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/ledger"
	pmath "PortfolioLedger/internal/math"
	"PortfolioLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Dispatcher drains raw NATS commands into the engine, one at a time.
//
// Acknowledgement policy:
//   - applied, duplicate or deterministically rejected: Ack
//   - undecodable, unsigned or wrongly signed payload, unknown subject: Term
//   - pool/token failure (may succeed later): Nak for redelivery
type Dispatcher struct {
	submit  *SubmitService
	parser  *Parser
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(submit *SubmitService, parser *Parser, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		submit:  submit,
		parser:  parser,
		metrics: metrics,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled or rawChan is closed.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) {
	cmd, err := d.parser.ParseRaw(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		if errors.Is(err, core.ErrNoPoolBound) {
			// The binding may arrive on another subject first.
			call(raw.NakFunc)
			return
		}
		call(raw.TermFunc)
		return
	}

	cmdType := cmd.CommandType().String()
	_, err = d.submit.SubmitCommand(ctx, cmd)
	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.IngestToApply.WithLabelValues(cmdType).Observe(time.Since(raw.Timestamp).Seconds())
		}
		call(raw.AckFunc)
	case Retryable(err):
		d.logger.Warn().Err(err).Str("command", cmdType).Str("key", cmd.IdempotencyKey()).Msg("command failed, redelivering")
		call(raw.NakFunc)
	default:
		d.logger.Info().Err(err).Str("command", cmdType).Str("key", cmd.IdempotencyKey()).Msg("command rejected")
		call(raw.AckFunc)
	}
}

// Retryable reports whether a failed command may succeed on redelivery:
// anything outside the ledger's own error taxonomy came from a pool or token.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, core.ErrDuplicateCommand),
		errors.Is(err, core.ErrUnknownCommand),
		errors.Is(err, core.ErrUnauthorized),
		errors.Is(err, ledger.ErrValueOverflow),
		errors.Is(err, pmath.ErrOverflow),
		core.IsInputError(err),
		core.IsInsufficientFunds(err),
		core.IsConfigurationError(err):
		return false
	}
	return true
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
