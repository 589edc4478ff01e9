package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream  = "PORTFOLIO_LEDGER_EVENTS"
	EventSubject = "portfolio.ledger.events"
)

// StreamPublisher is the slice of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes notifications of applied commands to NATS
// for downstream consumers, one message per notification on
// portfolio.ledger.events.{notification_type}.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedNotification is the outbound wire format.
type PublishedNotification struct {
	Sequence       int64           `json:"sequence"`
	Position       int             `json:"position"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(
	js StreamPublisher,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, output); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				op.logger.Warn().Err(err).Int64("seq", output.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	for pos, n := range output.Notifications {
		msg, err := NewPublishedNotification(env, pos, n)
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}

		subject := NotificationSubject(n.NotificationType())
		// The message ID lets JetStream drop republished duplicates.
		msgID := fmt.Sprintf("%d-%d", env.Sequence, pos)
		if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		if op.metrics != nil {
			op.metrics.NotificationsPublished.WithLabelValues(msg.Type).Inc()
		}
	}
	return nil
}

// NewPublishedNotification wraps notification pos of the command in env.
func NewPublishedNotification(env *event.Envelope, pos int, n event.Notification) (PublishedNotification, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return PublishedNotification{}, fmt.Errorf("marshal %s: %w", n.NotificationType(), err)
	}
	return PublishedNotification{
		Sequence:       env.Sequence,
		Position:       pos,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Type:           n.NotificationType().String(),
		Payload:        payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}, nil
}

// NotificationSubject returns portfolio.ledger.events.{type}.
func NotificationSubject(nt event.NotificationType) string {
	return EventSubject + "." + nt.String()
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
