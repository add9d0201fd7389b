// Package streams provides the durable, ordered, multi-consumer message
// transport between the orchestrator and workers. Streams are append-only
// logs with monotonic per-stream message IDs; consumers poll with a
// bounded interval and track their own cursors.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/stores"
)

// Stream names.
const (
	// StreamAssign carries session assignments to workers.
	StreamAssign = "ASSIGN"

	// StreamCommand carries out-of-band commands (manual commands,
	// rollback requests) to workers.
	StreamCommand = "COMMAND"

	// StreamEvents carries execution events from workers back to the
	// control plane.
	StreamEvents = "EVENTS"

	// StreamDeadLetter collects messages whose handling failed
	// terminally.
	StreamDeadLetter = "DEAD_LETTER"
)

// Log is the persistence contract the broker runs over.
type Log interface {
	AppendMessage(ctx context.Context, stream, key string, payload []byte) (int64, error)
	FetchMessages(ctx context.Context, stream string, afterID int64, limit int) ([]*stores.StreamMessage, error)
	GetCursor(ctx context.Context, stream, consumer string) (int64, error)
	SetCursor(ctx context.Context, stream, consumer string, position int64) error
}

// DeadLetter is the payload recorded on StreamDeadLetter when message
// handling fails terminally.
type DeadLetter struct {
	SessionID string          `json:"session_id,omitempty"`
	Stream    string          `json:"stream"`
	Reason    string          `json:"reason"`
	Original  json.RawMessage `json:"original,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broker publishes and consumes stream messages over a durable log.
type Broker struct {
	log          Log
	pollInterval time.Duration
	batchSize    int
	logger       zerolog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithPollInterval overrides the consumer poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// WithBatchSize overrides the per-poll fetch limit.
func WithBatchSize(n int) Option {
	return func(b *Broker) { b.batchSize = n }
}

// NewBroker creates a broker over the given log.
func NewBroker(log Log, logger zerolog.Logger, opts ...Option) *Broker {
	b := &Broker{
		log:          log,
		pollInterval: time.Second,
		batchSize:    100,
		logger:       logger.With().Str("component", "streams").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends a message and returns its stream position. A non-empty
// key gives exactly-once append semantics: re-publishing the same key
// returns the original position.
func (b *Broker) Publish(ctx context.Context, stream, key string, payload interface{}) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}
	id, err := b.log.AppendMessage(ctx, stream, key, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	b.logger.Debug().Str("stream", stream).Str("key", key).Int64("id", id).Msg("message published")
	return id, nil
}

// PublishDeadLetter records a terminally failed message on the
// dead-letter stream.
func (b *Broker) PublishDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.Timestamp.IsZero() {
		dl.Timestamp = time.Now().UTC()
	}
	if _, err := b.Publish(ctx, StreamDeadLetter, "", dl); err != nil {
		return err
	}
	b.logger.Warn().
		Str("session_id", dl.SessionID).
		Str("source_stream", dl.Stream).
		Str("reason", dl.Reason).
		Msg("message dead-lettered")
	return nil
}

// Handler processes one message. Returning an error leaves the cursor in
// place so the message is redelivered on the next poll.
type Handler func(ctx context.Context, msg *stores.StreamMessage) error

// Consume polls a stream on behalf of a named consumer until the context
// is cancelled. Messages are delivered in order; the cursor advances only
// after the handler returns nil, giving at-least-once delivery.
func (b *Broker) Consume(ctx context.Context, stream, consumer string, handler Handler) error {
	cursor, err := b.log.GetCursor(ctx, stream, consumer)
	if err != nil {
		return fmt.Errorf("failed to load cursor for %s/%s: %w", stream, consumer, err)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		messages, err := b.log.FetchMessages(ctx, stream, cursor, b.batchSize)
		if err != nil {
			b.logger.Error().Err(err).Str("stream", stream).Msg("failed to fetch messages")
		}
		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				b.logger.Error().Err(err).
					Str("stream", stream).
					Str("consumer", consumer).
					Int64("id", msg.ID).
					Msg("handler failed, message will be redelivered")
				break
			}
			cursor = msg.ID
			if err := b.log.SetCursor(ctx, stream, consumer, cursor); err != nil {
				b.logger.Error().Err(err).Str("stream", stream).Msg("failed to commit cursor")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
