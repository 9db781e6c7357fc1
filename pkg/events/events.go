package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Type names a business event.
type Type string

const (
	ApplicationCreated   Type = "ApplicationCreated"
	ApplicationSubmitted Type = "ApplicationSubmitted"
	ApplicationReviewed  Type = "ApplicationReviewed"
	ApplicationApproved  Type = "ApplicationApproved"
	ApplicationRejected  Type = "ApplicationRejected"
	ApplicationCancelled Type = "ApplicationCancelled"
	GuaranteeBlocked     Type = "GuaranteeBlocked"
	GuaranteeReleased    Type = "GuaranteeReleased"
	LoanDisbursed        Type = "LoanDisbursed"
	LoanDefaulted        Type = "LoanDefaulted"
	LoanRehabilitated    Type = "LoanRehabilitated"
	LoanOverdue          Type = "LoanOverdue"
	LoanCompleted        Type = "LoanCompleted"
	PaymentRecorded      Type = "PaymentRecorded"
	PaymentConfirmed     Type = "PaymentConfirmed"
	PaymentCancelled     Type = "PaymentCancelled"
	EarlyPayoffProcessed Type = "EarlyPayoffProcessed"
	AccountOpened        Type = "AccountOpened"
	FundsDeposited       Type = "FundsDeposited"
)

// Event is published after the transaction that produced it has committed.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Type        Type              `json:"type"`
	AggregateID uuid.UUID         `json:"aggregate_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// New builds an event with a fresh id.
func New(t Type, aggregateID uuid.UUID, at time.Time, attrs map[string]string) Event {
	return Event{
		ID:          uuid.New(),
		Type:        t,
		AggregateID: aggregateID,
		OccurredAt:  at,
		Attributes:  attrs,
	}
}

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// LogSink writes every event to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID.String()),
		zap.String("event_type", string(e.Type)),
		zap.String("aggregate_id", e.AggregateID.String()),
		zap.Time("occurred_at", e.OccurredAt),
	}
	for k, v := range e.Attributes {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("event published", fields...)
	return nil
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "microloan.events"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.Type, err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.Type, err)
	}
	return nil
}

// Multi fans an event out to every sink. All sinks are attempted.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
