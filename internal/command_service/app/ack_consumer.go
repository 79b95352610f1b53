package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// AckSubjectWildcard matches every device's acknowledgment subject.
const AckSubjectWildcard = "devices.*.commands.ack"

// AckMessage is what a device publishes after handling a command.
// A missing ExecutedAt reports failure at the device.
type AckMessage struct {
	MessageID  string     `json:"message_id"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// Acknowledger is the part of the coordinator the consumer needs.
type Acknowledger interface {
	Acknowledge(ctx context.Context, deviceID uuid.UUID, messageID string, executedAt *time.Time) error
}

// Subscriber is a NATS queue-group subscription that blocks until ctx is done.
type Subscriber interface {
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) error
}

// AckConsumer feeds device acknowledgments from NATS into the coordinator.
type AckConsumer struct {
	subscriber Subscriber
	acker      Acknowledger
	logger     *slog.Logger
}

func NewAckConsumer(subscriber Subscriber, acker Acknowledger, logger *slog.Logger) *AckConsumer {
	return &AckConsumer{
		subscriber: subscriber,
		acker:      acker,
		logger:     logger.With("component", "ack_consumer"),
	}
}

// StartConsuming blocks until ctx is cancelled.
func (c *AckConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting acknowledgment subscription", "subject", subject, "queue_group", queueGroup)
	err := c.subscriber.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		c.HandleMessage(ctx, msg)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Acknowledgment subscription failed", "error", err, "subject", subject)
		return err
	}
	c.logger.InfoContext(ctx, "Acknowledgment subscription ended", "subject", subject)
	return nil
}

// HandleMessage processes one acknowledgment. Bad messages are logged and dropped.
func (c *AckConsumer) HandleMessage(ctx context.Context, msg *nats.Msg) {
	deviceID, err := deviceIDFromAckSubject(msg.Subject)
	if err != nil {
		c.logger.ErrorContext(ctx, "Invalid acknowledgment subject", "subject", msg.Subject, "error", err)
		return
	}

	var ack AckMessage
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize acknowledgment", "subject", msg.Subject, "error", err)
		return
	}
	if ack.MessageID == "" {
		c.logger.ErrorContext(ctx, "Acknowledgment without message id", "subject", msg.Subject)
		return
	}

	if err := c.acker.Acknowledge(ctx, deviceID, ack.MessageID, ack.ExecutedAt); err != nil {
		c.logger.ErrorContext(ctx, "Failed to apply acknowledgment",
			"device_id", deviceID, "message_id", ack.MessageID, "error", err)
	}
}

// deviceIDFromAckSubject parses devices.<id>.commands.ack.
func deviceIDFromAckSubject(subject string) (uuid.UUID, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "devices" || parts[2] != "commands" || parts[3] != "ack" {
		return uuid.Nil, fmt.Errorf("unexpected subject format %q", subject)
	}
	return uuid.Parse(parts[1])
}
