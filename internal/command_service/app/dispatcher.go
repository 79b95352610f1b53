package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/iotmon/golang_services/internal/command_service/domain"
)

const (
	HeaderCommandType = "Command-Type"
	HeaderMessageID   = "Message-Id"
	HeaderCommandID   = "Command-Id"
)

// DeviceCommandSubject is where a device listens for its commands.
func DeviceCommandSubject(deviceID string) string {
	return "devices." + deviceID + ".commands"
}

// QueueReceiver claims due messages from the delay queue.
type QueueReceiver interface {
	Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]domain.Delivery, error)
	Delete(ctx context.Context, messageID string, token domain.ContinuationToken) error
}

// DevicePublisher sends a message on the device transport.
type DevicePublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg) error
}

// DispatcherConfig holds configuration for the Dispatcher.
type DispatcherConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
}

// Dispatcher relays due queue messages to the device transport. A message is
// deleted only after a successful publish; otherwise the queue redelivers it
// once the visibility timeout lapses.
type Dispatcher struct {
	queue     QueueReceiver
	publisher DevicePublisher
	logger    *slog.Logger
	config    DispatcherConfig
}

func NewDispatcher(queue QueueReceiver, publisher DevicePublisher, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		publisher: publisher,
		logger:    logger.With("component", "dispatcher"),
		config:    cfg,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Dispatcher started", "poll_interval", d.config.PollInterval, "batch_size", d.config.BatchSize)
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "Dispatcher stopping")
			return nil
		case <-ticker.C:
			for {
				n, err := d.DispatchDue(ctx)
				if err != nil {
					d.logger.ErrorContext(ctx, "Dispatch cycle failed", "error", err)
					break
				}
				// A full batch suggests more are due.
				if n < d.config.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// DispatchDue claims one batch of due messages and relays them. It returns the
// number of messages claimed. Per-message failures are logged, not returned.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	deliveries, err := d.queue.Receive(ctx, d.config.BatchSize, d.config.VisibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("receive due messages: %w", err)
	}
	for _, delivery := range deliveries {
		d.dispatch(ctx, delivery)
	}
	return len(deliveries), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, delivery domain.Delivery) {
	env, err := domain.DecodeEnvelope(delivery.Body)
	if err != nil {
		// Nothing can ever deliver it.
		d.logger.ErrorContext(ctx, "Dropping malformed queue message", "message_id", delivery.ID, "error", err)
		dispatchedCounter.WithLabelValues("malformed").Inc()
		d.delete(ctx, delivery)
		return
	}

	msg := nats.NewMsg(DeviceCommandSubject(env.DeviceID.String()))
	msg.Data = env.Payload
	msg.Header.Set(HeaderCommandType, string(env.Type))
	msg.Header.Set(HeaderMessageID, delivery.ID)
	msg.Header.Set(HeaderCommandID, env.CommandID.String())

	if err := d.publisher.PublishMsg(ctx, msg); err != nil {
		d.logger.WarnContext(ctx, "Publish to device failed, message will be redelivered",
			"message_id", delivery.ID, "device_id", env.DeviceID, "dequeue_count", delivery.DequeueCount, "error", err)
		dispatchedCounter.WithLabelValues("publish_error").Inc()
		return
	}
	d.logger.InfoContext(ctx, "Command dispatched to device",
		"message_id", delivery.ID, "device_id", env.DeviceID, "command_type", env.Type, "dequeue_count", delivery.DequeueCount)
	dispatchedCounter.WithLabelValues("published").Inc()
	d.delete(ctx, delivery)
}

func (d *Dispatcher) delete(ctx context.Context, delivery domain.Delivery) {
	if err := d.queue.Delete(ctx, delivery.ID, delivery.Token); err != nil {
		d.logger.WarnContext(ctx, "Could not delete dispatched message", "message_id", delivery.ID, "error", err)
		dispatchedCounter.WithLabelValues("delete_error").Inc()
	}
}
