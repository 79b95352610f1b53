package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/platform/clock"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// EnqueueRequest describes a new command for a device.
type EnqueueRequest struct {
	DeviceID uuid.UUID
	Type     domain.CommandType
	Payload  []byte
	// At is the target delivery time. Nil means deliver immediately.
	At *time.Time
	// InUnitOfWork defers the record write to the transaction bound to ctx.
	InUnitOfWork bool
}

// Lineage is the re-send history of an executed command.
type Lineage struct {
	Source     *domain.QueuedCommand
	Duplicates []*domain.QueuedCommand
	// LastSentAgainAt is when the newest duplicate was created, if any.
	LastSentAgainAt *time.Time
}

// Coordinator keeps the local command records in step with the delay queue.
// It holds no state between calls.
type Coordinator struct {
	store   domain.CommandStore
	queue   domain.DelayQueue
	devices domain.DeviceDirectory
	access  AccessPolicy
	clock   clock.Clock
	logger  *slog.Logger
}

func NewCoordinator(
	store domain.CommandStore,
	queue domain.DelayQueue,
	devices domain.DeviceDirectory,
	access AccessPolicy,
	clk clock.Clock,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:   store,
		queue:   queue,
		devices: devices,
		access:  access,
		clock:   clk,
		logger:  logger.With("component", "command_coordinator"),
	}
}

// Enqueue sends a new command to the delay queue and records it as Pending.
func (c *Coordinator) Enqueue(ctx context.Context, actor domain.Actor, req EnqueueRequest) (_ *domain.QueuedCommand, err error) {
	defer observeOperation("enqueue", &err)

	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown command type %q", domain.ErrValidation, req.Type)
	}
	device, err := c.authorizedDevice(ctx, actor, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.IsVirtual && req.Type.RequiresDeviceTransport() {
		return nil, fmt.Errorf("%w: device %s is virtual and cannot receive %s commands", domain.ErrInvalidOperation, device.ID, req.Type)
	}
	delay, err := c.delayUntil(req.At)
	if err != nil {
		return nil, err
	}

	cmd, err := c.sendNew(ctx, uuid.New(), device.ID, req.Type, req.Payload, delay, uuid.NullUUID{}, !req.InUnitOfWork)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "Command enqueued",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"message_id", cmd.MessageID,
		"command_type", cmd.Type,
		"scheduled_at", cmd.ScheduledAt,
		"deferred", req.InUnitOfWork,
	)
	return cmd, nil
}

// Reschedule moves a Pending command's delivery time to at.
func (c *Coordinator) Reschedule(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string, at time.Time) (_ *domain.QueuedCommand, err error) {
	defer observeOperation("reschedule", &err)

	cmd, err := c.loadMutable(ctx, actor, deviceID, messageID)
	if err != nil {
		return nil, err
	}
	delay, err := c.delayUntil(&at)
	if err != nil {
		return nil, err
	}

	previous := cmd.Token
	timer := prometheus.NewTimer(queueCallDurationHist.WithLabelValues("extend_visibility"))
	receipt, err := c.queue.ExtendVisibility(ctx, cmd.MessageID, previous, delay)
	timer.ObserveDuration()
	if err != nil {
		return nil, classifyQueueError("extend visibility", cmd.MessageID, err)
	}

	if err := cmd.Reschedule(receipt, c.clock.Now()); err != nil {
		return nil, err
	}
	if err := c.store.UpdatePending(ctx, cmd, previous); err != nil {
		return nil, c.classifyStoreError(ctx, "reschedule", cmd, err)
	}

	c.logger.InfoContext(ctx, "Command rescheduled",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"message_id", cmd.MessageID,
		"scheduled_at", cmd.ScheduledAt,
	)
	return cmd, nil
}

// Cancel deletes a Pending command's queue message and marks the record removed.
func (c *Coordinator) Cancel(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (_ *domain.QueuedCommand, err error) {
	defer observeOperation("cancel", &err)

	cmd, err := c.loadMutable(ctx, actor, deviceID, messageID)
	if err != nil {
		return nil, err
	}

	previous := cmd.Token
	timer := prometheus.NewTimer(queueCallDurationHist.WithLabelValues("delete"))
	err = c.queue.Delete(ctx, cmd.MessageID, previous)
	timer.ObserveDuration()
	if err != nil {
		return nil, classifyQueueError("delete", cmd.MessageID, err)
	}

	if err := cmd.MarkRemoved(domain.RemovalCancelledByUser, c.clock.Now()); err != nil {
		return nil, err
	}
	if err := c.store.UpdatePending(ctx, cmd, previous); err != nil {
		return nil, c.classifyStoreError(ctx, "cancel", cmd, err)
	}

	c.logger.InfoContext(ctx, "Command cancelled",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"message_id", cmd.MessageID,
	)
	return cmd, nil
}

// Duplicate sends an executed command's payload again as a new message.
// The new record points back at the source through OriginalID.
func (c *Coordinator) Duplicate(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string, at *time.Time) (_ *domain.QueuedCommand, err error) {
	defer observeOperation("duplicate", &err)

	if _, err := c.authorizedDevice(ctx, actor, deviceID); err != nil {
		return nil, err
	}
	source, err := c.store.FindByDeviceAndMessageID(ctx, deviceID, messageID)
	if err != nil {
		return nil, fmt.Errorf("find command %s: %w", messageID, err)
	}
	if source.State() != domain.StateExecuted {
		return nil, fmt.Errorf("%w: command %s is %s, only executed commands can be duplicated", domain.ErrInvalidOperation, messageID, source.State())
	}
	delay, err := c.delayUntil(at)
	if err != nil {
		return nil, err
	}

	cmd, err := c.sendNew(ctx, uuid.New(), source.DeviceID, source.Type, source.Payload, delay,
		uuid.NullUUID{UUID: source.ID, Valid: true}, true)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "Command duplicated",
		"command_id", cmd.ID,
		"original_id", source.ID,
		"device_id", cmd.DeviceID,
		"message_id", cmd.MessageID,
		"scheduled_at", cmd.ScheduledAt,
	)
	return cmd, nil
}

// Acknowledge records a device's report on a delivered command. With an
// execution time the command becomes Executed, without one it is removed as
// failed at the device. Unknown or already terminal commands are ignored.
func (c *Coordinator) Acknowledge(ctx context.Context, deviceID uuid.UUID, messageID string, executedAt *time.Time) (err error) {
	defer observeOperation("acknowledge", &err)

	cmd, err := c.store.FindPendingByDeviceAndMessageID(ctx, deviceID, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.logger.InfoContext(ctx, "Acknowledgment for unknown or settled command ignored",
				"device_id", deviceID, "message_id", messageID)
			acknowledgmentsCounter.WithLabelValues("not_found").Inc()
			return nil
		}
		return fmt.Errorf("find pending command %s: %w", messageID, err)
	}

	previous := cmd.Token
	now := c.clock.Now()
	result := "executed"
	if executedAt != nil {
		err = cmd.MarkExecuted(*executedAt, now)
	} else {
		result = "failed_at_device"
		err = cmd.MarkRemoved(domain.RemovalFailedAtDevice, now)
	}
	if err != nil {
		return err
	}

	if err := c.store.UpdatePending(ctx, cmd, previous); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			c.logger.InfoContext(ctx, "Acknowledgment lost race, command already settled",
				"command_id", cmd.ID, "device_id", deviceID, "message_id", messageID)
			acknowledgmentsCounter.WithLabelValues("lost_race").Inc()
			return nil
		}
		return fmt.Errorf("persist acknowledgment for %s: %w", messageID, err)
	}

	acknowledgmentsCounter.WithLabelValues(result).Inc()
	c.logger.InfoContext(ctx, "Command acknowledged",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"message_id", messageID,
		"state", cmd.State(),
	)
	return nil
}

// AcknowledgeAs is Acknowledge for an authenticated caller. The caller needs
// write access to the device before the acknowledgment is looked up.
func (c *Coordinator) AcknowledgeAs(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string, executedAt *time.Time) error {
	if _, err := c.authorizedDevice(ctx, actor, deviceID); err != nil {
		observeOperation("acknowledge", &err)
		return err
	}
	return c.Acknowledge(ctx, deviceID, messageID, executedAt)
}

// Get returns one command record.
func (c *Coordinator) Get(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	if _, err := c.authorizedDevice(ctx, actor, deviceID); err != nil {
		return nil, err
	}
	cmd, err := c.store.FindByDeviceAndMessageID(ctx, deviceID, messageID)
	if err != nil {
		return nil, fmt.Errorf("find command %s: %w", messageID, err)
	}
	return cmd, nil
}

// History lists a device's commands, newest first, with the total match count.
func (c *Coordinator) History(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, filter domain.ListFilter) ([]*domain.QueuedCommand, int, error) {
	if _, err := c.authorizedDevice(ctx, actor, deviceID); err != nil {
		return nil, 0, err
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown command type %q", domain.ErrValidation, filter.Type)
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	if filter.PageNumber <= 0 {
		filter.PageNumber = 1
	}
	cmds, total, err := c.store.ListByDevice(ctx, deviceID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list commands for device %s: %w", deviceID, err)
	}
	return cmds, total, nil
}

// Lineage returns an executed command together with the records that re-sent it.
func (c *Coordinator) Lineage(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (*Lineage, error) {
	if _, err := c.authorizedDevice(ctx, actor, deviceID); err != nil {
		return nil, err
	}
	source, err := c.store.FindExecutedByDeviceAndMessageID(ctx, deviceID, messageID)
	if err != nil {
		return nil, fmt.Errorf("find executed command %s: %w", messageID, err)
	}
	dups, err := c.store.ListDuplicates(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("list duplicates of %s: %w", source.ID, err)
	}
	lineage := &Lineage{Source: source, Duplicates: dups}
	if len(dups) > 0 {
		last := dups[0].CreatedAt
		lineage.LastSentAgainAt = &last
	}
	return lineage, nil
}

// authorizedDevice loads the device and checks the actor may act on it.
// Both happen before any queue or command store call.
func (c *Coordinator) authorizedDevice(ctx context.Context, actor domain.Actor, deviceID uuid.UUID) (*domain.Device, error) {
	device, err := c.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	if err := c.access.Authorize(ctx, actor, device); err != nil {
		c.logger.WarnContext(ctx, "Command access denied", "device_id", deviceID, "user_id", actor.UserID)
		return nil, err
	}
	return device, nil
}

// loadMutable finds a command that reschedule or cancel may act on.
func (c *Coordinator) loadMutable(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	if _, err := c.authorizedDevice(ctx, actor, deviceID); err != nil {
		return nil, err
	}
	cmd, err := c.store.FindByDeviceAndMessageID(ctx, deviceID, messageID)
	if err != nil {
		return nil, fmt.Errorf("find command %s: %w", messageID, err)
	}
	if state := cmd.State(); state != domain.StatePending {
		return nil, fmt.Errorf("%w: command %s is %s", domain.ErrInvalidOperation, messageID, state)
	}
	if cmd.Token.IsZero() {
		c.logger.ErrorContext(ctx, "Pending command has no continuation token",
			"command_id", cmd.ID, "device_id", deviceID, "message_id", messageID)
		return nil, fmt.Errorf("%w: command %s has no continuation token", domain.ErrInvalidOperation, messageID)
	}
	return cmd, nil
}

// delayUntil turns a target time into a queue delay. Nil is zero delay.
func (c *Coordinator) delayUntil(at *time.Time) (time.Duration, error) {
	if at == nil {
		return 0, nil
	}
	now := c.clock.Now()
	if at.Before(now) {
		return 0, fmt.Errorf("%w: target time %s is before now (%s)", domain.ErrValidation,
			at.UTC().Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return at.Sub(now), nil
}

// sendNew sends payload and stores the resulting Pending record. If the store
// rejects the record, the queue message is deleted again.
func (c *Coordinator) sendNew(
	ctx context.Context,
	id, deviceID uuid.UUID,
	cmdType domain.CommandType,
	payload []byte,
	delay time.Duration,
	originalID uuid.NullUUID,
	persist bool,
) (*domain.QueuedCommand, error) {
	body, err := domain.Envelope{CommandID: id, DeviceID: deviceID, Type: cmdType, Payload: payload}.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	timer := prometheus.NewTimer(queueCallDurationHist.WithLabelValues("send"))
	receipt, err := c.queue.Send(ctx, body, delay)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("queue send: %w", err)
	}

	cmd := domain.NewQueuedCommand(id, deviceID, cmdType, payload, receipt, c.clock.Now())
	cmd.OriginalID = originalID
	if err := cmd.Validate(); err != nil {
		c.compensateSend(ctx, receipt)
		return nil, err
	}
	if err := c.store.Upsert(ctx, cmd, persist); err != nil {
		c.compensateSend(ctx, receipt)
		return nil, fmt.Errorf("store command %s: %w", cmd.ID, err)
	}
	return cmd, nil
}

// compensateSend deletes a message whose record could not be stored. If the
// delete fails too, the orphan is delivered and its acknowledgment ignored.
func (c *Coordinator) compensateSend(ctx context.Context, receipt domain.SendReceipt) {
	if err := c.queue.Delete(context.WithoutCancel(ctx), receipt.MessageID, receipt.Token); err != nil {
		c.logger.WarnContext(ctx, "Could not delete orphaned queue message", "message_id", receipt.MessageID, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "Deleted queue message after store failure", "message_id", receipt.MessageID)
}

// classifyStoreError maps a lost guarded write to ErrTransportConflict. Any
// other failure leaves the stored token stale; the next call on this command
// then fails at the queue with a conflict.
func (c *Coordinator) classifyStoreError(ctx context.Context, op string, cmd *domain.QueuedCommand, err error) error {
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		return fmt.Errorf("%w: command %s changed during %s", domain.ErrTransportConflict, cmd.MessageID, op)
	}
	c.logger.ErrorContext(ctx, "Queue call succeeded but record update failed",
		"operation", op, "command_id", cmd.ID, "message_id", cmd.MessageID, "error", err)
	return fmt.Errorf("persist %s of %s: %w", op, cmd.MessageID, err)
}

func classifyQueueError(call, messageID string, err error) error {
	if errors.Is(err, domain.ErrQueueTokenMismatch) || errors.Is(err, domain.ErrQueueMessageNotFound) {
		return fmt.Errorf("%w: queue %s for %s: %w", domain.ErrTransportConflict, call, messageID, err)
	}
	return fmt.Errorf("queue %s for %s: %w", call, messageID, err)
}
