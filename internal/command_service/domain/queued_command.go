package domain

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// CommandType tells downstream consumers how to read a payload.
// The coordinator never looks inside the payload.
type CommandType string

const (
	CommandTypeDeviceAttributes CommandType = "device_attributes"
	CommandTypeMotionControl    CommandType = "motion_control"
	CommandTypeEmail            CommandType = "email"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandTypeDeviceAttributes, CommandTypeMotionControl, CommandTypeEmail:
		return true
	}
	return false
}

// RequiresDeviceTransport reports whether delivering t needs the device's own
// channel. Email goes out through the mail relay and works for virtual devices.
func (t CommandType) RequiresDeviceTransport() bool {
	return t == CommandTypeDeviceAttributes || t == CommandTypeMotionControl
}

// CommandState is the lifecycle state of a queued command.
type CommandState string

const (
	StatePending  CommandState = "pending"
	StateExecuted CommandState = "executed"
	StateRemoved  CommandState = "removed"
)

// CanTransition reports whether from -> to is a legal lifecycle step.
// Executed and Removed are terminal.
func CanTransition(from, to CommandState) bool {
	switch from {
	case StatePending:
		return to == StateExecuted || to == StateRemoved
	default:
		return false
	}
}

// RemovalReason says why a command was removed. The IsRemoved flag alone is
// kept for read compatibility and covers both reasons.
type RemovalReason string

const (
	RemovalNone            RemovalReason = ""
	RemovalCancelledByUser RemovalReason = "cancelled_by_user"
	RemovalFailedAtDevice  RemovalReason = "failed_at_device"
)

// QueuedCommand is the local shadow of one delay-queue message.
type QueuedCommand struct {
	ID            uuid.UUID
	MessageID     string
	Token         ContinuationToken `json:"-"`
	DeviceID      uuid.UUID
	Type          CommandType
	Payload       []byte
	ScheduledAt   time.Time
	CreatedAt     time.Time
	ExecutedAt    sql.NullTime
	IsRemoved     bool
	RemovalReason RemovalReason
	OriginalID    uuid.NullUUID // set only on records created by duplicate
	UpdatedAt     time.Time
}

// NewQueuedCommand builds the Pending record for a message the queue just accepted.
func NewQueuedCommand(id, deviceID uuid.UUID, cmdType CommandType, payload []byte, receipt SendReceipt, now time.Time) *QueuedCommand {
	now = now.UTC()
	return &QueuedCommand{
		ID:          id,
		MessageID:   receipt.MessageID,
		Token:       receipt.Token,
		DeviceID:    deviceID,
		Type:        cmdType,
		Payload:     payload,
		ScheduledAt: receipt.VisibleAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// State derives the lifecycle state from the persisted markers.
func (c *QueuedCommand) State() CommandState {
	switch {
	case c.ExecutedAt.Valid:
		return StateExecuted
	case c.IsRemoved:
		return StateRemoved
	default:
		return StatePending
	}
}

// Validate checks the record invariants before it is stored.
func (c *QueuedCommand) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: command id is required", ErrValidation)
	}
	if c.DeviceID == uuid.Nil {
		return fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if c.MessageID == "" {
		return fmt.Errorf("%w: message id is required", ErrValidation)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown command type %q", ErrValidation, c.Type)
	}
	if c.ExecutedAt.Valid && c.IsRemoved {
		return fmt.Errorf("%w: command %s is both executed and removed", ErrInvalidOperation, c.ID)
	}
	if c.OriginalID.Valid && c.OriginalID.UUID == c.ID {
		return fmt.Errorf("%w: command %s cannot be its own original", ErrValidation, c.ID)
	}
	return nil
}

// Reschedule swaps in the token and visibility the queue returned for an
// ExtendVisibility call. The previous token is dead after this.
func (c *QueuedCommand) Reschedule(next VisibilityReceipt, now time.Time) error {
	if c.State() != StatePending {
		return fmt.Errorf("%w: command %s is %s", ErrInvalidOperation, c.MessageID, c.State())
	}
	if next.Token.IsZero() {
		return fmt.Errorf("%w: queue returned no continuation token for %s", ErrInvalidOperation, c.MessageID)
	}
	c.Token = next.Token
	c.ScheduledAt = next.VisibleAt.UTC()
	c.UpdatedAt = now.UTC()
	return nil
}

// MarkExecuted records the device-reported execution time (Pending -> Executed).
func (c *QueuedCommand) MarkExecuted(executedAt, now time.Time) error {
	if !CanTransition(c.State(), StateExecuted) {
		return fmt.Errorf("%w: command %s is %s", ErrInvalidOperation, c.MessageID, c.State())
	}
	c.ExecutedAt = sql.NullTime{Time: executedAt.UTC(), Valid: true}
	c.Token = ContinuationToken{}
	c.UpdatedAt = now.UTC()
	return nil
}

// MarkRemoved terminates the command without execution (Pending -> Removed).
func (c *QueuedCommand) MarkRemoved(reason RemovalReason, now time.Time) error {
	if !CanTransition(c.State(), StateRemoved) {
		return fmt.Errorf("%w: command %s is %s", ErrInvalidOperation, c.MessageID, c.State())
	}
	c.IsRemoved = true
	c.RemovalReason = reason
	c.Token = ContinuationToken{}
	c.UpdatedAt = now.UTC()
	return nil
}

// Preview returns at most maxRunes characters of the payload for list views.
func (c *QueuedCommand) Preview(maxRunes int) string {
	if !utf8.Valid(c.Payload) {
		return fmt.Sprintf("<%d bytes>", len(c.Payload))
	}
	s := string(c.Payload)
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "…"
}
