package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SendReceipt is what the queue returns for an accepted message.
type SendReceipt struct {
	MessageID string
	Token     ContinuationToken
	VisibleAt time.Time
}

// VisibilityReceipt is what the queue returns for a visibility change.
type VisibilityReceipt struct {
	Token     ContinuationToken
	VisibleAt time.Time
}

// DelayQueue is the delay-queue transport. Implementations return
// ErrQueueTokenMismatch or ErrQueueMessageNotFound for stale mutations; every
// other error is a transport failure the caller may retry.
type DelayQueue interface {
	Send(ctx context.Context, payload []byte, delay time.Duration) (SendReceipt, error)
	ExtendVisibility(ctx context.Context, messageID string, token ContinuationToken, newDelay time.Duration) (VisibilityReceipt, error)
	Delete(ctx context.Context, messageID string, token ContinuationToken) error
}

// Delivery is a message claimed from the queue by a consumer. Token authorizes
// Delete of this delivery only.
type Delivery struct {
	ID           string
	Body         []byte
	Token        ContinuationToken
	DequeueCount int64
}

// ListFilter narrows ListByDevice. Nil pointers mean "any".
type ListFilter struct {
	Executed   *bool
	Removed    *bool
	Type       CommandType
	PageSize   int
	PageNumber int
}

// CommandStore is durable storage for QueuedCommand records.
type CommandStore interface {
	// Upsert inserts or replaces cmd. With persist=false the write joins the unit
	// of work bound to ctx and is committed by whoever owns it.
	Upsert(ctx context.Context, cmd *QueuedCommand, persist bool) error
	// UpdatePending writes cmd only if the stored row is still Pending and still
	// holds expected as its token; otherwise it returns ErrConcurrentUpdate.
	UpdatePending(ctx context.Context, cmd *QueuedCommand, expected ContinuationToken) error
	FindByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*QueuedCommand, error)
	FindPendingByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*QueuedCommand, error)
	FindExecutedByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*QueuedCommand, error)
	ListByDevice(ctx context.Context, deviceID uuid.UUID, filter ListFilter) ([]*QueuedCommand, int, error)
	// ListDuplicates returns the records created by duplicating originalID, newest first.
	ListDuplicates(ctx context.Context, originalID uuid.UUID) ([]*QueuedCommand, error)
}

// DeviceDirectory looks up devices.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*Device, error)
}

// Envelope is the body the scheduler sends to the queue. The dispatcher needs
// the routing fields; Payload stays opaque.
type Envelope struct {
	CommandID uuid.UUID   `json:"command_id"`
	DeviceID  uuid.UUID   `json:"device_id"`
	Type      CommandType `json:"type"`
	Payload   []byte      `json:"payload"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.DeviceID == uuid.Nil {
		return Envelope{}, fmt.Errorf("decode envelope: missing device id")
	}
	return e, nil
}
