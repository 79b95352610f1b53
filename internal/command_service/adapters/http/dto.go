package http

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iotmon/golang_services/internal/command_service/app"
	"github.com/iotmon/golang_services/internal/command_service/domain"
)

// previewRunes bounds the payload excerpt shown in read models.
const previewRunes = 80

// EnqueueCommandRequestDTO is the body of POST /devices/{deviceID}/commands.
type EnqueueCommandRequestDTO struct {
	Type    string          `json:"type" validate:"required,oneof=device_attributes motion_control email"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	// At is the target delivery time; omit to deliver immediately.
	At *time.Time `json:"at,omitempty"`
}

// RescheduleCommandRequestDTO is the body of PUT .../{messageID}/schedule.
type RescheduleCommandRequestDTO struct {
	At time.Time `json:"at" validate:"required"`
}

// DuplicateCommandRequestDTO is the optional body of POST .../{messageID}/duplicate.
type DuplicateCommandRequestDTO struct {
	At *time.Time `json:"at,omitempty"`
}

// AcknowledgeCommandRequestDTO is the optional body of POST .../{messageID}/ack.
// A missing executed_at reports failure at the device.
type AcknowledgeCommandRequestDTO struct {
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// QueuedCommandDTO is the read model of a command record.
type QueuedCommandDTO struct {
	ID             uuid.UUID  `json:"id"`
	MessageID      string     `json:"message_id"`
	DeviceID       uuid.UUID  `json:"device_id"`
	Type           string     `json:"type"`
	MessagePreview string     `json:"message_preview"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	IsRemoved      bool       `json:"is_removed"`
	RemovalReason  string     `json:"removal_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	OriginalID     *uuid.UUID `json:"original_id,omitempty"`
}

type ListQueuedCommandsResponseDTO struct {
	Items []QueuedCommandDTO `json:"items"`
	Total int                `json:"total"`
}

type LineageResponseDTO struct {
	Source          QueuedCommandDTO   `json:"source"`
	Duplicates      []QueuedCommandDTO `json:"duplicates"`
	LastSentAgainAt *time.Time         `json:"last_sent_again_at,omitempty"`
}

func toQueuedCommandDTO(cmd *domain.QueuedCommand) QueuedCommandDTO {
	dto := QueuedCommandDTO{
		ID:             cmd.ID,
		MessageID:      cmd.MessageID,
		DeviceID:       cmd.DeviceID,
		Type:           string(cmd.Type),
		MessagePreview: cmd.Preview(previewRunes),
		ScheduledAt:    cmd.ScheduledAt,
		IsRemoved:      cmd.IsRemoved,
		RemovalReason:  string(cmd.RemovalReason),
		CreatedAt:      cmd.CreatedAt,
	}
	if cmd.ExecutedAt.Valid {
		t := cmd.ExecutedAt.Time
		dto.ExecutedAt = &t
	}
	if cmd.OriginalID.Valid {
		id := cmd.OriginalID.UUID
		dto.OriginalID = &id
	}
	return dto
}

func toQueuedCommandDTOs(cmds []*domain.QueuedCommand) []QueuedCommandDTO {
	out := make([]QueuedCommandDTO, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, toQueuedCommandDTO(cmd))
	}
	return out
}

func toLineageDTO(l *app.Lineage) LineageResponseDTO {
	return LineageResponseDTO{
		Source:          toQueuedCommandDTO(l.Source),
		Duplicates:      toQueuedCommandDTOs(l.Duplicates),
		LastSentAgainAt: l.LastSentAgainAt,
	}
}
