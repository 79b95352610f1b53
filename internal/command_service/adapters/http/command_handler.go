package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/iotmon/golang_services/internal/command_service/adapters/http/middleware"
	"github.com/iotmon/golang_services/internal/command_service/app"
	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/command_service/payload"
)

// CommandService is the part of the coordinator the HTTP surface drives.
type CommandService interface {
	Enqueue(ctx context.Context, actor domain.Actor, req app.EnqueueRequest) (*domain.QueuedCommand, error)
	Reschedule(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string, at time.Time) (*domain.QueuedCommand, error)
	Cancel(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error)
	Duplicate(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string, at *time.Time) (*domain.QueuedCommand, error)
	AcknowledgeAs(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string, executedAt *time.Time) error
	Get(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error)
	History(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, filter domain.ListFilter) ([]*domain.QueuedCommand, int, error)
	Lineage(ctx context.Context, actor domain.Actor, deviceID uuid.UUID, messageID string) (*app.Lineage, error)
}

type CommandHandler struct {
	commands CommandService
	codec    *payload.Codec
	logger   *slog.Logger
	validate *validator.Validate
}

func NewCommandHandler(commands CommandService, codec *payload.Codec, logger *slog.Logger, validate *validator.Validate) *CommandHandler {
	return &CommandHandler{
		commands: commands,
		codec:    codec,
		logger:   logger,
		validate: validate,
	}
}

// RegisterRoutes mounts the command routes. Callers apply AuthMiddleware.
func (h *CommandHandler) RegisterRoutes(r chi.Router) {
	r.Route("/devices/{deviceID}/commands", func(r chi.Router) {
		r.Post("/", h.EnqueueCommand)
		r.Get("/", h.ListCommands)
		r.Get("/{messageID}", h.GetCommand)
		r.Get("/{messageID}/lineage", h.GetLineage)
		r.Put("/{messageID}/schedule", h.RescheduleCommand)
		r.Delete("/{messageID}", h.CancelCommand)
		r.Post("/{messageID}/duplicate", h.DuplicateCommand)
		r.Post("/{messageID}/ack", h.AcknowledgeCommand)
	})
}

// writeError maps coordinator errors to HTTP status codes.
func (h *CommandHandler) writeError(ctx context.Context, w http.ResponseWriter, err error, operation string) {
	logEntry := h.logger.With("operation", operation, "error", err)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logEntry.WarnContext(ctx, "Resource not found")
		http.Error(w, fmt.Sprintf("Resource not found: %s", err.Error()), http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation):
		logEntry.WarnContext(ctx, "Request rejected")
		http.Error(w, fmt.Sprintf("Invalid request: %s", err.Error()), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidOperation):
		logEntry.WarnContext(ctx, "Operation not allowed")
		http.Error(w, fmt.Sprintf("Invalid operation: %s", err.Error()), http.StatusConflict)
	case errors.Is(err, domain.ErrTransportConflict):
		logEntry.WarnContext(ctx, "Transport conflict")
		http.Error(w, fmt.Sprintf("Conflict: %s", err.Error()), http.StatusConflict)
	case errors.Is(err, domain.ErrUnauthorized):
		logEntry.WarnContext(ctx, "Permission denied")
		http.Error(w, "Permission denied", http.StatusForbidden)
	default:
		logEntry.ErrorContext(ctx, "Unhandled error")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *CommandHandler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any, operation string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(ctx, "Failed to encode response", "operation", operation, "error", err)
	}
}

// requestTarget extracts the actor and device id every route needs. It writes
// the error response itself and reports false when the request cannot proceed.
func (h *CommandHandler) requestTarget(w http.ResponseWriter, r *http.Request) (domain.Actor, uuid.UUID, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		h.logger.ErrorContext(r.Context(), "Actor not found in context")
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return domain.Actor{}, uuid.Nil, false
	}
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		h.logger.WarnContext(r.Context(), "Invalid device id", "device_id", chi.URLParam(r, "deviceID"))
		http.Error(w, "Invalid device ID format", http.StatusBadRequest)
		return domain.Actor{}, uuid.Nil, false
	}
	return actor, deviceID, true
}

// decodeOptionalBody decodes r.Body into v, treating an empty body as zero value.
func decodeOptionalBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *CommandHandler) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	var reqDTO EnqueueCommandRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for EnqueueCommand", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for EnqueueCommand", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	cmdType := domain.CommandType(reqDTO.Type)
	typed, err := h.codec.Decode(cmdType, reqDTO.Payload)
	if err != nil {
		h.writeError(ctx, w, err, "EnqueueCommand")
		return
	}
	body, err := h.codec.Encode(typed)
	if err != nil {
		h.writeError(ctx, w, err, "EnqueueCommand")
		return
	}

	cmd, err := h.commands.Enqueue(ctx, actor, app.EnqueueRequest{
		DeviceID: deviceID,
		Type:     cmdType,
		Payload:  body,
		At:       reqDTO.At,
	})
	if err != nil {
		h.writeError(ctx, w, err, "EnqueueCommand")
		return
	}
	h.writeJSON(ctx, w, http.StatusCreated, toQueuedCommandDTO(cmd), "EnqueueCommand")
}

func (h *CommandHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		h.logger.WarnContext(ctx, "Invalid query parameters for ListCommands", "error", err)
		http.Error(w, fmt.Sprintf("Invalid query parameter: %s", err.Error()), http.StatusBadRequest)
		return
	}

	cmds, total, err := h.commands.History(ctx, actor, deviceID, filter)
	if err != nil {
		h.writeError(ctx, w, err, "ListCommands")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, ListQueuedCommandsResponseDTO{Items: toQueuedCommandDTOs(cmds), Total: total}, "ListCommands")
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	filter := domain.ListFilter{Type: domain.CommandType(q.Get("type"))}

	for name, dst := range map[string]**bool{"executed": &filter.Executed, "removed": &filter.Removed} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.ListFilter{}, fmt.Errorf("%s must be a boolean", name)
		}
		*dst = &v
	}
	for name, dst := range map[string]*int{"page_size": &filter.PageSize, "page_number": &filter.PageNumber} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return domain.ListFilter{}, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = v
	}
	return filter, nil
}

func (h *CommandHandler) GetCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}
	cmd, err := h.commands.Get(ctx, actor, deviceID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(ctx, w, err, "GetCommand")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, toQueuedCommandDTO(cmd), "GetCommand")
}

func (h *CommandHandler) GetLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}
	lineage, err := h.commands.Lineage(ctx, actor, deviceID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(ctx, w, err, "GetLineage")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, toLineageDTO(lineage), "GetLineage")
}

func (h *CommandHandler) RescheduleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	var reqDTO RescheduleCommandRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for RescheduleCommand", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for RescheduleCommand", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	cmd, err := h.commands.Reschedule(ctx, actor, deviceID, chi.URLParam(r, "messageID"), reqDTO.At)
	if err != nil {
		h.writeError(ctx, w, err, "RescheduleCommand")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, toQueuedCommandDTO(cmd), "RescheduleCommand")
}

func (h *CommandHandler) CancelCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}
	cmd, err := h.commands.Cancel(ctx, actor, deviceID, chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(ctx, w, err, "CancelCommand")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, toQueuedCommandDTO(cmd), "CancelCommand")
}

func (h *CommandHandler) DuplicateCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	var reqDTO DuplicateCommandRequestDTO
	if err := decodeOptionalBody(r, &reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for DuplicateCommand", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := h.commands.Duplicate(ctx, actor, deviceID, chi.URLParam(r, "messageID"), reqDTO.At)
	if err != nil {
		h.writeError(ctx, w, err, "DuplicateCommand")
		return
	}
	h.writeJSON(ctx, w, http.StatusCreated, toQueuedCommandDTO(cmd), "DuplicateCommand")
}

// AcknowledgeCommand is the HTTP twin of the NATS ack subject for devices that
// report over the public API. Unlike the NATS path the caller must hold write
// access to the device.
func (h *CommandHandler) AcknowledgeCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, deviceID, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	var reqDTO AcknowledgeCommandRequestDTO
	if err := decodeOptionalBody(r, &reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for AcknowledgeCommand", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.commands.AcknowledgeAs(ctx, actor, deviceID, chi.URLParam(r, "messageID"), reqDTO.ExecutedAt); err != nil {
		h.writeError(ctx, w, err, "AcknowledgeCommand")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
