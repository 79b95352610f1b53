package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/platform/database"
)

const uniqueViolation = "23505"

const queuedCommandColumns = "id, message_id, continuation_token, device_id, command_type, payload, scheduled_at, created_at, executed_at, is_removed, removal_reason, original_id, updated_at"

type PgQueuedCommandRepository struct {
	db     database.Querier
	logger *slog.Logger
}

func NewPgQueuedCommandRepository(db database.Querier, logger *slog.Logger) *PgQueuedCommandRepository {
	return &PgQueuedCommandRepository{db: db, logger: logger}
}

// conn returns the transaction bound to ctx, or the pool.
func (r *PgQueuedCommandRepository) conn(ctx context.Context) database.Querier {
	if tx, ok := database.TxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Upsert inserts cmd or replaces the pending row with the same id. A terminal
// row is never overwritten. With persist=false the write must join the
// transaction bound to ctx.
func (r *PgQueuedCommandRepository) Upsert(ctx context.Context, cmd *domain.QueuedCommand, persist bool) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	q := r.conn(ctx)
	if !persist {
		tx, ok := database.TxFromContext(ctx)
		if !ok {
			r.logger.ErrorContext(ctx, "Deferred command write without transaction", "command_id", cmd.ID)
			return domain.ErrNoUnitOfWork
		}
		q = tx
	}

	query := `
		INSERT INTO queued_commands (` + queuedCommandColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			continuation_token = EXCLUDED.continuation_token,
			scheduled_at = EXCLUDED.scheduled_at,
			executed_at = EXCLUDED.executed_at,
			is_removed = EXCLUDED.is_removed,
			removal_reason = EXCLUDED.removal_reason,
			updated_at = EXCLUDED.updated_at
		WHERE queued_commands.executed_at IS NULL AND queued_commands.is_removed = FALSE
	`
	tag, err := q.Exec(ctx, query,
		cmd.ID, cmd.MessageID, cmd.Token.Value(), cmd.DeviceID, string(cmd.Type), cmd.Payload,
		cmd.ScheduledAt, cmd.CreatedAt, cmd.ExecutedAt, cmd.IsRemoved, string(cmd.RemovalReason),
		cmd.OriginalID, cmd.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.logger.WarnContext(ctx, "Message id already recorded", "command_id", cmd.ID, "message_id", cmd.MessageID)
			return fmt.Errorf("message %s: %w", cmd.MessageID, domain.ErrDuplicateMessage)
		}
		r.logger.ErrorContext(ctx, "Error upserting queued command", "error", err, "command_id", cmd.ID)
		return err
	}
	// A conflicting row that already reached a terminal state is left as is.
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Upsert skipped terminal command", "command_id", cmd.ID, "message_id", cmd.MessageID)
		return domain.ErrConcurrentUpdate
	}
	r.logger.DebugContext(ctx, "Queued command stored", "command_id", cmd.ID, "message_id", cmd.MessageID, "persist", persist)
	return nil
}

// UpdatePending writes the mutable columns of cmd only while the row is still
// Pending and still holds expected.
func (r *PgQueuedCommandRepository) UpdatePending(ctx context.Context, cmd *domain.QueuedCommand, expected domain.ContinuationToken) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	query := `
		UPDATE queued_commands
		SET continuation_token = $1, scheduled_at = $2, executed_at = $3, is_removed = $4, removal_reason = $5, updated_at = $6
		WHERE id = $7 AND executed_at IS NULL AND is_removed = FALSE AND continuation_token = $8
	`
	tag, err := r.conn(ctx).Exec(ctx, query,
		cmd.Token.Value(), cmd.ScheduledAt, cmd.ExecutedAt, cmd.IsRemoved, string(cmd.RemovalReason), cmd.UpdatedAt,
		cmd.ID, expected.Value(),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating queued command", "error", err, "command_id", cmd.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Guarded update matched no pending row", "command_id", cmd.ID, "message_id", cmd.MessageID)
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (r *PgQueuedCommandRepository) FindByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	return r.findOne(ctx, "", deviceID, messageID)
}

func (r *PgQueuedCommandRepository) FindPendingByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	return r.findOne(ctx, " AND executed_at IS NULL AND is_removed = FALSE", deviceID, messageID)
}

func (r *PgQueuedCommandRepository) FindExecutedByDeviceAndMessageID(ctx context.Context, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	return r.findOne(ctx, " AND executed_at IS NOT NULL", deviceID, messageID)
}

func (r *PgQueuedCommandRepository) findOne(ctx context.Context, stateClause string, deviceID uuid.UUID, messageID string) (*domain.QueuedCommand, error) {
	query := "SELECT " + queuedCommandColumns + " FROM queued_commands WHERE device_id = $1 AND message_id = $2" + stateClause
	cmd, err := scanQueuedCommand(r.conn(ctx).QueryRow(ctx, query, deviceID, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.DebugContext(ctx, "Queued command not found", "device_id", deviceID, "message_id", messageID)
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting queued command", "error", err, "device_id", deviceID, "message_id", messageID)
		return nil, err
	}
	return cmd, nil
}

// ListByDevice returns one page of a device's commands, newest first, and the
// number of rows matching the filter.
func (r *PgQueuedCommandRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, filter domain.ListFilter) ([]*domain.QueuedCommand, int, error) {
	var baseQuery strings.Builder
	baseQuery.WriteString("SELECT " + queuedCommandColumns + " FROM queued_commands")

	var countQueryBuilder strings.Builder
	countQueryBuilder.WriteString("SELECT COUNT(*) FROM queued_commands")

	conditions := []string{"device_id = $1"}
	args := []any{deviceID}
	argCounter := 2

	if filter.Executed != nil {
		if *filter.Executed {
			conditions = append(conditions, "executed_at IS NOT NULL")
		} else {
			conditions = append(conditions, "executed_at IS NULL")
		}
	}
	if filter.Removed != nil {
		conditions = append(conditions, fmt.Sprintf("is_removed = $%d", argCounter))
		args = append(args, *filter.Removed)
		argCounter++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("command_type = $%d", argCounter))
		args = append(args, string(filter.Type))
		argCounter++
	}

	whereClause := " WHERE " + strings.Join(conditions, " AND ")
	baseQuery.WriteString(whereClause)
	countQueryBuilder.WriteString(whereClause)

	q := r.conn(ctx)
	var totalCount int
	if err := q.QueryRow(ctx, countQueryBuilder.String(), args...).Scan(&totalCount); err != nil {
		r.logger.ErrorContext(ctx, "Error counting queued commands", "error", err, "device_id", deviceID)
		return nil, 0, err
	}
	if totalCount == 0 {
		return []*domain.QueuedCommand{}, 0, nil
	}

	baseQuery.WriteString(" ORDER BY created_at DESC")
	if filter.PageSize > 0 {
		page := filter.PageNumber
		if page < 1 {
			page = 1
		}
		baseQuery.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCounter, argCounter+1))
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
	}

	rows, err := q.Query(ctx, baseQuery.String(), args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing queued commands", "error", err, "device_id", deviceID)
		return nil, 0, err
	}
	cmds, err := collectQueuedCommands(rows)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error scanning queued command rows", "error", err, "device_id", deviceID)
		return nil, 0, err
	}
	return cmds, totalCount, nil
}

func (r *PgQueuedCommandRepository) ListDuplicates(ctx context.Context, originalID uuid.UUID) ([]*domain.QueuedCommand, error) {
	query := "SELECT " + queuedCommandColumns + " FROM queued_commands WHERE original_id = $1 ORDER BY created_at DESC"
	rows, err := r.conn(ctx).Query(ctx, query, originalID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing duplicates", "error", err, "original_id", originalID)
		return nil, err
	}
	cmds, err := collectQueuedCommands(rows)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error scanning duplicate rows", "error", err, "original_id", originalID)
		return nil, err
	}
	return cmds, nil
}

func collectQueuedCommands(rows pgx.Rows) ([]*domain.QueuedCommand, error) {
	defer rows.Close()
	cmds := []*domain.QueuedCommand{}
	for rows.Next() {
		cmd, err := scanQueuedCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cmds, nil
}

func scanQueuedCommand(row pgx.Row) (*domain.QueuedCommand, error) {
	cmd := &domain.QueuedCommand{}
	var token, cmdType, reason string
	err := row.Scan(
		&cmd.ID, &cmd.MessageID, &token, &cmd.DeviceID, &cmdType, &cmd.Payload,
		&cmd.ScheduledAt, &cmd.CreatedAt, &cmd.ExecutedAt, &cmd.IsRemoved, &reason,
		&cmd.OriginalID, &cmd.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cmd.Token = domain.NewContinuationToken(token)
	cmd.Type = domain.CommandType(cmdType)
	cmd.RemovalReason = domain.RemovalReason(reason)
	cmd.ScheduledAt = cmd.ScheduledAt.UTC()
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.UpdatedAt = cmd.UpdatedAt.UTC()
	if cmd.ExecutedAt.Valid {
		cmd.ExecutedAt.Time = cmd.ExecutedAt.Time.UTC()
	}
	return cmd, nil
}
