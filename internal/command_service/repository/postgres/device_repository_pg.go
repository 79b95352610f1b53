package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iotmon/golang_services/internal/command_service/domain"
	"github.com/iotmon/golang_services/internal/platform/database"
)

// PgDeviceRepository reads the devices table owned by the device registry.
type PgDeviceRepository struct {
	db     database.Querier
	logger *slog.Logger
}

func NewPgDeviceRepository(db database.Querier, logger *slog.Logger) *PgDeviceRepository {
	return &PgDeviceRepository{db: db, logger: logger}
}

// conn returns the transaction bound to ctx, or the pool.
func (r *PgDeviceRepository) conn(ctx context.Context) database.Querier {
	if tx, ok := database.TxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

func (r *PgDeviceRepository) GetDevice(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	query := `SELECT id, owner_id, name, is_virtual FROM devices WHERE id = $1`
	device := &domain.Device{}
	err := r.conn(ctx).QueryRow(ctx, query, id).Scan(&device.ID, &device.OwnerID, &device.Name, &device.IsVirtual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.WarnContext(ctx, "Device not found", "device_id", id)
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting device", "error", err, "device_id", id)
		return nil, err
	}
	return device, nil
}

// CreateDevice registers a device, inside the transaction bound to ctx if any.
func (r *PgDeviceRepository) CreateDevice(ctx context.Context, device *domain.Device) error {
	query := `INSERT INTO devices (id, owner_id, name, is_virtual) VALUES ($1, $2, $3, $4)`
	if _, err := r.conn(ctx).Exec(ctx, query, device.ID, device.OwnerID, device.Name, device.IsVirtual); err != nil {
		r.logger.ErrorContext(ctx, "Error creating device", "error", err, "device_id", device.ID)
		return err
	}
	r.logger.InfoContext(ctx, "Device created", "device_id", device.ID, "owner_id", device.OwnerID)
	return nil
}
