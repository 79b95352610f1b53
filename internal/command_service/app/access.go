package app

import (
	"context"
	"fmt"

	"github.com/iotmon/golang_services/internal/command_service/domain"
)

// AccessPolicy decides whether an actor may act on a device's command queue.
type AccessPolicy interface {
	Authorize(ctx context.Context, actor domain.Actor, device *domain.Device) error
}

// OwnerOrAdminPolicy grants access to the device owner and to administrators.
type OwnerOrAdminPolicy struct{}

func (OwnerOrAdminPolicy) Authorize(_ context.Context, actor domain.Actor, device *domain.Device) error {
	if actor.IsAdmin {
		return nil
	}
	if device != nil && device.OwnerID == actor.UserID {
		return nil
	}
	return fmt.Errorf("%w: user %s has no write access to device", domain.ErrUnauthorized, actor.UserID)
}
