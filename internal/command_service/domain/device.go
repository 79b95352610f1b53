package domain

import "github.com/google/uuid"

// Device is the slice of a monitored device the command service needs.
type Device struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	IsVirtual bool // simulated device, no real transport channel
}

// Actor is the authenticated caller of a coordinator operation.
type Actor struct {
	UserID  uuid.UUID
	IsAdmin bool
}
