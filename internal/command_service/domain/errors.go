package domain

import "errors"

var (
	// ErrNotFound indicates that the device or command record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidOperation indicates a transition the command's state does not allow,
	// a missing continuation token, or a command aimed at a device without transport.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrValidation indicates caller input was rejected, e.g. a target time in the past.
	ErrValidation = errors.New("validation error")
	// ErrTransportConflict indicates the queue or the store rejected a mutation because
	// the continuation token is stale or the message is no longer in flight.
	ErrTransportConflict = errors.New("transport conflict")
	// ErrUnauthorized indicates the caller lacks write access to the device.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrentUpdate is returned by the store when a guarded update matched no row.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrDuplicateMessage is returned by the store when a message id is already recorded.
	ErrDuplicateMessage = errors.New("duplicate message id")
	// ErrNoUnitOfWork is returned when a deferred write has no transaction to join.
	ErrNoUnitOfWork = errors.New("no unit of work bound to context")

	// ErrQueueTokenMismatch is returned by a DelayQueue when the continuation token is stale.
	ErrQueueTokenMismatch = errors.New("queue: continuation token mismatch")
	// ErrQueueMessageNotFound is returned by a DelayQueue when the message is gone.
	ErrQueueMessageNotFound = errors.New("queue: message not found")
)
