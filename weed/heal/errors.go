package heal

import (
	"context"
	"errors"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidHealType = errors.New("Invalid heal type")
	ErrTaskNotFound    = errors.New("heal task not found")
	ErrManagerStopped  = errors.New("heal manager is stopped")
	ErrQueueFull       = errors.New("heal queue is full")
	ErrNotImplemented  = errors.New("not implemented")
	ErrObjectNotFound  = errors.New("object not found")

	// transient, retried by the manager
	ErrDiskOffline  = errors.New("disk offline")
	ErrDiskTimeout  = errors.New("disk operation timed out")
	ErrDiskNotFound = errors.New("disk not found")
)

// IsTransient reports whether a failed task may succeed when retried later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrDiskOffline) ||
		errors.Is(err, ErrDiskTimeout) ||
		errors.Is(err, ErrDiskNotFound) ||
		errors.Is(err, context.DeadlineExceeded)
}
