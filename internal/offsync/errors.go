package offsync

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrQueueFull       = errors.New("queue full")
	ErrNoCachedData    = errors.New("no cached data")
	ErrOffline         = errors.New("offline")
	ErrDuplicateEffect = errors.New("duplicate effect")
	ErrNotImplemented  = errors.New("not implemented")
)

// ConflictError marks an action whose intended effect already happened on the
// remote side. It is terminal: the local payload and the remote state may
// differ, so it is surfaced instead of being treated as success.
type ConflictError struct {
	ActionID string
	Detail   string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return "duplicate effect"
	}
	return "duplicate effect: " + e.Detail
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrDuplicateEffect
}
