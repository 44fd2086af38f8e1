package domain

import "errors"

var (
	ErrIncompleteRequest = errors.New("connection closed before end of request")
	ErrStoreUnavailable  = errors.New("counter store unavailable")
	ErrInvalidCounter    = errors.New("counter value is not an integer")
	ErrQueueFull         = errors.New("notification queue is full")
)

func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncompleteRequest)
}
