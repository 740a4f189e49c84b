package capture

import (
	"context"
	"errors"
	"fmt"
)

// ErrPublisherClosed is returned by sends on a closed publisher
var ErrPublisherClosed = errors.New("publisher closed")

// PublishError is a failed send. Temporary failures (cancellation, ack timeout)
// may succeed if retried; permanent ones (broker rejection, encoding) will not.
type PublishError struct {
	Key       string
	Temporary bool
	Err       error
}

func (e *PublishError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	if e.Key == "" {
		return fmt.Sprintf("%s publish failure: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s publish failure for %s: %v", kind, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err carries a temporary PublishError
func IsTemporary(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Temporary
}

// ClassifySendError wraps a broker send failure for key.
// Cancellation and deadline expiry are temporary, everything else is permanent.
func ClassifySendError(key string, err error) error {
	if err == nil {
		return nil
	}

	var pe *PublishError
	if errors.As(err, &pe) {
		return err
	}

	temporary := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	return &PublishError{Key: key, Temporary: temporary, Err: err}
}

// InconsistentCommitError means events were published but the base transaction
// failed to commit; the index will converge once the events are replayed.
type InconsistentCommitError struct {
	Published int
	Err       error
}

func (e *InconsistentCommitError) Error() string {
	return fmt.Sprintf("base commit failed after publishing %d events: %v", e.Published, e.Err)
}

func (e *InconsistentCommitError) Unwrap() error {
	return e.Err
}
