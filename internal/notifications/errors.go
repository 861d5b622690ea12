package notifications

import "errors"

// ErrNoSender is returned for a target whose channel has no configured sender.
var ErrNoSender = errors.New("no sender for channel")

// isRetryable reports whether a send error is temporary. Errors that do not
// say otherwise are retried.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
