package ticketing

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrNoToken          = errors.New("token endpoint returned no access token")
)

// StatusError is an unexpected HTTP status from the ticketing system.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ticketing error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *StatusError) IsRetryable() bool {
	return e.Code == 429 || e.Code >= 500
}
