package remediation

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	ErrInputRejected       = errors.New("invalid input detected")
	ErrInstanceNotResolved = errors.New("instance not resolved")
	ErrRunNotFound         = errors.New("run not found")
	ErrStageFailed         = errors.New("stage failed")
)

// Stage labels used in errors and responses for steps that are not remote stages.
const (
	StepIntake          = "intake"
	StepResolveInstance = "resolve-instance"
	StepExecute         = "execute"
)

// RejectionError reports text that failed injection screening. Reason names
// the rule that fired and is never shown to callers.
type RejectionError struct {
	Stage  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, ErrInputRejected.Error())
}

// Is reports whether target is ErrInputRejected.
func (e *RejectionError) Is(target error) bool {
	return target == ErrInputRejected
}

// StageError reports a failed stage invocation. The run is not retried.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStageFailed.
func (e *StageError) Is(target error) bool {
	return target == ErrStageFailed
}
