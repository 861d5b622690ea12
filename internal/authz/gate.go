// Package authz checks privileged cloud operations against an operation
// allow-list and a protected-instance deny-list.
package authz

import (
	"errors"
	"fmt"
)

// Operation is a privileged instance operation.
type Operation string

// Operations that may ever be authorized.
const (
	OpStart    Operation = "start"
	OpStop     Operation = "stop"
	OpReboot   Operation = "reboot"
	OpDescribe Operation = "describe"
)

var allowedOperations = map[Operation]bool{
	OpStart:    true,
	OpStop:     true,
	OpReboot:   true,
	OpDescribe: true,
}

// ErrUnauthorized matches every *Error.
var ErrUnauthorized = errors.New("operation not authorized")

// Error describes a rejected operation.
type Error struct {
	Operation  Operation
	InstanceID string
	Protected  bool
}

func (e *Error) Error() string {
	if e.Protected {
		return fmt.Sprintf("instance %s is protected from %s", e.InstanceID, e.Operation)
	}
	return fmt.Sprintf("operation %q not allowed", string(e.Operation))
}

// Is reports whether target is ErrUnauthorized.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized
}

// Gate authorizes operations. It is immutable after construction.
type Gate struct {
	protected map[string]struct{}
}

// NewGate creates a gate that denies every operation on the protected instances.
func NewGate(protected []string) *Gate {
	g := &Gate{protected: make(map[string]struct{}, len(protected))}
	for _, id := range protected {
		g.protected[id] = struct{}{}
	}
	return g
}

// Authorize returns an *Error if op is unknown or instanceID is protected.
func (g *Gate) Authorize(op Operation, instanceID string) error {
	if !allowedOperations[op] {
		return &Error{Operation: op, InstanceID: instanceID}
	}
	if _, ok := g.protected[instanceID]; ok {
		return &Error{Operation: op, InstanceID: instanceID, Protected: true}
	}
	return nil
}
