// Package escalation decides when automated remediation must stop and hand
// the incident to a human.
package escalation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/incident-remediator/internal/authz"
	"golang.org/x/text/unicode/norm"
)

// PagingPhrase is contained in every escalation notice.
const PagingPhrase = "Notifying the current oncall through paging"

// Reason explains why an incident was escalated.
type Reason string

// Escalation reasons.
const (
	ReasonDestructiveOperation Reason = "destructive-operation-required"
	ReasonTimeoutExceeded      Reason = "timeout-exceeded"
	ReasonNotAuthorized        Reason = "operation-not-authorized"
)

var notices = map[Reason]string{
	ReasonDestructiveOperation: "ESCALATION REQUIRED: SOP requires destructive operation (stop/reboot). " +
		PagingPhrase + " for manual approval.",
	ReasonTimeoutExceeded: "ESCALATION REQUIRED: instance did not recover within the verification budget. " +
		PagingPhrase + ".",
	ReasonNotAuthorized: "ESCALATION REQUIRED: automated start is not authorized for this instance. " +
		PagingPhrase + ".",
}

// Notice returns the fixed paging notice for reason.
func Notice(reason Reason) string {
	if n, ok := notices[reason]; ok {
		return n
	}
	return "ESCALATION REQUIRED: " + string(reason) + ". " + PagingPhrase + "."
}

// Event is a terminal hand-off of an incident to a human.
type Event struct {
	IncidentID string    `json:"incident_id"`
	InstanceID string    `json:"instance_id"`
	Reason     Reason    `json:"reason"`
	Notice     string    `json:"notice"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEvent builds an Event carrying the notice for reason.
func NewEvent(incidentID, instanceID string, reason Reason) Event {
	return Event{
		IncidentID: incidentID,
		InstanceID: instanceID,
		Reason:     reason,
		Notice:     Notice(reason),
		CreatedAt:  time.Now().UTC(),
	}
}

// ErrEscalationRequired is returned when an operation may not run automatically.
var ErrEscalationRequired = errors.New("escalation required")

// Action is a remediation step the execution stage may take.
type Action string

// The closed action set.
const (
	ActionStart    Action = "start"
	ActionEscalate Action = "escalate"
)

// Plan is the gate's reading of a retrieved procedure.
type Plan struct {
	Action Action
	Reason Reason
	// Trigger is the word or structured action that forced escalation.
	Trigger string
}

var destructivePattern = regexp.MustCompile(`(?i)\b(stop|reboot|restart|terminate|shut\s*down|power\s*off)\b`)

var destructiveActions = map[string]bool{
	"stop":      true,
	"reboot":    true,
	"restart":   true,
	"terminate": true,
	"shutdown":  true,
}

// ClassifyProcedure maps advisory procedure text and an optional structured
// action onto the closed action set. Any mention of a destructive operation
// escalates, including negated ones. Both inputs are NFKC-normalized first, so
// compatibility forms such as fullwidth letters match like their ASCII forms.
func ClassifyProcedure(text, structuredAction string) Plan {
	text = norm.NFKC.String(text)
	action := strings.ToLower(strings.TrimSpace(norm.NFKC.String(structuredAction)))
	if destructiveActions[action] {
		return Plan{Action: ActionEscalate, Reason: ReasonDestructiveOperation, Trigger: action}
	}
	if m := destructivePattern.FindString(text); m != "" {
		return Plan{Action: ActionEscalate, Reason: ReasonDestructiveOperation, Trigger: strings.ToLower(m)}
	}
	if action == string(ActionEscalate) {
		return Plan{Action: ActionEscalate, Reason: ReasonDestructiveOperation, Trigger: action}
	}
	return Plan{Action: ActionStart}
}

// Gate composes authorization with the automatic-execution policy.
type Gate struct {
	authz *authz.Gate
}

// NewGate creates a Gate on top of an authorization gate.
func NewGate(a *authz.Gate) *Gate {
	return &Gate{authz: a}
}

// Permit returns nil only if op may run automatically on instanceID right now.
// Authorized stop and reboot still return ErrEscalationRequired.
func (g *Gate) Permit(op authz.Operation, instanceID string) error {
	if err := g.authz.Authorize(op, instanceID); err != nil {
		return err
	}
	switch op {
	case authz.OpStop, authz.OpReboot:
		return fmt.Errorf("%s on %s: %w", op, instanceID, ErrEscalationRequired)
	}
	return nil
}
