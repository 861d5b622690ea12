package domain

import (
	"errors"
	"fmt"
	"time"
)

// Stage is the position of an incident in the remediation pipeline.
type Stage string

// Pipeline stages.
const (
	StageInit       Stage = "init"
	StageAnalyzing  Stage = "analyzing"
	StageValidating Stage = "validating"
	StageSOPLookup  Stage = "sop_lookup"
	StageExecuting  Stage = "executing"
	StageResolved   Stage = "resolved"
	StageRemediated Stage = "remediated"
	StageEscalated  Stage = "escalated"
	StageError      Stage = "error"
)

// Disposition is the terminal outcome of a pipeline run.
type Disposition string

// Dispositions.
const (
	DispositionRemediated Disposition = "remediated"
	DispositionResolved   Disposition = "resolved"
	DispositionEscalated  Disposition = "escalated"
	DispositionError      Disposition = "error"
)

// ErrIncidentFinalized is returned when a terminal incident is mutated.
var ErrIncidentFinalized = errors.New("incident already has a terminal disposition")

// ErrInvalidTransition is returned for a transition outside the pipeline graph.
var ErrInvalidTransition = errors.New("invalid stage transition")

// transitions lists the forward edges of the pipeline; StageError is reachable
// from every non-terminal stage and is handled separately.
var transitions = map[Stage][]Stage{
	StageInit:       {StageAnalyzing},
	StageAnalyzing:  {StageValidating},
	StageValidating: {StageResolved, StageSOPLookup},
	StageSOPLookup:  {StageExecuting},
	StageExecuting:  {StageRemediated, StageEscalated},
}

var terminal = map[Stage]Disposition{
	StageResolved:   DispositionResolved,
	StageRemediated: DispositionRemediated,
	StageEscalated:  DispositionEscalated,
	StageError:      DispositionError,
}

// IsTerminal reports whether the stage ends the pipeline.
func (s Stage) IsTerminal() bool {
	_, ok := terminal[s]
	return ok
}

// Incident is a single server-reachability incident as seen by one pipeline run.
type Incident struct {
	ID          string      `json:"incident_id"`
	RunID       string      `json:"run_id"`
	InstanceID  string      `json:"instance_id,omitempty"`
	ServerName  string      `json:"server_name"`
	ServerIP    string      `json:"server_ip,omitempty"`
	Description string      `json:"-"`
	Stage       Stage       `json:"stage"`
	Disposition Disposition `json:"disposition,omitempty"`
	FailedStage string      `json:"failed_stage,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsFinal reports whether the incident reached a terminal disposition.
func (i *Incident) IsFinal() bool {
	return i.Disposition != ""
}

// Advance moves the incident to next, setting the disposition when next is terminal.
func (i *Incident) Advance(next Stage) error {
	if i.IsFinal() {
		return ErrIncidentFinalized
	}

	if next != StageError && !allowed(i.Stage, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Stage, next)
	}

	i.Stage = next
	i.UpdatedAt = time.Now().UTC()
	if d, ok := terminal[next]; ok {
		i.Disposition = d
	}
	return nil
}

// Fail moves the incident to StageError, recording the failing stage and reason.
func (i *Incident) Fail(failedStage, reason string) error {
	if err := i.Advance(StageError); err != nil {
		return err
	}
	i.FailedStage = failedStage
	i.Reason = reason
	return nil
}

func allowed(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Server is a monitored host.
type Server struct {
	Name string `json:"name" koanf:"name" validate:"required,servertarget"`
	IP   string `json:"ip" koanf:"ip" validate:"required,servertarget"`
}
