// Package remediation runs the incident remediation pipeline: it sequences the
// remote stages, screens every piece of untrusted text, and drives the
// execution stage under the escalation gate.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/pkg/ctxlog"
	"github.com/bissquit/incident-remediator/internal/sanitize"
	"github.com/bissquit/incident-remediator/internal/stage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("remediator.remediation")

const resolvedNotes = "Validation found the issue already resolved. No remediation required."

// InstanceResolver maps a server name to a cloud instance id.
type InstanceResolver interface {
	ResolveInstanceID(ctx context.Context, serverName string) (string, error)
}

// TicketUpdater writes to the incident's ticket.
type TicketUpdater interface {
	UpdateIncident(ctx context.Context, number, notes, state string) error
	CloseIncident(ctx context.Context, number, code, notes string) error
}

// Intake is an incident handed to the pipeline.
type Intake struct {
	IncidentID  string
	ServerName  string
	ServerIP    string
	Description string
}

// Orchestrator sequences one pipeline run per Intake. Runs share no state and
// may execute concurrently.
type Orchestrator struct {
	instances InstanceResolver
	stages    stage.Invoker
	tickets   TicketUpdater
	executor  *Executor
	repo      RunRepository
	now       func() time.Time
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(instances InstanceResolver, stages stage.Invoker, tickets TicketUpdater, executor *Executor, repo RunRepository) *Orchestrator {
	return &Orchestrator{
		instances: instances,
		stages:    stages,
		tickets:   tickets,
		executor:  executor,
		repo:      repo,
		now:       time.Now,
	}
}

// Run executes the pipeline to a terminal disposition. The returned incident is
// always non-nil. A non-nil error accompanies the error disposition and is a
// *RejectionError or *StageError.
func (o *Orchestrator) Run(ctx context.Context, in Intake) (*domain.Incident, error) {
	start := o.now()
	inc := &domain.Incident{
		ID:         in.IncidentID,
		RunID:      uuid.NewString(),
		ServerName: in.ServerName,
		ServerIP:   in.ServerIP,
		Stage:      domain.StageInit,
		CreatedAt:  start.UTC(),
		UpdatedAt:  start.UTC(),
	}

	ctx, logger := ctxlog.With(ctx, "incident_id", inc.ID, "run_id", inc.RunID)

	ctx, span := tracer.Start(ctx, "remediation.Run",
		trace.WithAttributes(
			attribute.String("incident.id", inc.ID),
			attribute.String("run.id", inc.RunID),
		),
	)
	defer span.End()

	if err := o.repo.Create(ctx, inc); err != nil {
		logger.Error("failed to record run", "error", err)
	}

	logger.Info("processing incident", "server_name", inc.ServerName)

	err := o.run(ctx, inc, in.Description)
	if err != nil {
		o.fail(ctx, inc, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(inc.Disposition))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("run.disposition", string(inc.Disposition)))

	recordRun(inc.Disposition, o.now().Sub(start))
	logger.Info("pipeline finished",
		"disposition", inc.Disposition,
		"failed_stage", inc.FailedStage,
		"instance_id", inc.InstanceID,
	)
	return inc, err
}

func (o *Orchestrator) run(ctx context.Context, inc *domain.Incident, description string) error {
	desc, err := screen(ctx, StepIntake, description)
	if err != nil {
		return err
	}
	inc.Description = desc

	instanceID, err := o.instances.ResolveInstanceID(ctx, inc.ServerName)
	if err != nil {
		return &StageError{Stage: StepResolveInstance, Err: fmt.Errorf("%w: %w", ErrInstanceNotResolved, err)}
	}
	inc.InstanceID = instanceID

	if err := o.advance(ctx, inc, domain.StageAnalyzing); err != nil {
		return err
	}
	analysis, err := o.invoke(ctx, stage.Analyze, stage.Request{
		IncidentID: inc.ID,
		InstanceID: inc.InstanceID,
		ServerName: inc.ServerName,
	})
	if err != nil {
		return err
	}
	analysisText, err := screen(ctx, string(stage.Analyze), analysis.Text)
	if err != nil {
		return err
	}

	if err := o.advance(ctx, inc, domain.StageValidating); err != nil {
		return err
	}
	validation, err := o.invoke(ctx, stage.Validate, stage.Request{
		IncidentID:     inc.ID,
		InstanceID:     inc.InstanceID,
		ServerIP:       inc.ServerIP,
		AnalysisResult: analysisText,
	})
	if err != nil {
		return err
	}
	validationText, err := screen(ctx, string(stage.Validate), validation.Text)
	if err != nil {
		return err
	}

	if !NeedsRemediation(validation) {
		if err := o.advance(ctx, inc, domain.StageResolved); err != nil {
			return err
		}
		if err := o.tickets.CloseIncident(ctx, inc.ID, "", resolvedNotes); err != nil {
			ctxlog.FromContext(ctx).Error("failed to close resolved incident", "error", err)
		}
		return nil
	}

	if err := o.advance(ctx, inc, domain.StageSOPLookup); err != nil {
		return err
	}
	procedure, err := o.invoke(ctx, stage.RetrieveProcedure, stage.Request{
		IncidentID:       inc.ID,
		InstanceID:       inc.InstanceID,
		AnalysisResult:   analysisText,
		ValidationResult: validationText,
	})
	if err != nil {
		return err
	}
	if _, err := screen(ctx, string(stage.RetrieveProcedure), procedure.Text); err != nil {
		return err
	}

	if err := o.advance(ctx, inc, domain.StageExecuting); err != nil {
		return err
	}
	// Classification reads the full procedure: truncation or redaction must not
	// hide a destructive step.
	out, err := o.execute(ctx, inc, Procedure{Text: procedure.Text, Action: procedure.Action})
	if err != nil {
		return &StageError{Stage: StepExecute, Err: err}
	}
	if out.Escalation != nil {
		inc.Reason = string(out.Escalation.Reason)
	}
	return o.advance(ctx, inc, out.Stage)
}

func (o *Orchestrator) invoke(ctx context.Context, name stage.Name, req stage.Request) (stage.Result, error) {
	ctx, span := tracer.Start(ctx, "stage."+string(name),
		trace.WithAttributes(attribute.String("stage.name", string(name))),
	)
	defer span.End()

	ctxlog.FromContext(ctx).Info("invoking stage", "stage", string(name))

	res, err := o.stages.Invoke(ctx, name, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, &StageError{Stage: string(name), Err: err}
	}

	span.SetAttributes(
		attribute.Int("stage.result_chars", len(res.Text)),
		attribute.String("stage.status", res.Status),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, inc *domain.Incident, proc Procedure) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "stage."+StepExecute)
	defer span.End()

	out, err := o.executor.Execute(ctx, inc, proc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(attribute.String("execute.outcome", string(out.Stage)))
	return out, nil
}

func (o *Orchestrator) advance(ctx context.Context, inc *domain.Incident, next domain.Stage) error {
	if err := inc.Advance(next); err != nil {
		return fmt.Errorf("advance to %s: %w", next, err)
	}
	o.save(ctx, inc)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, inc *domain.Incident, err error) {
	failedStage, reason := "pipeline", sanitize.ForLog(err.Error())

	var rejection *RejectionError
	var stageErr *StageError
	switch {
	case errors.As(err, &rejection):
		failedStage, reason = rejection.Stage, "input-rejected"
	case errors.As(err, &stageErr):
		failedStage = stageErr.Stage
	}

	if ferr := inc.Fail(failedStage, reason); ferr != nil {
		ctxlog.FromContext(ctx).Error("failed to mark run as failed", "error", ferr)
		return
	}
	o.save(ctx, inc)
}

func (o *Orchestrator) save(ctx context.Context, inc *domain.Incident) {
	if err := o.repo.Update(ctx, inc); err != nil {
		ctxlog.FromContext(ctx).Error("failed to record run", "stage", inc.Stage, "error", err)
	}
}

// screen rejects text that matches injection rules and returns the rest
// sanitized and PII-redacted.
func screen(ctx context.Context, source, text string) (string, error) {
	if v := sanitize.DetectInjection(text); v.Blocked {
		recordRejection(source)
		ctxlog.FromContext(ctx).Warn("security alert: untrusted text rejected", "stage", source, "rule", v.Reason)
		return "", &RejectionError{Stage: source, Reason: v.Reason}
	}
	if findings := sanitize.DetectPII(text); len(findings) > 0 {
		ctxlog.FromContext(ctx).Info("pii redacted", "stage", source, "categories", len(findings))
	}
	return sanitize.RedactPII(sanitize.SanitizeText(text)), nil
}

var (
	persistingStatuses = map[string]bool{"persists": true, "unresolved": true, "stopped": true, "failing": true}
	resolvedStatuses   = map[string]bool{"resolved": true, "healthy": true}
)

// NeedsRemediation reports whether a validation result describes an ongoing
// issue. A known structured status decides; otherwise the lower-cased text is
// searched for "persists" or "stopped", and empty text counts as persisting.
func NeedsRemediation(res stage.Result) bool {
	switch {
	case persistingStatuses[res.Status]:
		return true
	case resolvedStatuses[res.Status]:
		return false
	}

	text := strings.ToLower(res.Text)
	return len(text) == 0 || strings.Contains(text, "persists") || strings.Contains(text, "stopped")
}
