package remediation

import (
	"context"
	"fmt"

	"github.com/bissquit/incident-remediator/internal/authz"
	"github.com/bissquit/incident-remediator/internal/backoff"
	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/escalation"
	"github.com/bissquit/incident-remediator/internal/pkg/ctxlog"
	"github.com/bissquit/incident-remediator/internal/ticketing"
)

const closeCode = "Solution provided"

// InstanceController is the only cloud surface the execution stage can reach.
// It has no stop, reboot or terminate.
type InstanceController interface {
	StartInstance(ctx context.Context, instanceID string) error
	IsRunning(ctx context.Context, instanceID string) (bool, error)
}

// ReachabilityFunc reports whether the incident's host can be reached.
type ReachabilityFunc func(ctx context.Context, inc *domain.Incident) (bool, error)

// Pager notifies the on-call human of an escalation.
type Pager interface {
	Page(ctx context.Context, ev escalation.Event) error
}

// Procedure is the retrieved remediation procedure. It is advisory: only the
// closed action set in the escalation package is ever executed.
type Procedure struct {
	Text   string
	Action string
}

// Outcome is the result of the execution stage.
type Outcome struct {
	Stage      domain.Stage // StageRemediated or StageEscalated
	Escalation *escalation.Event
	Running    backoff.Result
	Reachable  backoff.Result
}

// ExecutorConfig holds the two wait policies.
type ExecutorConfig struct {
	Running   backoff.Policy
	Reachable backoff.Policy
	Waiter    *backoff.Waiter
}

// Executor runs the execution stage locally.
type Executor struct {
	gate      *escalation.Gate
	instances InstanceController
	reachable ReachabilityFunc
	tickets   TicketUpdater
	pager     Pager
	config    ExecutorConfig
}

// NewExecutor creates a new Executor. pager may be nil.
func NewExecutor(gate *escalation.Gate, instances InstanceController, reachable ReachabilityFunc, tickets TicketUpdater, pager Pager, config ExecutorConfig) *Executor {
	if config.Waiter == nil {
		config.Waiter = backoff.NewWaiter()
	}
	return &Executor{
		gate:      gate,
		instances: instances,
		reachable: reachable,
		tickets:   tickets,
		pager:     pager,
		config:    config,
	}
}

// Execute applies the procedure to inc. Escalation is an Outcome, not an error;
// an error means a cloud call failed outright.
func (e *Executor) Execute(ctx context.Context, inc *domain.Incident, proc Procedure) (Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	e.note(ctx, inc.ID, fmt.Sprintf("Starting SOP execution for instance %s.", inc.InstanceID), ticketing.StateInProgress)

	plan := escalation.ClassifyProcedure(proc.Text, proc.Action)
	if plan.Action == escalation.ActionEscalate {
		return e.escalate(ctx, inc, plan.Reason, "procedure requested "+plan.Trigger), nil
	}

	if err := e.gate.Permit(authz.OpStart, inc.InstanceID); err != nil {
		return e.escalate(ctx, inc, escalation.ReasonNotAuthorized, err.Error()), nil
	}

	logger.Info("starting instance", "instance_id", inc.InstanceID)
	if err := e.instances.StartInstance(ctx, inc.InstanceID); err != nil {
		return Outcome{}, err
	}

	running, err := e.config.Waiter.Wait(ctx, e.config.Running, func(ctx context.Context) (bool, error) {
		return e.instances.IsRunning(ctx, inc.InstanceID)
	})
	if err != nil {
		return Outcome{Running: running}, fmt.Errorf("wait for running: %w", err)
	}
	recordWait("running", running)
	if running.Timeout {
		out := e.escalate(ctx, inc, escalation.ReasonTimeoutExceeded,
			fmt.Sprintf("instance not running after %ds (%d checks)", running.ElapsedSeconds(), running.Attempts))
		out.Running = running
		return out, nil
	}
	logger.Info("instance running", "waited_seconds", running.ElapsedSeconds(), "attempts", running.Attempts)

	reach, err := e.config.Waiter.Wait(ctx, e.config.Reachable, func(ctx context.Context) (bool, error) {
		return e.reachable(ctx, inc)
	})
	if err != nil {
		return Outcome{Running: running, Reachable: reach}, fmt.Errorf("wait for reachability: %w", err)
	}
	recordWait("reachable", reach)
	if reach.Timeout {
		out := e.escalate(ctx, inc, escalation.ReasonTimeoutExceeded,
			fmt.Sprintf("instance unreachable after %ds (%d checks)", reach.ElapsedSeconds(), reach.Attempts))
		out.Running, out.Reachable = running, reach
		return out, nil
	}

	notes := fmt.Sprintf(
		"Automated remediation: started instance %s. Instance reported running after %ds (%d checks). "+
			"Connectivity verified after %ds (%d checks).",
		inc.InstanceID, running.ElapsedSeconds(), running.Attempts, reach.ElapsedSeconds(), reach.Attempts,
	)
	if err := e.tickets.CloseIncident(ctx, inc.ID, closeCode, notes); err != nil {
		logger.Error("failed to close remediated incident", "error", err)
	}

	return Outcome{Stage: domain.StageRemediated, Running: running, Reachable: reach}, nil
}

func (e *Executor) escalate(ctx context.Context, inc *domain.Incident, reason escalation.Reason, detail string) Outcome {
	ev := escalation.NewEvent(inc.ID, inc.InstanceID, reason)
	ev.Detail = detail
	recordEscalation(reason)

	ctxlog.FromContext(ctx).Warn("incident escalated", "reason", reason, "detail", detail)

	e.note(ctx, inc.ID, ev.Notice, "")
	if e.pager != nil {
		if err := e.pager.Page(ctx, ev); err != nil {
			ctxlog.FromContext(ctx).Error("failed to page on-call", "error", err)
		}
	}
	return Outcome{Stage: domain.StageEscalated, Escalation: &ev}
}

func (e *Executor) note(ctx context.Context, number, notes, state string) {
	if err := e.tickets.UpdateIncident(ctx, number, notes, state); err != nil {
		ctxlog.FromContext(ctx).Error("failed to update incident", "error", err)
	}
}
