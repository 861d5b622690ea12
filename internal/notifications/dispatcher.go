package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-remediator/internal/backoff"
	"github.com/bissquit/incident-remediator/internal/escalation"
)

// DefaultRetry retries a failed page for up to half a minute.
var DefaultRetry = backoff.Policy{
	InitialWait: time.Second,
	Multiplier:  2,
	PerStepCap:  10 * time.Second,
	TotalBudget: 30 * time.Second,
}

// Dispatcher fans an escalation out to every configured target.
type Dispatcher struct {
	renderer *Renderer
	targets  []Target
	senders  map[Channel]Sender
	retry    backoff.Policy
	waiter   *backoff.Waiter
}

// NewDispatcher creates a new Dispatcher. A zero retry policy sends once.
func NewDispatcher(renderer *Renderer, targets []Target, retry backoff.Policy, senders ...Sender) *Dispatcher {
	senderMap := make(map[Channel]Sender, len(senders))
	for _, s := range senders {
		senderMap[s.Type()] = s
	}
	return &Dispatcher{
		renderer: renderer,
		targets:  targets,
		senders:  senderMap,
		retry:    retry,
		waiter:   backoff.NewWaiter(),
	}
}

// Page notifies every target of ev. One target failing does not stop the
// others; all failures are joined into the returned error.
func (d *Dispatcher) Page(ctx context.Context, ev escalation.Event) error {
	if len(d.targets) == 0 {
		slog.Warn("no paging targets configured", "incident_id", ev.IncidentID)
		return nil
	}

	var errs []error
	for _, target := range d.targets {
		sender, ok := d.senders[target.Channel]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoSender, target.Channel))
			recordPage(target.Channel, "failed")
			continue
		}

		subject, body, err := d.renderer.Render(target.Channel, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("render %s page: %w", target.Channel, err))
			recordPage(target.Channel, "failed")
			continue
		}

		if err := d.send(ctx, sender, Notification{To: target.To, Subject: subject, Body: body, Event: &ev}); err != nil {
			slog.Error("failed to page",
				"channel", target.Channel,
				"incident_id", ev.IncidentID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("page via %s: %w", target.Channel, err))
			recordPage(target.Channel, "failed")
			continue
		}
		recordPage(target.Channel, "success")
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, n Notification) error {
	start := time.Now()
	defer func() { recordPageDuration(sender.Type(), time.Since(start)) }()

	if d.retry == (backoff.Policy{}) {
		return sender.Send(ctx, n)
	}

	var lastErr error
	res, err := d.waiter.Wait(ctx, d.retry, func(ctx context.Context) (bool, error) {
		lastErr = sender.Send(ctx, n)
		switch {
		case lastErr == nil:
			return true, nil
		case !isRetryable(lastErr):
			// Stop waiting; lastErr is reported below.
			return true, nil
		}
		return false, lastErr
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("gave up after %d attempts: %w", res.Attempts, lastErr)
	}
	return lastErr
}
