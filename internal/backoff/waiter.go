// Package backoff provides a bounded exponential-backoff polling primitive.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy parameters.
var (
	ErrInvalidInitialWait = errors.New("initial wait must be positive")
	ErrInvalidMultiplier  = errors.New("multiplier must be at least 1")
	ErrInvalidStepCap     = errors.New("per-step cap must not be below initial wait")
	ErrInvalidBudget      = errors.New("total budget must be positive")
)

// Policy describes one bounded wait. It is passed by value and never mutated.
type Policy struct {
	InitialWait time.Duration `koanf:"initial_wait"`
	Multiplier  float64       `koanf:"multiplier"`
	PerStepCap  time.Duration `koanf:"per_step_cap"`
	TotalBudget time.Duration `koanf:"total_budget"`
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	switch {
	case p.InitialWait <= 0:
		return ErrInvalidInitialWait
	case p.Multiplier < 1:
		return ErrInvalidMultiplier
	case p.PerStepCap < p.InitialWait:
		return ErrInvalidStepCap
	case p.TotalBudget <= 0:
		return ErrInvalidBudget
	}
	return nil
}

// Next returns the wait that follows current.
func (p Policy) Next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.PerStepCap {
		return p.PerStepCap
	}
	return next
}

// Schedule returns the waits the Waiter performs when every poll fails and polls
// take no time.
func (p Policy) Schedule() []time.Duration {
	if p.Validate() != nil {
		return nil
	}

	var waits []time.Duration
	var elapsed time.Duration
	wait := p.InitialWait
	for elapsed < p.TotalBudget {
		waits = append(waits, wait)
		elapsed += wait
		wait = p.Next(wait)
	}
	return waits
}

// PollFunc reports whether the awaited condition holds. An error counts as not ready.
type PollFunc func(ctx context.Context) (bool, error)

// Result describes how a wait ended.
type Result struct {
	Success  bool          `json:"success"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts"`
	Timeout  bool          `json:"timeout,omitempty"`
	Escalate bool          `json:"escalate,omitempty"`
	LastErr  error         `json:"-"`
}

// ElapsedSeconds returns Elapsed truncated to whole seconds.
func (r Result) ElapsedSeconds() int {
	return int(r.Elapsed / time.Second)
}

// Waiter runs PollFuncs under a Policy.
type Waiter struct {
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Waiter) { w.now = now }
}

// WithSleep overrides how the Waiter blocks between polls. The function must
// return false if the wait was interrupted.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(w *Waiter) { w.sleep = sleep }
}

// NewWaiter creates a Waiter using the wall clock.
func NewWaiter(opts ...Option) *Waiter {
	w := &Waiter{
		now:   time.Now,
		sleep: sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait polls until poll succeeds or the elapsed time meets p.TotalBudget. Time
// spent inside poll counts against the budget.
func (w *Waiter) Wait(ctx context.Context, p Policy, poll PollFunc) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid backoff policy: %w", err)
	}

	start := w.now()
	wait := p.InitialWait
	var res Result

	for {
		elapsed := w.now().Sub(start)
		if elapsed >= p.TotalBudget {
			break
		}

		pollCtx, cancel := context.WithTimeout(ctx, p.TotalBudget-elapsed)
		ok, err := poll(pollCtx)
		cancel()
		res.Attempts++

		if err != nil {
			res.LastErr = err
			slog.Debug("poll failed", "attempt", res.Attempts, "error", err)
		}
		if ok {
			res.Success = true
			res.Elapsed = w.now().Sub(start)
			return res, nil
		}

		if !w.sleep(ctx, wait) {
			res.Elapsed = w.now().Sub(start)
			return res, fmt.Errorf("wait interrupted: %w", ctx.Err())
		}
		wait = p.Next(wait)
	}

	res.Elapsed = p.TotalBudget
	res.Timeout = true
	res.Escalate = true
	return res, nil
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
