package remediation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bissquit/incident-remediator/internal/authz"
	"github.com/bissquit/incident-remediator/internal/backoff"
	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/escalation"
	"github.com/bissquit/incident-remediator/internal/stage"
)

const testInstanceID = "i-0abc123def456"

// mockResolver implements InstanceResolver for testing.
type mockResolver struct {
	id  string
	err error
}

func (m *mockResolver) ResolveInstanceID(_ context.Context, _ string) (string, error) {
	return m.id, m.err
}

// mockStages implements stage.Invoker for testing.
type mockStages struct {
	mu      sync.Mutex
	results map[stage.Name]stage.Result
	errs    map[stage.Name]error
	calls   []stage.Name
	reqs    map[stage.Name]stage.Request
}

func newMockStages() *mockStages {
	return &mockStages{
		results: make(map[stage.Name]stage.Result),
		errs:    make(map[stage.Name]error),
		reqs:    make(map[stage.Name]stage.Request),
	}
}

func (m *mockStages) with(name stage.Name, text string) *mockStages {
	m.results[name] = stage.Result{Text: text}
	return m
}

func (m *mockStages) Invoke(_ context.Context, name stage.Name, req stage.Request) (stage.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	m.reqs[name] = req
	if err := m.errs[name]; err != nil {
		return stage.Result{}, err
	}
	return m.results[name], nil
}

type ticketUpdate struct {
	number, notes, state string
}

type ticketClose struct {
	number, code, notes string
}

// mockTickets implements TicketUpdater for testing.
type mockTickets struct {
	mu       sync.Mutex
	updates  []ticketUpdate
	closes   []ticketClose
	closeErr error
}

func (m *mockTickets) UpdateIncident(_ context.Context, number, notes, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, ticketUpdate{number, notes, state})
	return nil
}

func (m *mockTickets) CloseIncident(_ context.Context, number, code, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, ticketClose{number, code, notes})
	return m.closeErr
}

func (m *mockTickets) notes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.updates))
	for i, u := range m.updates {
		out[i] = u.notes
	}
	return out
}

// mockInstances implements InstanceController for testing. The instance
// reports running from the runningAfter-th poll on; zero means never.
type mockInstances struct {
	started      []string
	startErr     error
	runningAfter int
	polls        int
}

func (m *mockInstances) StartInstance(_ context.Context, instanceID string) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, instanceID)
	return nil
}

func (m *mockInstances) IsRunning(_ context.Context, _ string) (bool, error) {
	m.polls++
	return m.runningAfter > 0 && m.polls >= m.runningAfter, nil
}

// mockPager implements Pager for testing.
type mockPager struct {
	events []escalation.Event
	err    error
}

func (m *mockPager) Page(_ context.Context, ev escalation.Event) error {
	m.events = append(m.events, ev)
	return m.err
}

// failingRepo implements RunRepository and fails every call.
type failingRepo struct{}

func (failingRepo) Create(context.Context, *domain.Incident) error { return errors.New("db down") }
func (failingRepo) Update(context.Context, *domain.Incident) error { return errors.New("db down") }
func (failingRepo) Get(context.Context, string) (*domain.Incident, error) {
	return nil, errors.New("db down")
}
func (failingRepo) ListByIncident(context.Context, string) ([]domain.Incident, error) {
	return nil, errors.New("db down")
}

// fakeClock drives the backoff waiter without real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return true
}

var (
	testRunningPolicy   = backoff.Policy{InitialWait: 5 * time.Second, Multiplier: 2, PerStepCap: 30 * time.Second, TotalBudget: 120 * time.Second}
	testReachablePolicy = backoff.Policy{InitialWait: 10 * time.Second, Multiplier: 1.5, PerStepCap: 30 * time.Second, TotalBudget: 180 * time.Second}
)

// harness wires an Orchestrator over mocks.
type harness struct {
	resolver  *mockResolver
	stages    *mockStages
	tickets   *mockTickets
	instances *mockInstances
	pager     *mockPager
	reachable func(context.Context, *domain.Incident) (bool, error)
	protected []string
	repo      RunRepository
}

func newHarness() *harness {
	return &harness{
		resolver:  &mockResolver{id: testInstanceID},
		stages:    newMockStages(),
		tickets:   &mockTickets{},
		instances: &mockInstances{runningAfter: 2},
		pager:     &mockPager{},
		reachable: func(context.Context, *domain.Incident) (bool, error) { return true, nil },
		repo:      NewMemoryRepository(),
	}
}

func (h *harness) executor() *Executor {
	clock := &fakeClock{now: time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)}
	return NewExecutor(
		escalation.NewGate(authz.NewGate(h.protected)),
		h.instances,
		func(ctx context.Context, inc *domain.Incident) (bool, error) { return h.reachable(ctx, inc) },
		h.tickets,
		h.pager,
		ExecutorConfig{
			Running:   testRunningPolicy,
			Reachable: testReachablePolicy,
			Waiter:    backoff.NewWaiter(backoff.WithClock(clock.Now), backoff.WithSleep(clock.Sleep)),
		},
	)
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(h.resolver, h.stages, h.tickets, h.executor(), h.repo)
}

func testIntake() Intake {
	return Intake{
		IncidentID:  "INC0010001",
		ServerName:  "web-01",
		ServerIP:    "10.0.0.5",
		Description: "SSH Connection Failure: web-01",
	}
}
