package remediation

import (
	"context"
	"sort"
	"sync"

	"github.com/bissquit/incident-remediator/internal/domain"
)

// RunRepository records pipeline runs.
type RunRepository interface {
	Create(ctx context.Context, inc *domain.Incident) error
	Update(ctx context.Context, inc *domain.Incident) error
	Get(ctx context.Context, runID string) (*domain.Incident, error)
	ListByIncident(ctx context.Context, incidentID string) ([]domain.Incident, error)
}

// MemoryRepository keeps runs in process memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	runs map[string]domain.Incident
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{runs: make(map[string]domain.Incident)}
}

// Create implements RunRepository.
func (r *MemoryRepository) Create(_ context.Context, inc *domain.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[inc.RunID] = *inc
	return nil
}

// Update implements RunRepository. A run that already has a disposition is
// never overwritten.
func (r *MemoryRepository) Update(_ context.Context, inc *domain.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.runs[inc.RunID]
	if !ok {
		return ErrRunNotFound
	}
	if stored.IsFinal() {
		return domain.ErrIncidentFinalized
	}
	r.runs[inc.RunID] = *inc
	return nil
}

// Get implements RunRepository.
func (r *MemoryRepository) Get(_ context.Context, runID string) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &inc, nil
}

// ListByIncident implements RunRepository.
func (r *MemoryRepository) ListByIncident(_ context.Context, incidentID string) ([]domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []domain.Incident
	for _, inc := range r.runs {
		if inc.ID == incidentID {
			runs = append(runs, inc)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}
