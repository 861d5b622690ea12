// Package postgres provides the PostgreSQL implementation of the run repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/remediation"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements remediation.RunRepository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new run.
func (r *Repository) Create(ctx context.Context, inc *domain.Incident) error {
	query := `
		INSERT INTO remediation_runs
			(run_id, incident_id, instance_id, server_name, server_ip, stage, disposition, failed_stage, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		inc.RunID,
		inc.ID,
		inc.InstanceID,
		inc.ServerName,
		inc.ServerIP,
		inc.Stage,
		nullableDisposition(inc.Disposition),
		inc.FailedStage,
		inc.Reason,
		inc.CreatedAt,
		inc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Update stores the current state of a run. A run with a disposition is never
// overwritten.
func (r *Repository) Update(ctx context.Context, inc *domain.Incident) error {
	query := `
		UPDATE remediation_runs
		SET instance_id = $2, stage = $3, disposition = $4, failed_stage = $5, reason = $6, updated_at = $7
		WHERE run_id = $1 AND disposition IS NULL
	`
	tag, err := r.db.Exec(ctx, query,
		inc.RunID,
		inc.InstanceID,
		inc.Stage,
		nullableDisposition(inc.Disposition),
		inc.FailedStage,
		inc.Reason,
		inc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.Get(ctx, inc.RunID); err != nil {
		return err
	}
	return domain.ErrIncidentFinalized
}

// Get retrieves a run by id.
func (r *Repository) Get(ctx context.Context, runID string) (*domain.Incident, error) {
	query := `
		SELECT run_id, incident_id, instance_id, server_name, server_ip, stage, disposition, failed_stage, reason, created_at, updated_at
		FROM remediation_runs
		WHERE run_id = $1
	`
	var inc domain.Incident
	var disposition *string
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&inc.RunID,
		&inc.ID,
		&inc.InstanceID,
		&inc.ServerName,
		&inc.ServerIP,
		&inc.Stage,
		&disposition,
		&inc.FailedStage,
		&inc.Reason,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, remediation.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if disposition != nil {
		inc.Disposition = domain.Disposition(*disposition)
	}
	return &inc, nil
}

// ListByIncident returns all runs of a ticket, newest first.
func (r *Repository) ListByIncident(ctx context.Context, incidentID string) ([]domain.Incident, error) {
	query := `
		SELECT run_id, incident_id, instance_id, server_name, server_ip, stage, disposition, failed_stage, reason, created_at, updated_at
		FROM remediation_runs
		WHERE incident_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		var disposition *string
		if err := rows.Scan(
			&inc.RunID,
			&inc.ID,
			&inc.InstanceID,
			&inc.ServerName,
			&inc.ServerIP,
			&inc.Stage,
			&disposition,
			&inc.FailedStage,
			&inc.Reason,
			&inc.CreatedAt,
			&inc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if disposition != nil {
			inc.Disposition = domain.Disposition(*disposition)
		}
		runs = append(runs, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func nullableDisposition(d domain.Disposition) *string {
	if d == "" {
		return nil
	}
	s := string(d)
	return &s
}
