// Package postgres provides the PostgreSQL implementation of the run archive.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsmend/opsmend/internal/archive"
	"github.com/opsmend/opsmend/internal/domain"
)

// Repository implements archive.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SaveRun stores a terminal run. Saving the same run again replaces the
// previous row, so retried archival stays idempotent.
func (r *Repository) SaveRun(ctx context.Context, run *domain.RunState) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	var issueType *string
	if run.Triage != nil {
		t := string(run.Triage.IssueType)
		issueType = &t
	}

	query := `
		INSERT INTO runs (
			run_id, issue_id, issue_title, service_name, namespace,
			severity, issue_type, status, current_attempt, max_attempts,
			summary, state, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id) DO UPDATE SET
			issue_type = EXCLUDED.issue_type,
			status = EXCLUDED.status,
			current_attempt = EXCLUDED.current_attempt,
			summary = EXCLUDED.summary,
			state = EXCLUDED.state,
			finished_at = EXCLUDED.finished_at
	`
	_, err = r.db.Exec(ctx, query,
		run.RunID,
		run.Issue.ID,
		run.Issue.Title,
		run.Issue.ServiceName,
		run.Issue.Namespace,
		run.Issue.Severity,
		issueType,
		run.Status,
		run.CurrentAttempt,
		run.MaxAttempts,
		run.Summary,
		state,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves an archived run by ID.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.RunState, error) {
	query := `SELECT state FROM runs WHERE run_id = $1`

	var state []byte
	err := r.db.QueryRow(ctx, query, runID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, archive.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run domain.RunState
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	return &run, nil
}

// ListRuns retrieves archived runs with optional filters, newest first.
func (r *Repository) ListRuns(ctx context.Context, filters archive.RunFilters) ([]*domain.RunState, error) {
	query := `SELECT state FROM runs WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filters.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filters.Status)
		argNum++
	}

	if filters.ServiceName != nil {
		query += fmt.Sprintf(" AND service_name = $%d", argNum)
		args = append(args, *filters.ServiceName)
		argNum++
	}

	query += " ORDER BY finished_at DESC, run_id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*domain.RunState{}
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run domain.RunState
		if err := json.Unmarshal(state, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run state: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
