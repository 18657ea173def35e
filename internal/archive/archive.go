// Package archive persists terminal workflow runs.
package archive

import (
	"context"
	"errors"

	"github.com/opsmend/opsmend/internal/domain"
)

// Repository errors.
var (
	ErrRunNotFound = errors.New("run not found")
)

// Repository defines the interface for run storage. Only terminal runs are
// archived; live runs are served from the runner's in-memory registry.
type Repository interface {
	SaveRun(ctx context.Context, run *domain.RunState) error
	GetRun(ctx context.Context, runID string) (*domain.RunState, error)
	ListRuns(ctx context.Context, filters RunFilters) ([]*domain.RunState, error)
}

// RunFilters holds filter options for listing archived runs.
type RunFilters struct {
	Status      *domain.Status
	ServiceName *string
	Limit       int
}
