package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/archive"
	"github.com/opsmend/opsmend/internal/domain"
	"github.com/opsmend/opsmend/internal/engine"
	"github.com/opsmend/opsmend/internal/pkg/ctxlog"
)

// ErrRunnerStopped is returned by Submit after Stop has been called.
var ErrRunnerStopped = errors.New("runner stopped")

// PhaseInProgress is the registry phase of a run that has not finished yet.
// Finished runs use their terminal status as the phase.
const PhaseInProgress = "in_progress"

const archiveTimeout = 10 * time.Second

// Config sizes the runner.
type Config struct {
	// MaxConcurrentRuns bounds runs executing at once; excess runs queue.
	MaxConcurrentRuns int
	// RetainRuns bounds finished runs kept in memory; the oldest are evicted.
	RetainRuns int
}

// Runner defaults applied when the corresponding Config field is unset.
const (
	DefaultMaxConcurrentRuns = 8
	DefaultRetainRuns        = 256
)

// RunHandle identifies an accepted run before it completes.
type RunHandle struct {
	RunID   string        `json:"run_id"`
	IssueID string        `json:"issue_id"`
	Status  domain.Status `json:"status"`
}

// RunSummary is the registry's view of one run.
type RunSummary struct {
	RunID       string          `json:"run_id"`
	IssueID     string          `json:"issue_id"`
	Title       string          `json:"title"`
	ServiceName string          `json:"service_name"`
	Namespace   string          `json:"namespace"`
	Severity    domain.Severity `json:"severity"`
	Phase       string          `json:"phase"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// RunDetail is a summary plus, once the run has finished, its full state.
type RunDetail struct {
	RunSummary
	State *domain.RunState `json:"state,omitempty"`
}

type runEntry struct {
	seq     uint64
	summary RunSummary
	state   *domain.RunState
}

// Runner owns the lifecycle of workflow runs. It accepts issues, drives each
// one through the engine on its own goroutine, and keeps a bounded in-memory
// registry of runs for the query API. Finished runs are also handed to the
// archiver when one is configured.
type Runner struct {
	engine   *engine.Engine
	archiver archive.Repository
	retain   int
	sem      chan struct{}
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	nextSeq uint64
	entries map[string]*runEntry
	// terminal holds finished run IDs in completion order for eviction.
	terminal []string
}

// Option configures optional runner behavior.
type Option func(*Runner)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a runner around the engine. The archiver may be nil when
// archiving is disabled; finished runs then live only in the registry.
func NewRunner(eng *engine.Engine, archiver archive.Repository, cfg Config, opts ...Option) *Runner {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.RetainRuns <= 0 {
		cfg.RetainRuns = DefaultRetainRuns
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Runner{
		engine:   eng,
		archiver: archiver,
		retain:   cfg.RetainRuns,
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		entries:  map[string]*runEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit accepts an issue and starts a run for it without waiting for the
// run to make progress. Runs are independent; there is no ordering between
// them.
func (r *Runner) Submit(issue domain.Issue) (RunHandle, error) {
	if issue.Severity == "" {
		issue.Severity = domain.DefaultSeverity
	}
	if issue.DetectedAt.IsZero() {
		issue.DetectedAt = r.now().UTC()
	}

	runID := uuid.NewString()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return RunHandle{}, ErrRunnerStopped
	}
	r.nextSeq++
	r.entries[runID] = &runEntry{
		seq: r.nextSeq,
		summary: RunSummary{
			RunID:       runID,
			IssueID:     issue.ID,
			Title:       issue.Title,
			ServiceName: issue.ServiceName,
			Namespace:   issue.Namespace,
			Severity:    issue.Severity,
			Phase:       PhaseInProgress,
			StartedAt:   r.now().UTC(),
		},
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(runID, issue)

	return RunHandle{RunID: runID, IssueID: issue.ID, Status: domain.StatusDetected}, nil
}

func (r *Runner) execute(runID string, issue domain.Issue) {
	defer r.wg.Done()
	runsInFlight.Inc()
	defer runsInFlight.Dec()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.baseCtx.Done():
		// Run anyway: the engine turns the cancellation into an escalated
		// run instead of silently dropping the queued issue.
	}

	state := r.engine.RunWithID(r.baseCtx, runID, issue)
	r.complete(state)
}

// complete archives a finished run and updates its registry entry.
func (r *Runner) complete(state *domain.RunState) {
	if r.archiver != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), archiveTimeout)
		if err := r.archiver.SaveRun(ctx, state); err != nil {
			ctxlog.FromContext(ctx).Error("archive run", "run_id", state.RunID, "error", err)
		}
		cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[state.RunID]
	if !ok {
		return
	}
	entry.state = state
	entry.summary = summarize(state)

	r.terminal = append(r.terminal, state.RunID)
	for len(r.terminal) > r.retain {
		delete(r.entries, r.terminal[0])
		r.terminal = r.terminal[1:]
	}
}

// ListQuery filters run listings. Zero values match everything; Limit 0
// means no limit.
type ListQuery struct {
	Phase   string
	Service string
	Limit   int
}

// ListRuns returns registry summaries, newest first.
func (r *Runner) ListRuns(q ListQuery) []RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*runEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if q.Phase != "" && entry.summary.Phase != q.Phase {
			continue
		}
		if q.Service != "" && entry.summary.ServiceName != q.Service {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq > matched[j].seq
	})

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]RunSummary, 0, len(matched))
	for _, entry := range matched {
		out = append(out, entry.summary)
	}
	return out
}

// ListArchivedRuns returns summaries of archived runs, newest first. Without
// an archiver the history is simply empty.
func (r *Runner) ListArchivedRuns(ctx context.Context, q ListQuery) ([]RunSummary, error) {
	if r.archiver == nil {
		return []RunSummary{}, nil
	}

	filters := archive.RunFilters{Limit: q.Limit}
	if q.Phase != "" {
		status := domain.Status(q.Phase)
		filters.Status = &status
	}
	if q.Service != "" {
		filters.ServiceName = &q.Service
	}

	states, err := r.archiver.ListRuns(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list archived runs: %w", err)
	}
	out := make([]RunSummary, 0, len(states))
	for _, state := range states {
		out = append(out, summarize(state))
	}
	return out, nil
}

// GetRun returns one run, falling back to the archive for runs evicted from
// the registry. Returns archive.ErrRunNotFound for unknown IDs.
func (r *Runner) GetRun(ctx context.Context, runID string) (RunDetail, error) {
	r.mu.Lock()
	if entry, ok := r.entries[runID]; ok {
		detail := RunDetail{RunSummary: entry.summary, State: entry.state}
		r.mu.Unlock()
		return detail, nil
	}
	r.mu.Unlock()

	if r.archiver == nil {
		return RunDetail{}, archive.ErrRunNotFound
	}
	state, err := r.archiver.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{RunSummary: summarize(state), State: state}, nil
}

// Stop rejects further submissions, cancels in-flight runs and waits for
// them to finish or for ctx to expire. Cancelled runs take the engine's
// cancellation path, so they still end escalated and archived.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel(ErrRunnerStopped)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop runner: %w", ctx.Err())
	}
}

func summarize(state *domain.RunState) RunSummary {
	finished := state.FinishedAt
	return RunSummary{
		RunID:       state.RunID,
		IssueID:     state.Issue.ID,
		Title:       state.Issue.Title,
		ServiceName: state.Issue.ServiceName,
		Namespace:   state.Issue.Namespace,
		Severity:    state.Issue.Severity,
		Phase:       string(state.Status),
		Attempts:    state.CurrentAttempt,
		StartedAt:   state.StartedAt,
		FinishedAt:  &finished,
	}
}
