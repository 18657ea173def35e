// Package engine drives an issue through the resolution workflow: triage,
// diagnosis, fix attempts and finally resolution or escalation. A run always
// ends in a terminal state; stage failures are folded into the run itself
// instead of being returned to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/cluster"
	"github.com/opsmend/opsmend/internal/domain"
	"github.com/opsmend/opsmend/internal/notify"
	"github.com/opsmend/opsmend/internal/pkg/ctxlog"
	"github.com/opsmend/opsmend/internal/reasoner"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultStageTimeout = 60 * time.Second
	DefaultScaleTarget  = 3
)

const notifyTimeout = 15 * time.Second

// stage identifies the next step of the workflow loop.
type stage string

const (
	stageTriage   stage = "triage"
	stageDiagnose stage = "diagnose"
	stageFix      stage = "fix"
	stageEscalate stage = "escalate"
	stageComplete stage = "complete"
)

// Config controls workflow limits.
type Config struct {
	// MaxAttempts bounds remediation attempts per run.
	MaxAttempts int
	// StageTimeout bounds each triage, diagnosis and fix stage.
	StageTimeout time.Duration
	// ScaleTarget is the replica count the scale action sets.
	ScaleTarget int32
}

// Engine runs the resolution workflow against injected collaborators.
type Engine struct {
	reasoner  reasoner.Reasoner
	inspector cluster.Inspector
	executor  cluster.Executor
	notifier  notify.Notifier
	renderer  *Renderer
	cfg       Config
	now       func() time.Time
}

// Option configures optional engine behavior.
type Option func(*Engine)

// WithClock overrides the engine's time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. Zero Config fields fall back to defaults and a nil
// notifier falls back to the no-op sink.
func New(rsn reasoner.Reasoner, insp cluster.Inspector, exec cluster.Executor, n notify.Notifier, cfg Config, opts ...Option) (*Engine, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultMaxAttempts
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.ScaleTarget <= 0 {
		cfg.ScaleTarget = DefaultScaleTarget
	}
	if n == nil {
		n = notify.Noop{}
	}

	e := &Engine{
		reasoner:  rsn,
		inspector: insp,
		executor:  exec,
		notifier:  n,
		renderer:  renderer,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run drives one issue to a terminal state and returns the final run. It never
// returns an error: classification and diagnosis failures, exhausted attempts
// and cancellation all end in an escalated run with the cause recorded on it.
func (e *Engine) Run(ctx context.Context, issue domain.Issue) *domain.RunState {
	return e.RunWithID(ctx, uuid.NewString(), issue)
}

// RunWithID is Run with a caller-chosen run ID, for callers that must hand the
// ID out before the run completes.
func (e *Engine) RunWithID(ctx context.Context, runID string, issue domain.Issue) *domain.RunState {
	if issue.Severity == "" {
		issue.Severity = domain.DefaultSeverity
	}

	run := domain.NewRunState(runID, issue, e.cfg.MaxAttempts, e.now().UTC())
	logger := ctxlog.FromContext(ctx).With("run_id", run.RunID, "issue_id", issue.ID)

	logger.Info("run started",
		"issue", issue.Title,
		"service", issue.ServiceName,
		"namespace", issue.Namespace,
		"severity", issue.Severity)
	run.AppendLog(domain.LogRoleSystem, fmt.Sprintf("run started for issue %q", issue.Title), e.now().UTC())

	next := stageTriage
	for next != stageComplete {
		if next != stageEscalate && ctx.Err() != nil {
			next = e.cancelRun(run, logger, context.Cause(ctx))
			continue
		}

		current := next
		start := e.now()
		switch current {
		case stageTriage:
			next = e.runTriage(ctx, logger, run)
		case stageDiagnose:
			next = e.runDiagnosis(ctx, logger, run)
		case stageFix:
			next = e.runFix(ctx, logger, run)
		case stageEscalate:
			next = e.runEscalation(ctx, logger, run)
		}
		recordStageDuration(current, e.now().Sub(start))
	}

	run.FinishedAt = e.now().UTC()
	recordRunCompleted(run.Status)
	logger.Info("run finished",
		"status", run.Status,
		"attempts", run.CurrentAttempt,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	return run
}

// transition moves the run to the next status if the status order allows it.
func (e *Engine) transition(run *domain.RunState, logger *slog.Logger, next domain.Status) {
	if !run.Status.CanTransition(next) {
		logger.Error("illegal status transition", "from", run.Status, "to", next)
		return
	}
	run.Status = next
}

// cancelRun routes a cancelled run into escalation.
func (e *Engine) cancelRun(run *domain.RunState, logger *slog.Logger, cause error) stage {
	run.EscalationReason = fmt.Sprintf("run cancelled: %v", cause)
	run.AppendLog(domain.LogRoleSystem, run.EscalationReason, e.now().UTC())
	logger.Warn("run cancelled", "cause", cause)
	return stageEscalate
}

func (e *Engine) runTriage(ctx context.Context, logger *slog.Logger, run *domain.RunState) stage {
	e.transition(run, logger, domain.StatusTriaging)

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	judgment, err := e.reasoner.Classify(stageCtx, run.Issue)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return e.cancelRun(run, logger, context.Cause(ctx))
		}
		cerr := &ClassificationError{Err: err}
		logger.Error("triage failed", "error", err)
		run.AppendLog(domain.LogRoleTriage, cerr.Error(), e.now().UTC())
		run.EscalationReason = cerr.Error()
		return stageEscalate
	}

	run.Triage = judgment
	run.AppendLog(domain.LogRoleTriage,
		fmt.Sprintf("classified as %s severity=%s confidence=%.2f: %s",
			judgment.IssueType, judgment.Severity, judgment.Confidence, judgment.Reasoning),
		e.now().UTC())
	logger.Info("triage complete",
		"issue_type", judgment.IssueType,
		"severity", judgment.Severity,
		"confidence", judgment.Confidence)
	return stageDiagnose
}

func (e *Engine) runDiagnosis(ctx context.Context, logger *slog.Logger, run *domain.RunState) stage {
	e.transition(run, logger, domain.StatusDiagnosing)
	// A fresh diagnosis invalidates any previous fix plan.
	run.Diagnosis = nil

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	snap, err := e.inspector.Snapshot(stageCtx, run.Issue.Namespace, run.Issue.ServiceName)
	if err != nil {
		return e.failDiagnosis(ctx, logger, run, fmt.Errorf("inspect cluster: %w", err))
	}
	run.AppendLog(domain.LogRoleSystem,
		fmt.Sprintf("cluster snapshot: %d pods, %d events", len(snap.Pods), len(snap.Events)),
		e.now().UTC())

	judgment, err := e.reasoner.Diagnose(stageCtx, run.Issue, *run.Triage, snap)
	if err != nil {
		return e.failDiagnosis(ctx, logger, run, err)
	}

	run.Diagnosis = judgment
	run.AppendLog(domain.LogRoleDiagnosis,
		fmt.Sprintf("root cause: %s; action=%s fixable=%t confidence=%.2f",
			judgment.RootCause, judgment.FixAction, judgment.Fixable, judgment.Confidence),
		e.now().UTC())
	logger.Info("diagnosis complete",
		"root_cause", judgment.RootCause,
		"action", judgment.FixAction,
		"fixable", judgment.Fixable)

	if !judgment.Fixable || judgment.FixAction == domain.FixActionEscalate {
		run.EscalationReason = "diagnosis recommended escalation"
		return stageEscalate
	}
	return stageFix
}

func (e *Engine) failDiagnosis(ctx context.Context, logger *slog.Logger, run *domain.RunState, err error) stage {
	if ctx.Err() != nil {
		return e.cancelRun(run, logger, context.Cause(ctx))
	}
	derr := &DiagnosisError{Err: err}
	logger.Error("diagnosis failed", "error", err)
	run.AppendLog(domain.LogRoleDiagnosis, derr.Error(), e.now().UTC())
	run.EscalationReason = derr.Error()
	return stageEscalate
}

func (e *Engine) runFix(ctx context.Context, logger *slog.Logger, run *domain.RunState) stage {
	e.transition(run, logger, domain.StatusFixing)

	action := run.Diagnosis.FixAction
	attempt := run.CurrentAttempt + 1
	logger.Info("fix started", "action", action, "attempt", attempt, "max_attempts", run.MaxAttempts)

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	detail, err := e.dispatch(stageCtx, action, run.Issue)
	timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		rerr := &RemediationError{Action: action, Err: err}
		run.RecordAttempt(domain.FixAttempt{
			Attempt:    attempt,
			Action:     action,
			Success:    false,
			Detail:     rerr.Error(),
			ExecutedAt: e.now().UTC(),
		})
		run.AppendLog(domain.LogRoleFix,
			fmt.Sprintf("attempt %d/%d failed: %v", attempt, run.MaxAttempts, rerr),
			e.now().UTC())
		recordFixAttempt(action, false)
		logger.Warn("fix attempt failed", "action", action, "attempt", attempt, "error", err)

		switch {
		case ctx.Err() != nil:
			return e.cancelRun(run, logger, context.Cause(ctx))
		case timedOut:
			run.EscalationReason = fmt.Sprintf("%s timed out after %s", action, e.cfg.StageTimeout)
			return stageEscalate
		case run.AttemptsExhausted():
			run.EscalationReason = ErrAttemptsExhausted.Error()
			return stageEscalate
		default:
			return stageDiagnose
		}
	}

	run.RecordAttempt(domain.FixAttempt{
		Attempt:    attempt,
		Action:     action,
		Success:    true,
		Detail:     detail,
		ExecutedAt: e.now().UTC(),
	})
	run.AppendLog(domain.LogRoleFix,
		fmt.Sprintf("attempt %d/%d succeeded: %s", attempt, run.MaxAttempts, detail),
		e.now().UTC())
	recordFixAttempt(action, true)

	run.Summary = renderResolution(run.FixAttempts[len(run.FixAttempts)-1])
	e.transition(run, logger, domain.StatusResolved)
	logger.Info("run resolved", "action", action, "attempt", attempt)
	e.notifyOutcome(ctx, logger, run, "Resolved: "+run.Issue.Title)
	return stageComplete
}

func (e *Engine) runEscalation(ctx context.Context, logger *slog.Logger, run *domain.RunState) stage {
	e.transition(run, logger, domain.StatusEscalated)

	summary, err := e.renderer.RenderEscalation(run)
	if err != nil {
		logger.Error("render escalation report", "error", err)
		summary = fmt.Sprintf("escalation required for %q: %s", run.Issue.Title, run.EscalationReason)
	}
	run.Summary = summary
	run.AppendLog(domain.LogRoleEscalation, summary, e.now().UTC())
	logger.Warn("run escalated", "reason", run.EscalationReason, "attempts", run.CurrentAttempt)
	e.notifyOutcome(ctx, logger, run, "Escalation required: "+run.Issue.Title)
	return stageComplete
}

// dispatch executes the chosen action against the cluster. The deployment name
// is taken from the issue's service name.
func (e *Engine) dispatch(ctx context.Context, action domain.FixAction, issue domain.Issue) (string, error) {
	switch action {
	case domain.FixActionRestart:
		return e.executor.Restart(ctx, issue.Namespace, issue.ServiceName)
	case domain.FixActionRollback:
		return e.executor.Rollback(ctx, issue.Namespace, issue.ServiceName)
	case domain.FixActionScale:
		return e.executor.Scale(ctx, issue.Namespace, issue.ServiceName, e.cfg.ScaleTarget)
	default:
		return "", fmt.Errorf("unrecognized action %q", string(action))
	}
}

// notifyOutcome sends the terminal summary to the notification sink. Failures
// are logged and recorded on the run but never change its outcome. The send
// survives run cancellation so cancelled runs still escalate loudly.
func (e *Engine) notifyOutcome(ctx context.Context, logger *slog.Logger, run *domain.RunState, subject string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := e.notifier.Notify(nctx, subject, run.Summary); err != nil {
		logger.Warn("notification failed", "error", err)
		run.AppendLog(domain.LogRoleSystem, fmt.Sprintf("notification failed: %v", err), e.now().UTC())
	}
}
