package domain

import "time"

// Status represents where a workflow run is in its lifecycle.
type Status string

// Run statuses.
const (
	StatusDetected   Status = "detected"
	StatusTriaging   Status = "triaging"
	StatusDiagnosing Status = "diagnosing"
	StatusFixing     Status = "fixing"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDetected, StatusTriaging, StatusDiagnosing, StatusFixing, StatusResolved, StatusEscalated:
		return true
	}
	return false
}

// IsTerminal checks if the status ends a run. Terminal statuses are never exited.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

// rank orders statuses for transition checks: detected precedes the active
// statuses, which precede the terminal ones. Active statuses are unordered
// among themselves so a failed fix can return to diagnosing.
func (s Status) rank() int {
	switch s {
	case StatusDetected:
		return 0
	case StatusTriaging, StatusDiagnosing, StatusFixing:
		return 1
	case StatusResolved, StatusEscalated:
		return 2
	}
	return -1
}

// CanTransition checks if moving from s to next respects the status order.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// LogRole tags an audit log entry with the stage that produced it.
type LogRole string

// Log roles.
const (
	LogRoleTriage     LogRole = "triage"
	LogRoleDiagnosis  LogRole = "diagnosis"
	LogRoleFix        LogRole = "fix"
	LogRoleEscalation LogRole = "escalation"
	LogRoleSystem     LogRole = "system"
)

// LogEntry is one line of a run's audit trail.
type LogEntry struct {
	Role    LogRole   `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// FixAttempt records one remediation attempt, successful or not.
type FixAttempt struct {
	Attempt    int       `json:"attempt"`
	Action     FixAction `json:"action"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail"`
	ExecutedAt time.Time `json:"executed_at"`
}

// DefaultMaxAttempts bounds remediation attempts per run unless configured otherwise.
const DefaultMaxAttempts = 3

// RunState is the complete state of one workflow run. The engine is the only
// writer; FixAttempts and Log are append-only, Triage is set once and never
// cleared, and Diagnosis always holds the latest judgment only.
// EscalationReason is set before a run enters the escalation stage so the
// summary can be rendered from the state alone; it stays empty on resolved runs.
type RunState struct {
	RunID            string              `json:"run_id"`
	Issue            Issue               `json:"issue"`
	Triage           *TriageJudgment     `json:"triage,omitempty"`
	Diagnosis        *DiagnosticJudgment `json:"diagnosis,omitempty"`
	FixAttempts      []FixAttempt        `json:"fix_attempts"`
	CurrentAttempt   int                 `json:"current_attempt"`
	MaxAttempts      int                 `json:"max_attempts"`
	Status           Status              `json:"status"`
	EscalationReason string              `json:"escalation_reason,omitempty"`
	Summary          string              `json:"summary"`
	Log              []LogEntry          `json:"log"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at,omitempty"`
}

// NewRunState creates a run in the detected state for the given issue.
func NewRunState(runID string, issue Issue, maxAttempts int, now time.Time) *RunState {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RunState{
		RunID:       runID,
		Issue:       issue,
		FixAttempts: make([]FixAttempt, 0, maxAttempts),
		MaxAttempts: maxAttempts,
		Status:      StatusDetected,
		Log:         []LogEntry{},
		StartedAt:   now,
	}
}

// AppendLog adds an audit trail entry.
func (r *RunState) AppendLog(role LogRole, content string, at time.Time) {
	r.Log = append(r.Log, LogEntry{Role: role, Content: content, At: at})
}

// RecordAttempt appends a remediation attempt and advances the attempt
// counter, keeping CurrentAttempt equal to len(FixAttempts).
func (r *RunState) RecordAttempt(a FixAttempt) {
	r.FixAttempts = append(r.FixAttempts, a)
	r.CurrentAttempt = len(r.FixAttempts)
}

// AttemptsExhausted checks if the run has used all remediation attempts.
func (r *RunState) AttemptsExhausted() bool {
	return r.CurrentAttempt >= r.MaxAttempts
}
