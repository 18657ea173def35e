package domain

// IssueType classifies what kind of problem an issue is.
type IssueType string

// Issue types.
const (
	IssueTypeHighCPU       IssueType = "high_cpu"
	IssueTypeHighMemory    IssueType = "high_memory"
	IssueTypeHighErrorRate IssueType = "high_error_rate"
	IssueTypePodCrash      IssueType = "pod_crash"
	IssueTypeUnknown       IssueType = "unknown"
)

// IsValid checks if the issue type is valid.
func (t IssueType) IsValid() bool {
	switch t {
	case IssueTypeHighCPU, IssueTypeHighMemory, IssueTypeHighErrorRate, IssueTypePodCrash, IssueTypeUnknown:
		return true
	}
	return false
}

// FixAction represents a remediation the workflow can dispatch.
type FixAction string

// Fix actions.
const (
	FixActionRestart  FixAction = "restart"
	FixActionRollback FixAction = "rollback"
	FixActionScale    FixAction = "scale"
	FixActionEscalate FixAction = "escalate"
)

// IsValid checks if the fix action is valid.
func (a FixAction) IsValid() bool {
	switch a {
	case FixActionRestart, FixActionRollback, FixActionScale, FixActionEscalate:
		return true
	}
	return false
}

// TriageJudgment is the outcome of the triage stage: what kind of issue
// this is and how confident the classifier is about it.
type TriageJudgment struct {
	IssueType  IssueType `json:"issue_type"`
	Severity   Severity  `json:"severity"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
}

// DiagnosticJudgment is the outcome of the diagnosis stage: the suspected
// root cause and the remediation to try, if any. Only the latest diagnosis
// is kept on a run; re-diagnosis after a failed fix replaces it.
type DiagnosticJudgment struct {
	RootCause  string    `json:"root_cause"`
	FixAction  FixAction `json:"fix_action"`
	Fixable    bool      `json:"fixable"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
}
