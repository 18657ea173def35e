package domain

import "time"

// Severity represents how urgent an issue is.
type Severity string

// Severity levels.
const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityNone     Severity = "none"
)

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	return s == SeverityCritical || s == SeverityWarning || s == SeverityInfo || s == SeverityNone
}

// DefaultSeverity is applied when an issue arrives without a recognized severity.
const DefaultSeverity = SeverityWarning

// Issue describes a detected problem in a monitored workload. It is
// immutable once submitted; everything the workflow learns or does is
// recorded on the RunState, never back onto the issue.
type Issue struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	ServiceName string            `json:"service_name"`
	Namespace   string            `json:"namespace"`
	Labels      map[string]string `json:"labels,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}
