package engine

import (
	"errors"
	"fmt"

	"github.com/opsmend/opsmend/internal/domain"
)

// ErrAttemptsExhausted marks a run that spent its whole remediation budget.
var ErrAttemptsExhausted = errors.New("remediation attempts exhausted")

// ClassificationError wraps a triage stage failure. It is fatal to the run:
// the engine escalates instead of surfacing it to the caller.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// DiagnosisError wraps a diagnosis stage failure, fatal in the same way as
// ClassificationError. Cluster inspection failures count as diagnosis failures.
type DiagnosisError struct {
	Err error
}

func (e *DiagnosisError) Error() string {
	return fmt.Sprintf("diagnosis failed: %v", e.Err)
}

func (e *DiagnosisError) Unwrap() error {
	return e.Err
}

// RemediationError wraps one failed fix attempt. It consumes an attempt slot;
// the run goes back through diagnosis while attempts remain.
type RemediationError struct {
	Action domain.FixAction
	Err    error
}

func (e *RemediationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *RemediationError) Unwrap() error {
	return e.Err
}
