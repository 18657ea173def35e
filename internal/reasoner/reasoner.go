// Package reasoner defines the judgment surface the workflow engine calls
// during triage and diagnosis, plus the strict response decoding shared by
// implementations. Adapters live in subpackages.
package reasoner

import (
	"context"

	"github.com/opsmend/opsmend/internal/cluster"
	"github.com/opsmend/opsmend/internal/domain"
)

// Reasoner produces structured judgments about issues. Implementations must
// fail closed: a response that does not match the judgment schema is an
// error, never a zero-value judgment.
type Reasoner interface {
	// Classify determines what kind of issue this is.
	Classify(ctx context.Context, issue domain.Issue) (*domain.TriageJudgment, error)

	// Diagnose determines the root cause and the remediation to try, given
	// the triage judgment and a snapshot of current cluster state.
	Diagnose(ctx context.Context, issue domain.Issue, triage domain.TriageJudgment, snap *cluster.Snapshot) (*domain.DiagnosticJudgment, error)
}
