package reasoner

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/opsmend/opsmend/internal/domain"
)

var validate = validator.New()

type triagePayload struct {
	IssueType  string   `json:"issue_type" validate:"required,oneof=high_cpu high_memory high_error_rate pod_crash unknown"`
	Severity   string   `json:"severity" validate:"required,oneof=critical warning info none"`
	Confidence *float64 `json:"confidence" validate:"required"`
	Reasoning  string   `json:"reasoning"`
}

type diagnosticPayload struct {
	RootCause  string   `json:"root_cause" validate:"required"`
	FixAction  string   `json:"fix_action" validate:"required,oneof=restart rollback scale escalate"`
	Fixable    *bool    `json:"fixable" validate:"required"`
	Confidence *float64 `json:"confidence" validate:"required"`
	Reasoning  string   `json:"reasoning"`
}

// DecodeTriage parses a model response into a TriageJudgment. Responses that
// are not valid JSON or miss the schema are rejected.
func DecodeTriage(content string) (*domain.TriageJudgment, error) {
	var payload triagePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parse triage response: %w", err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("triage response schema: %w", err)
	}
	return &domain.TriageJudgment{
		IssueType:  domain.IssueType(payload.IssueType),
		Severity:   domain.Severity(payload.Severity),
		Confidence: clampConfidence(*payload.Confidence),
		Reasoning:  payload.Reasoning,
	}, nil
}

// DecodeDiagnostic parses a model response into a DiagnosticJudgment under
// the same fail-closed rules as DecodeTriage.
func DecodeDiagnostic(content string) (*domain.DiagnosticJudgment, error) {
	var payload diagnosticPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parse diagnostic response: %w", err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("diagnostic response schema: %w", err)
	}
	return &domain.DiagnosticJudgment{
		RootCause:  payload.RootCause,
		FixAction:  domain.FixAction(payload.FixAction),
		Fixable:    *payload.Fixable,
		Confidence: clampConfidence(*payload.Confidence),
		Reasoning:  payload.Reasoning,
	}, nil
}

// clampConfidence bounds a reported confidence to [0, 1].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
