package engine

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/opsmend/opsmend/internal/domain"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Renderer renders terminal run summaries from templates.
type Renderer struct {
	escalation *template.Template
}

// NewRenderer creates a renderer and parses the summary templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title": titleCase,
	}

	content, err := templatesFS.ReadFile("templates/escalation.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read template escalation.tmpl: %w", err)
	}

	tmpl, err := template.New("escalation").Funcs(funcMap).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template escalation: %w", err)
	}

	return &Renderer{escalation: tmpl}, nil
}

// escalationData is the template payload for an escalation report. Every field
// is resolved from the run state up front so rendering the same state twice
// produces byte-identical output.
type escalationData struct {
	Issue     domain.Issue
	Severity  string
	IssueType string
	RootCause string
	Reason    string
	Attempts  []domain.FixAttempt
}

// RenderEscalation renders the human-facing escalation report for a run.
func (r *Renderer) RenderEscalation(run *domain.RunState) (string, error) {
	data := escalationData{
		Issue:     run.Issue,
		Severity:  "unknown",
		IssueType: "Unknown",
		RootCause: "Unable to determine",
		Reason:    run.EscalationReason,
		Attempts:  run.FixAttempts,
	}
	if run.Triage != nil {
		data.Severity = string(run.Triage.Severity)
		data.IssueType = string(run.Triage.IssueType)
	}
	if run.Diagnosis != nil && run.Diagnosis.RootCause != "" {
		data.RootCause = run.Diagnosis.RootCause
	}
	if data.Reason == "" {
		data.Reason = "manual intervention required"
	}

	var buf bytes.Buffer
	if err := r.escalation.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template escalation: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// renderResolution builds the one-line summary for an auto-resolved run.
func renderResolution(a domain.FixAttempt) string {
	return fmt.Sprintf("auto-resolved via %s (attempt %d): %s", a.Action, a.Attempt, a.Detail)
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}
