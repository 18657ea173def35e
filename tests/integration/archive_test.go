//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmend/opsmend/internal/domain"
)

func TestResolvedRunIsArchived(t *testing.T) {
	client := newTestClient(t)
	llmStub.reset()
	seedDeployment(t, "prod", "shipping-archive", "shipping:v2", "shipping:v1")

	handle := submitIssue(t, client, issuePayload("shipping-archive", "prod", "shipping pods crash looping"))
	waitForTerminalRun(t, client, handle.RunID)

	var (
		issueID        string
		issueTitle     string
		serviceName    string
		namespace      string
		severity       string
		issueType      *string
		status         string
		currentAttempt int
		maxAttempts    int
		summary        string
		startedAt      time.Time
		finishedAt     time.Time
	)
	err := testDB.QueryRow(context.Background(), `
		SELECT issue_id, issue_title, service_name, namespace, severity,
		       issue_type, status, current_attempt, max_attempts, summary,
		       started_at, finished_at
		FROM runs WHERE run_id = $1`, handle.RunID).
		Scan(&issueID, &issueTitle, &serviceName, &namespace, &severity,
			&issueType, &status, &currentAttempt, &maxAttempts, &summary,
			&startedAt, &finishedAt)
	require.NoError(t, err)

	assert.Equal(t, handle.IssueID, issueID)
	assert.Equal(t, "shipping pods crash looping", issueTitle)
	assert.Equal(t, "shipping-archive", serviceName)
	assert.Equal(t, "prod", namespace)
	assert.Equal(t, "critical", severity)
	require.NotNil(t, issueType)
	assert.Equal(t, "pod_crash", *issueType)
	assert.Equal(t, "resolved", status)
	assert.Equal(t, 1, currentAttempt)
	assert.Equal(t, 2, maxAttempts)
	assert.Contains(t, summary, "auto-resolved via restart")
	assert.False(t, startedAt.IsZero())
	assert.False(t, finishedAt.Before(startedAt))
}

func TestEscalatedRunIsArchived(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(
		`{"issue_type": "unknown", "severity": "warning", "confidence": 0.3, "reasoning": "unclear"}`,
		`{"root_cause": "unknown", "fix_action": "escalate", "fixable": false, "confidence": 0.3, "reasoning": "needs a human"}`,
	)
	seedDeployment(t, "prod", "auth-archive", "auth:v2", "auth:v1")

	handle := submitIssue(t, client, issuePayload("auth-archive", "prod", "auth behaving oddly"))
	waitForTerminalRun(t, client, handle.RunID)

	var status string
	var state []byte
	err := testDB.QueryRow(context.Background(),
		`SELECT status, state FROM runs WHERE run_id = $1`, handle.RunID).
		Scan(&status, &state)
	require.NoError(t, err)
	assert.Equal(t, "escalated", status)

	// The JSONB column carries the whole run, audit log included.
	var run domain.RunState
	require.NoError(t, json.Unmarshal(state, &run))
	assert.Equal(t, handle.RunID, run.RunID)
	assert.Equal(t, domain.StatusEscalated, run.Status)
	assert.Equal(t, "diagnosis recommended escalation", run.EscalationReason)
	require.NotNil(t, run.Triage)
	assert.NotEmpty(t, run.Log)
	assert.Contains(t, run.Summary, "ESCALATION REQUIRED")
}

func TestArchivedHistoryEndpoint(t *testing.T) {
	client := newTestClient(t)
	llmStub.reset()
	seedDeployment(t, "prod", "metrics-history", "metrics:v2", "metrics:v1")

	first := submitIssue(t, client, issuePayload("metrics-history", "prod", "metrics issue one"))
	waitForTerminalRun(t, client, first.RunID)
	second := submitIssue(t, client, issuePayload("metrics-history", "prod", "metrics issue two"))
	waitForTerminalRun(t, client, second.RunID)

	// The archive keeps the whole history; service filter and limit apply.
	history := listRuns(t, client, "?source=archive&service=metrics-history")
	require.Len(t, history, 2)
	assert.Equal(t, second.RunID, history[0].RunID)
	assert.Equal(t, first.RunID, history[1].RunID)

	limited := listRuns(t, client, "?source=archive&service=metrics-history&limit=1")
	require.Len(t, limited, 1)
	assert.Equal(t, second.RunID, limited[0].RunID)

	escalated := listRuns(t, client, "?source=archive&service=metrics-history&status=escalated")
	assert.Empty(t, escalated)
}
