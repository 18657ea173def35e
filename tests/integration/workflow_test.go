//go:build integration

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"

	"github.com/opsmend/opsmend/internal/domain"
)

func TestRunResolvesWithRestart(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(
		`{"issue_type": "pod_crash", "severity": "critical", "confidence": 0.92, "reasoning": "crash loop"}`,
		`{"root_cause": "wedged process", "fix_action": "restart", "fixable": true, "confidence": 0.85, "reasoning": "restart clears it"}`,
	)
	testNotifier.Reset()
	seedDeployment(t, "prod", "checkout-restart", "checkout:v2", "checkout:v1")

	handle := submitIssue(t, client, issuePayload("checkout-restart", "prod", "checkout pods crash looping"))
	assert.Equal(t, domain.StatusDetected, handle.Status)

	detail := waitForTerminalRun(t, client, handle.RunID)
	assert.Equal(t, string(domain.StatusResolved), detail.Phase)
	assert.Equal(t, 1, detail.Attempts)

	require.NotNil(t, detail.State)
	state := detail.State
	assert.Equal(t, domain.StatusResolved, state.Status)
	require.NotNil(t, state.Triage)
	assert.Equal(t, domain.IssueTypePodCrash, state.Triage.IssueType)
	require.NotNil(t, state.Diagnosis)
	assert.Equal(t, domain.FixActionRestart, state.Diagnosis.FixAction)
	require.Len(t, state.FixAttempts, 1)
	assert.True(t, state.FixAttempts[0].Success)
	assert.Contains(t, state.FixAttempts[0].Detail, "rollout restart initiated")
	assert.Contains(t, state.Summary, "auto-resolved via restart")

	// The restart must have actually stamped the deployment.
	deploy := getDeployment(t, "prod", "checkout-restart")
	assert.NotEmpty(t, deploy.Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"])

	sent := testNotifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Resolved: checkout pods crash looping", sent[0].Subject)
	assert.Contains(t, sent[0].Text, "auto-resolved via restart")
}

func TestRunResolvesWithRollback(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(
		`{"issue_type": "high_error_rate", "severity": "critical", "confidence": 0.9, "reasoning": "5xx spike"}`,
		`{"root_cause": "bad deploy", "fix_action": "rollback", "fixable": true, "confidence": 0.88, "reasoning": "errors started with the rollout"}`,
	)
	seedDeployment(t, "prod", "orders-rollback", "orders:v2", "orders:v1")

	handle := submitIssue(t, client, issuePayload("orders-rollback", "prod", "orders error rate above 5%"))
	detail := waitForTerminalRun(t, client, handle.RunID)

	assert.Equal(t, string(domain.StatusResolved), detail.Phase)
	require.NotNil(t, detail.State)
	require.Len(t, detail.State.FixAttempts, 1)
	assert.Contains(t, detail.State.FixAttempts[0].Detail, "rolled back deployment prod/orders-rollback to revision 1")

	// The pod template must be back on the previous revision's image.
	deploy := getDeployment(t, "prod", "orders-rollback")
	require.Len(t, deploy.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "orders:v1", deploy.Spec.Template.Spec.Containers[0].Image)
	assert.NotContains(t, deploy.Spec.Template.Labels, appsv1.DefaultDeploymentUniqueLabelKey)
}

func TestRunResolvesWithScale(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(
		`{"issue_type": "high_cpu", "severity": "warning", "confidence": 0.8, "reasoning": "sustained load"}`,
		`{"root_cause": "not enough replicas for current traffic", "fix_action": "scale", "fixable": true, "confidence": 0.8, "reasoning": "scale out"}`,
	)
	seedDeployment(t, "prod", "payments-scale", "payments:v2", "payments:v1")

	handle := submitIssue(t, client, issuePayload("payments-scale", "prod", "payments CPU above 90%"))
	detail := waitForTerminalRun(t, client, handle.RunID)

	assert.Equal(t, string(domain.StatusResolved), detail.Phase)
	require.NotNil(t, detail.State)
	require.Len(t, detail.State.FixAttempts, 1)
	assert.Contains(t, detail.State.FixAttempts[0].Detail, "scaled deployment prod/payments-scale from 2 to 3 replicas")

	deploy := getDeployment(t, "prod", "payments-scale")
	require.NotNil(t, deploy.Spec.Replicas)
	assert.Equal(t, int32(3), *deploy.Spec.Replicas)
}

func TestRunEscalatesAfterExhaustedAttempts(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(
		`{"issue_type": "pod_crash", "severity": "critical", "confidence": 0.9, "reasoning": "crash loop"}`,
		`{"root_cause": "wedged process", "fix_action": "restart", "fixable": true, "confidence": 0.85, "reasoning": "restart clears it"}`,
	)
	testNotifier.Reset()
	seedDeployment(t, "prod", "broken-search", "search:v2", "search:v1")

	handle := submitIssue(t, client, issuePayload("broken-search", "prod", "search pods crash looping"))
	detail := waitForTerminalRun(t, client, handle.RunID)

	assert.Equal(t, string(domain.StatusEscalated), detail.Phase)
	assert.Equal(t, 2, detail.Attempts)

	require.NotNil(t, detail.State)
	state := detail.State
	assert.Equal(t, "remediation attempts exhausted", state.EscalationReason)
	require.Len(t, state.FixAttempts, 2)
	for _, attempt := range state.FixAttempts {
		assert.False(t, attempt.Success)
		assert.Contains(t, attempt.Detail, "restart failed")
	}
	assert.Contains(t, state.Summary, "ESCALATION REQUIRED")
	assert.Contains(t, state.Summary, "Fix Attempts: 2")

	// Triage once, then a fresh diagnosis before each attempt.
	assert.Equal(t, 3, llmStub.requestCount())

	sent := testNotifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Escalation required: search pods crash looping", sent[0].Subject)
}

func TestRunEscalatesWhenDiagnosisSaysNotFixable(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(
		`{"issue_type": "unknown", "severity": "warning", "confidence": 0.4, "reasoning": "unclear signal"}`,
		`{"root_cause": "possible upstream dependency outage", "fix_action": "escalate", "fixable": false, "confidence": 0.5, "reasoning": "nothing safe to do automatically"}`,
	)
	seedDeployment(t, "prod", "gateway-manual", "gateway:v2", "gateway:v1")

	handle := submitIssue(t, client, issuePayload("gateway-manual", "prod", "gateway latency is weird"))
	detail := waitForTerminalRun(t, client, handle.RunID)

	assert.Equal(t, string(domain.StatusEscalated), detail.Phase)
	assert.Equal(t, 0, detail.Attempts)

	require.NotNil(t, detail.State)
	assert.Equal(t, "diagnosis recommended escalation", detail.State.EscalationReason)
	assert.Empty(t, detail.State.FixAttempts)
	assert.Contains(t, detail.State.Summary, "possible upstream dependency outage")

	// An escalated-by-decision run must not have touched the deployment.
	deploy := getDeployment(t, "prod", "gateway-manual")
	assert.Empty(t, deploy.Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"])
	assert.Equal(t, int32(2), *deploy.Spec.Replicas)
}

func TestRunEscalatesOnUnparsableModelAnswer(t *testing.T) {
	client := newTestClient(t)
	llmStub.program(`the service looks unhealthy to me`)
	seedDeployment(t, "prod", "billing-garbled", "billing:v2", "billing:v1")

	handle := submitIssue(t, client, issuePayload("billing-garbled", "prod", "billing acting up"))
	detail := waitForTerminalRun(t, client, handle.RunID)

	assert.Equal(t, string(domain.StatusEscalated), detail.Phase)
	require.NotNil(t, detail.State)
	assert.Contains(t, detail.State.EscalationReason, "classification failed")
	assert.Nil(t, detail.State.Triage)
	assert.Empty(t, detail.State.FixAttempts)
}

func TestRunRecoversAfterFailedFirstAttempt(t *testing.T) {
	client := newTestClient(t)
	// First diagnosis picks rollback, which fails without a previous revision;
	// the re-diagnosis picks restart, which succeeds.
	llmStub.program(
		`{"issue_type": "high_error_rate", "severity": "critical", "confidence": 0.9, "reasoning": "5xx spike"}`,
		`{"root_cause": "suspected bad deploy", "fix_action": "rollback", "fixable": true, "confidence": 0.7, "reasoning": "try reverting"}`,
		`{"root_cause": "wedged process", "fix_action": "restart", "fixable": true, "confidence": 0.8, "reasoning": "restart instead"}`,
	)

	// Seeded without ReplicaSets so the rollback has no revision to return to.
	seedBareDeployment(t, "prod", "inventory-retry", "inventory:v1")

	handle := submitIssue(t, client, issuePayload("inventory-retry", "prod", "inventory error rate above 5%"))
	detail := waitForTerminalRun(t, client, handle.RunID)

	assert.Equal(t, string(domain.StatusResolved), detail.Phase)
	assert.Equal(t, 2, detail.Attempts)

	require.NotNil(t, detail.State)
	state := detail.State
	require.Len(t, state.FixAttempts, 2)
	assert.Equal(t, domain.FixActionRollback, state.FixAttempts[0].Action)
	assert.False(t, state.FixAttempts[0].Success)
	assert.Equal(t, domain.FixActionRestart, state.FixAttempts[1].Action)
	assert.True(t, state.FixAttempts[1].Success)
	// Only the latest diagnosis is kept.
	assert.Equal(t, domain.FixActionRestart, state.Diagnosis.FixAction)
}
