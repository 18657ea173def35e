package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opsmend/opsmend/internal/domain"
)

func TestAlertToIssueFullMapping(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	startsAt := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)

	alert := Alert{
		Status: "firing",
		Labels: map[string]string{
			"alertname": "HighErrorRate",
			"severity":  "critical",
			"service":   "checkout",
			"namespace": "prod",
		},
		Annotations: map[string]string{
			"summary":     "checkout 5xx rate above 5%",
			"description": "The checkout service is returning errors.",
		},
		StartsAt:    startsAt,
		Fingerprint: "abc123",
	}

	issue := alert.toIssue("default", now)
	assert.Equal(t, domain.Issue{
		ID:          "abc123",
		Title:       "HighErrorRate: checkout 5xx rate above 5%",
		Description: "The checkout service is returning errors.",
		Severity:    domain.SeverityCritical,
		ServiceName: "checkout",
		Namespace:   "prod",
		Labels:      alert.Labels,
		DetectedAt:  startsAt,
	}, issue)
}

func TestAlertToIssueFallbacks(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	alert := Alert{
		Status: "firing",
		Labels: map[string]string{},
	}

	issue := alert.toIssue("monitoring", now)
	assert.NotEmpty(t, issue.ID, "missing fingerprint falls back to a generated id")
	assert.Equal(t, "Unknown", issue.Title)
	assert.Empty(t, issue.Description)
	assert.Equal(t, domain.SeverityWarning, issue.Severity)
	assert.Empty(t, issue.ServiceName)
	assert.Equal(t, "monitoring", issue.Namespace)
	assert.Equal(t, now, issue.DetectedAt, "zero startsAt falls back to receipt time")
}

func TestAlertToIssueUnknownSeverity(t *testing.T) {
	alert := Alert{
		Status: "firing",
		Labels: map[string]string{"alertname": "HighCPU", "severity": "urgent"},
	}

	issue := alert.toIssue("default", time.Now())
	assert.Equal(t, domain.SeverityWarning, issue.Severity)
}

func TestAlertToIssueServiceLabelPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{
			name:   "service label wins",
			labels: map[string]string{"service": "checkout", "app": "checkout-app", "deployment": "checkout-deploy"},
			want:   "checkout",
		},
		{
			name:   "app label when no service",
			labels: map[string]string{"app": "checkout-app", "deployment": "checkout-deploy"},
			want:   "checkout-app",
		},
		{
			name:   "deployment label last",
			labels: map[string]string{"deployment": "checkout-deploy"},
			want:   "checkout-deploy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := Alert{Status: "firing", Labels: tt.labels}
			issue := alert.toIssue("default", time.Now())
			assert.Equal(t, tt.want, issue.ServiceName)
		})
	}
}

func TestAlertToIssueGeneratedIDsAreUnique(t *testing.T) {
	alert := Alert{Status: "firing", Labels: map[string]string{"alertname": "HighCPU"}}

	first := alert.toIssue("default", time.Now())
	second := alert.toIssue("default", time.Now())
	assert.NotEqual(t, first.ID, second.ID)
}
