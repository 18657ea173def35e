package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/domain"
)

// Alert is a single alert inside an Alertmanager webhook delivery.
type Alert struct {
	Status      string            `json:"status" validate:"required,oneof=firing resolved"`
	Labels      map[string]string `json:"labels" validate:"required"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
	Fingerprint string            `json:"fingerprint"`
}

// Payload is the body Alertmanager POSTs to its webhook receivers.
type Payload struct {
	Receiver          string            `json:"receiver" validate:"required"`
	Status            string            `json:"status" validate:"required,oneof=firing resolved"`
	Alerts            []Alert           `json:"alerts" validate:"required,dive"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
}

// name returns the alertname label, the identity Alertmanager groups by.
func (a Alert) name() string {
	return a.Labels["alertname"]
}

// toIssue maps alert labels and annotations onto an Issue. Alerts routinely
// omit fields, so every one falls back: the fingerprint to a fresh UUID, the
// severity to the default, the namespace to the configured default, and the
// workload to the service, app or deployment label in that order.
func (a Alert) toIssue(defaultNamespace string, now time.Time) domain.Issue {
	id := a.Fingerprint
	if id == "" {
		id = uuid.NewString()
	}

	title := a.name()
	if title == "" {
		title = "Unknown"
	}
	if summary := a.Annotations["summary"]; summary != "" {
		title += ": " + summary
	}

	severity := domain.Severity(a.Labels["severity"])
	if !severity.IsValid() {
		severity = domain.DefaultSeverity
	}

	service := a.Labels["service"]
	if service == "" {
		service = a.Labels["app"]
	}
	if service == "" {
		service = a.Labels["deployment"]
	}

	namespace := a.Labels["namespace"]
	if namespace == "" {
		namespace = defaultNamespace
	}

	detected := a.StartsAt
	if detected.IsZero() {
		detected = now
	}

	return domain.Issue{
		ID:          id,
		Title:       title,
		Description: a.Annotations["description"],
		Severity:    severity,
		ServiceName: service,
		Namespace:   namespace,
		Labels:      a.Labels,
		DetectedAt:  detected,
	}
}
