package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/archive"
	"github.com/opsmend/opsmend/internal/domain"
	"github.com/opsmend/opsmend/internal/pkg/ctxlog"
	"github.com/opsmend/opsmend/internal/pkg/httputil"
)

const defaultListLimit = 50

var errorMappings = []httputil.ErrorMapping{
	{Error: archive.ErrRunNotFound, Status: http.StatusNotFound, Message: "run not found"},
	{Error: ErrRunnerStopped, Status: http.StatusServiceUnavailable, Message: "not accepting new issues"},
}

// Handler handles HTTP requests for alert intake and run queries.
type Handler struct {
	runner           *Runner
	validator        *validator.Validate
	suppressed       map[string]struct{}
	defaultNamespace string
}

// NewHandler creates a new ingest handler. Alerts whose alertname is in
// suppressed never produce a run.
func NewHandler(runner *Runner, suppressed []string, defaultNamespace string) *Handler {
	set := make(map[string]struct{}, len(suppressed))
	for _, name := range suppressed {
		set[name] = struct{}{}
	}
	return &Handler{
		runner:           runner,
		validator:        validator.New(),
		suppressed:       set,
		defaultNamespace: defaultNamespace,
	}
}

// RegisterRoutes registers intake and run query routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/alertmanager", h.ReceiveAlertmanager)
	r.Post("/issues", h.SubmitIssue)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
}

// WebhookResponse reports how one webhook delivery was handled.
type WebhookResponse struct {
	Status    string      `json:"status"`
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Runs      []RunHandle `json:"runs"`
}

// ReceiveAlertmanager handles POST /webhook/alertmanager. Each firing,
// non-suppressed alert in the delivery starts its own run.
func (h *Handler) ReceiveAlertmanager(w http.ResponseWriter, r *http.Request) {
	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(payload); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	logger := ctxlog.FromContext(r.Context())
	logger.Info("webhook received",
		"receiver", payload.Receiver,
		"status", payload.Status,
		"alerts", len(payload.Alerts))

	resp := WebhookResponse{Status: "received", Runs: []RunHandle{}}
	for _, alert := range payload.Alerts {
		if alert.Status != "firing" {
			logger.Info("alert skipped", "alert", alert.name(), "status", alert.Status)
			recordAlert(outcomeNotFiring)
			resp.Skipped++
			continue
		}
		if _, ok := h.suppressed[alert.name()]; ok {
			logger.Info("alert suppressed", "alert", alert.name())
			recordAlert(outcomeSuppressed)
			resp.Skipped++
			continue
		}

		handle, err := h.runner.Submit(alert.toIssue(h.defaultNamespace, time.Now().UTC()))
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		recordAlert(outcomeAccepted)
		resp.Processed++
		resp.Runs = append(resp.Runs, handle)
	}

	httputil.Success(w, http.StatusAccepted, resp)
}

// SubmitIssueRequest represents request body for submitting an issue directly.
type SubmitIssueRequest struct {
	ID          string            `json:"id"`
	Title       string            `json:"title" validate:"required"`
	Description string            `json:"description"`
	Severity    string            `json:"severity" validate:"omitempty,oneof=critical warning info none"`
	ServiceName string            `json:"service_name" validate:"required"`
	Namespace   string            `json:"namespace"`
	Labels      map[string]string `json:"labels"`
}

// ToDomain converts the request into an Issue, filling defaults.
func (req SubmitIssueRequest) ToDomain(defaultNamespace string, now time.Time) domain.Issue {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	severity := domain.Severity(req.Severity)
	if severity == "" {
		severity = domain.DefaultSeverity
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	return domain.Issue{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Severity:    severity,
		ServiceName: req.ServiceName,
		Namespace:   namespace,
		Labels:      req.Labels,
		DetectedAt:  now,
	}
}

// SubmitIssue handles POST /issues.
func (h *Handler) SubmitIssue(w http.ResponseWriter, r *http.Request) {
	var req SubmitIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	handle, err := h.runner.Submit(req.ToDomain(h.defaultNamespace, time.Now().UTC()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, handle)
}

// ListRuns handles GET /runs. The registry is the default source; archived
// history is served with source=archive.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	phase := r.URL.Query().Get("status")
	switch phase {
	case "", PhaseInProgress, string(domain.StatusResolved), string(domain.StatusEscalated):
	default:
		httputil.Error(w, http.StatusBadRequest, "status must be in_progress, resolved or escalated")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	query := ListQuery{
		Phase:   phase,
		Service: r.URL.Query().Get("service"),
		Limit:   limit,
	}

	switch r.URL.Query().Get("source") {
	case "", "registry":
		httputil.Success(w, http.StatusOK, h.runner.ListRuns(query))
	case "archive":
		runs, err := h.runner.ListArchivedRuns(r.Context(), query)
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		httputil.Success(w, http.StatusOK, runs)
	default:
		httputil.Error(w, http.StatusBadRequest, "source must be registry or archive")
	}
}

// GetRun handles GET /runs/{runID}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	detail, err := h.runner.GetRun(r.Context(), runID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, detail)
}
