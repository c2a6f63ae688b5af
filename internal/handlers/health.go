package handlers

import (
	"net/http"
	"time"

	domain "github.com/orchard-market/api/internal/domain"
	"github.com/orchard-market/api/internal/services"
)

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	build  services.BuildInfo
	system services.HealthService
	clock  func() time.Time
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo attaches build metadata to health responses.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService wires the dependency probe service used by Readyz.
func WithHealthSystemService(svc services.HealthService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock injects a custom clock primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the health endpoint handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		build: services.BuildInfo{StartedAt: time.Now().UTC()},
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz reports process liveness without touching any dependency.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    string(domain.HealthStatusOK),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	if !h.build.StartedAt.IsZero() {
		payload["uptime"] = now.Sub(h.build.StartedAt).String()
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type readyzCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

type readyzResponse struct {
	Status      string                        `json:"status"`
	GeneratedAt string                        `json:"generatedAt,omitempty"`
	Checks      map[string]readyzCheckPayload `json:"checks,omitempty"`
	Details     []string                      `json:"details"`
}

// Readyz probes the service dependencies and reports 503 unless all pass.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{
			Status:  string(domain.HealthStatusOK),
			Details: []string{},
		})
		return
	}

	report, err := h.system.Report(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:  string(domain.HealthStatusError),
			Details: []string{err.Error()},
		})
		return
	}

	response := readyzResponse{
		Status:  string(report.Status),
		Checks:  make(map[string]readyzCheckPayload, len(report.Checks)),
		Details: []string{},
	}
	if !report.GeneratedAt.IsZero() {
		response.GeneratedAt = report.GeneratedAt.UTC().Format(time.RFC3339)
	}
	for name, check := range report.Checks {
		response.Checks[name] = readyzCheckPayload{
			Status:    string(check.Status),
			Detail:    check.Detail,
			LatencyMs: check.Latency.Milliseconds(),
		}
		if check.Status != domain.HealthStatusOK && check.Error != "" {
			response.Details = append(response.Details, name+": "+check.Error)
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, response)
}
