package handlers

import (
	"net/http"
	"sort"
	"time"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build  services.BuildInfo
	system services.SystemService
	clock  func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs the probe handlers. Without a system service
// readiness mirrors liveness.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
		build: services.BuildInfo{StartedAt: time.Now()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService wires the dependency checks used by /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock overrides the clock, mainly for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Timestamp   string                        `json:"timestamp"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
	Details     []string                      `json:"details,omitempty"`
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock()
	writeJSONResponse(w, http.StatusOK, healthPayload{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   formatTime(now),
	})
}

// Readyz reports dependency readiness; anything other than ok answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	now := h.clock()
	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, healthPayload{
			Status:    domain.HealthStatusError,
			Uptime:    now.Sub(h.build.StartedAt).Round(time.Second).String(),
			Timestamp: formatTime(now),
			Details:   []string{err.Error()},
		})
		return
	}

	payload := healthPayload{
		Status:      report.Status,
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Uptime:      report.Uptime.Round(time.Second).String(),
		Timestamp:   formatTime(report.GeneratedAt),
		Checks:      make(map[string]healthCheckPayload, len(report.Checks)),
	}
	if payload.Timestamp == "" {
		payload.Timestamp = formatTime(now)
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		payload.Checks[name] = healthCheckPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Error != "" {
			payload.Details = append(payload.Details, name+": "+check.Error)
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}
