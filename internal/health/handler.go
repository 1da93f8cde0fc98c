package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wudi/storegate/internal/registry"
)

// Handler serves the gateway's own health endpoints.
type Handler struct {
	registry *registry.Registry
	checker  *Checker
	now      func() time.Time
}

// NewHandler creates the health endpoints for reg.
func NewHandler(reg *registry.Registry, checker *Checker) *Handler {
	return &Handler{registry: reg, checker: checker, now: time.Now}
}

type livenessResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

type serviceHealth struct {
	URL       string `json:"url"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type servicesResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]serviceHealth `json:"services"`
}

// Liveness reports that the gateway is up and lists the configured
// backends. It never contacts them.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, livenessResponse{
		Status:    "success",
		Message:   "API Gateway is running",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Services:  h.registry.URLs(),
	})
}

// Services probes every backend and answers 503 if any is unhealthy.
func (h *Handler) Services(w http.ResponseWriter, r *http.Request) {
	healthURLs := h.registry.HealthURLs()
	targets := make([]Target, 0, len(healthURLs))
	for name, u := range healthURLs {
		targets = append(targets, Target{Name: name, URL: u})
	}

	results := h.checker.CheckAll(r.Context(), targets)

	resp := servicesResponse{
		Status:    "success",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Services:  make(map[string]serviceHealth, len(results)),
	}
	code := http.StatusOK
	for _, res := range results {
		sh := serviceHealth{
			URL:       res.URL,
			Healthy:   res.Healthy(),
			LatencyMs: res.Latency.Milliseconds(),
		}
		if res.Error != nil {
			sh.Error = res.Error.Error()
		}
		if !sh.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		resp.Services[res.Name] = sh
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
