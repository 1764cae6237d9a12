package runtime

import (
	"net/http"
	"strings"
	"time"

	loggingpkg "github.com/drblury/nameko/internal/runtime/logging"
	"github.com/drblury/nameko/internal/runtime/wire"
)

// RunnerStatus is served by /api/runner.
type RunnerStatus struct {
	State     RunnerState   `json:"state"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Services  []string      `json:"services"`
	Transport string        `json:"transport"`
	Resources ResourceUsage `json:"resources"`
}

// Status returns the runner status reported by the status API.
func (r *Runner) Status() RunnerStatus {
	r.mu.RLock()
	status := RunnerStatus{
		State:     r.state,
		StartedAt: r.startedAt,
		Services:  append([]string(nil), r.names...),
	}
	r.mu.RUnlock()

	status.Transport = r.factory.Describe(r.Conf)
	status.Resources = r.resources.Snapshot()
	return status
}

// ServiceStatuses returns the status of every container in registration
// order.
func (r *Runner) ServiceStatuses() []ContainerStatus {
	containers := r.snapshot()
	out := make([]ContainerStatus, 0, len(containers))
	for _, nc := range containers {
		out = append(out, nc.container.Status())
	}
	return out
}

func (r *Runner) registerStatusAPI() {
	if !r.Conf.WebUIEnabled {
		return
	}

	port := r.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	r.RegisterHTTPHandler(port, "/api/runner", r.withCORS(func() any { return r.Status() }))
	r.RegisterHTTPHandler(port, "/api/services", r.withCORS(func() any { return r.ServiceStatuses() }))
}

func (r *Runner) withCORS(body func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(r.Conf.WebUICORSAllowedOrigins) > 0 {
			allowedOrigin := r.getAllowedCORSOrigin(req.Header.Get("Origin"))
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if req.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := wire.Encode(w, body()); err != nil {
			r.Logger.Error("Failed to encode status", err, loggingpkg.LogFields{"path": req.URL.Path})
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (r *Runner) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range r.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
