package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing the named dependencies.
func NewHealthHandler(deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logger: logHandler(logger, "health")}
}

// HealthCheck reports the server and its dependencies. Any failing
// dependency turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for n := range h.deps {
		names = append(names, n)
	}
	slices.Sort(names)

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(names))
	for _, n := range names {
		if err := h.deps[n].Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: dependency unhealthy",
				slog.String("dependency", n),
				slog.String("error", err.Error()),
			)
			checks[n] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[n] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
