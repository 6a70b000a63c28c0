package handlers

import (
	"context"
	"net/http"
	"time"

	"subburn/internal/httpkit"
)

const checkTimeout = 5 * time.Second

// Check is one named dependency probe for deep readiness.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
	// Info adds details such as the backend in use; evaluated per request.
	Info func() map[string]any
}

// Static wraps fixed check details.
func Static(info map[string]any) func() map[string]any {
	return func() map[string]any { return info }
}

type HealthDeps struct {
	Service string
	// StoreReady pings the document store; readiness depends on it alone.
	StoreReady func(ctx context.Context) error
	Checks     []Check
}

// Health is liveness: the process is up, whatever its dependencies say.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": h.serviceName(),
	})
}

// Ready reports document store connectivity. ?deep=true adds a probe of
// every registered dependency.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	status := http.StatusOK
	body := map[string]any{
		"status":  "ready",
		"mongodb": "connected",
	}

	if err := h.pingStore(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "not ready"
		body["mongodb"] = "disconnected"
		log.Warn("readiness check failed", "error", err.Error())
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := make(map[string]any, len(h.health.Checks))
		degraded := false
		for _, c := range h.health.Checks {
			res := runCheck(ctx, c)
			if res["status"] != "ok" {
				degraded = true
			}
			checks[c.Name] = res
		}
		body["checks"] = checks
		if degraded && status == http.StatusOK {
			body["status"] = "degraded"
			log.Warn("health check degraded", "checks", checks)
		}
	}

	httpkit.WriteJSON(w, status, body)
}

func (h *Handler) serviceName() string {
	if h.health.Service != "" {
		return h.health.Service
	}
	return "subburn"
}

func (h *Handler) pingStore(ctx context.Context) error {
	if h.health.StoreReady == nil {
		return nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return h.health.StoreReady(checkCtx)
}

func runCheck(ctx context.Context, c Check) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
	}
	if c.Info != nil {
		for k, v := range c.Info() {
			result[k] = v
		}
	}

	if c.Probe != nil {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := c.Probe(checkCtx); err != nil {
			result["status"] = "error"
			result["error"] = err.Error()
		}
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
