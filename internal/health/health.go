// Package health provides the /healthz and /readyz admin endpoints every
// cmd/* process exposes alongside its bus connection, grounded on
// ashureev-shsh-labs's HealthHandler.
package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/httpx"
	"github.com/jonathonfletcher/poq/internal/middleware"
)

// Handler answers liveness and readiness probes for a single process.
type Handler struct {
	bus            bus.Client
	name           string
	allowedOrigins []string
}

// New builds a Handler that reports b's connection state. allowedOrigins
// governs the CORS headers on the admin mux, since operator dashboards
// polling /readyz are often served from a different origin than the
// process they're watching.
func New(b bus.Client, processName string, allowedOrigins []string) *Handler {
	return &Handler{bus: b, name: processName, allowedOrigins: allowedOrigins}
}

// Healthz always reports ok once the process is up; it does not depend
// on the bus, so orchestrators don't restart a process over a transient
// NATS outage it can recover from on its own.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok", "process": h.name})
}

// Readyz reports whether the bus connection is currently usable.
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	state := h.bus.State()
	if state != bus.StateConnected {
		httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready", "process": h.name, "bus_state": state.String(),
		})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready", "process": h.name, "bus_state": state.String()})
}

// Mux builds a standalone chi router serving /healthz and /readyz, the
// way each cmd/* process's admin HTTP surface is assembled.
func (h *Handler) Mux() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(h.allowedOrigins))
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	return r
}
