package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HealthzHandler implements GET /healthz: a liveness probe that never
// touches a backend or the database, per the teacher's /healthz/readyz
// split (cmd/agentd/main.go).
func (a *App) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadyzHandler implements GET /readyz: ready only once at least one
// enabled backend reports healthy.
func (a *App) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := a.registry.CheckAll(r.Context())
		healthy := 0
		for _, s := range statuses {
			if s.Healthy {
				healthy++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if healthy == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy_backends": healthy, "backends": statuses})
	}
}

// warmupRequest is spec.md §6's `{email, model}` warmup body. Credential
// storage/rotation is an injected out-of-scope collaborator (spec.md §1),
// so this gateway has no per-email credential registry to target; email is
// accepted and logged for the caller's audit trail, and the ping instead
// exercises every backend configured to serve model.
type warmupRequest struct {
	Email string `json:"email"`
	Model string `json:"model"`
}

// WarmupHandler implements POST /internal/warmup.
func (a *App) WarmupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req warmupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		chain := a.routes.Table().ChainFor(req.Model)
		pinged := make([]string, 0, len(chain))
		for _, entry := range chain {
			adapter, ok := a.registry.Get(entry.Backend)
			if !ok {
				continue
			}
			if err := adapter.Health(r.Context()); err != nil {
				log.Ctx(r.Context()).Warn().Err(err).Str("backend", entry.Backend).Str("email", req.Email).Msg("gateway: warmup ping failed")
				continue
			}
			pinged = append(pinged, entry.Backend)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "pinged": pinged})
	}
}

// statsResponse is GET /internal/stats's JSON document (spec.md §4.13: a
// local counter surface, not a billing ledger).
type statsResponse struct {
	Backends []BackendSnapshot `json:"backends"`
	Models   []ModelSnapshot   `json:"models"`
}

// StatsHandler implements GET /internal/stats.
func (a *App) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backends, models := a.stats.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsResponse{Backends: backends, Models: models})
	}
}
