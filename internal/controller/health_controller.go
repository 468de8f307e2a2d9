package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/mobilemoney/internal/infrastructure/rabbitmq"
)

// Pinger is satisfied by *pgxpool.Pool and the shared cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerState reports the delivery channel's connection state.
type BrokerState interface {
	State() rabbitmq.State
}

type HealthController struct {
	db     Pinger
	cache  Pinger
	broker BrokerState
}

func NewHealthController(db, cache Pinger, broker BrokerState) *HealthController {
	return &HealthController{db: db, cache: cache, broker: broker}
}

func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if err := h.cache.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "cache unavailable",
		})
		return
	}

	// Reported only: callbacks fall back to the outbox while the broker is down.
	broker := "ready"
	if h.broker != nil {
		broker = h.broker.State().String()
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "broker": broker})
}
