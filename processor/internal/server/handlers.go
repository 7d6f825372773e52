package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
)

const defaultReadyTimeout = 5 * time.Second

// Pinger is a dependency that can report whether it answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DLQStats reports dead letter queue figures.
type DLQStats interface {
	Stats(ctx context.Context) map[string]interface{}
}

// Breaker reports the circuit breaker state of an optional engine.
type Breaker interface {
	BreakerState() gobreaker.State
}

// Deps are the dependencies the readiness check covers. Nil entries are
// reported as disabled.
type Deps struct {
	Repo     Pinger
	Index    Pinger
	Broker   messaging.Pinger
	Detector Breaker
	DLQ      DLQStats
	Logger   *logging.Logger
}

// Handler serves the processor health endpoints.
type Handler struct {
	deps    Deps
	timeout time.Duration
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Handler{deps: deps, timeout: defaultReadyTimeout}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.deps.Logger, http.StatusOK, map[string]string{"status": "ok", "service": "processor"})
}

// Ready handles GET /readyz. Any failing dependency makes the processor not
// ready. The detection breaker is reported but never fails readiness, since
// files still complete without rule testing.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{}
	ready := true
	ping := func(name string, p Pinger) {
		if p == nil {
			checks[name] = "disabled"
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	ping("postgres", h.deps.Repo)
	ping("opensearch", h.deps.Index)

	if h.deps.Broker == nil {
		checks["nats"] = "disabled"
	} else {
		st := messaging.CheckHealth(ctx, h.deps.Broker)
		checks["nats"] = st.String()
		ready = ready && st.Healthy()
	}

	if h.deps.Detector == nil {
		checks["detection"] = "disabled"
	} else {
		checks["detection"] = h.deps.Detector.BreakerState().String()
	}

	body := map[string]interface{}{"status": "ready", "checks": checks}
	status := http.StatusOK
	if !ready {
		body["status"] = "not ready"
		status = http.StatusServiceUnavailable
		h.deps.Logger.WithContext(ctx).Warn("Readiness check failed", "checks", checks)
	}
	writeJSON(w, h.deps.Logger, status, body)
}

// DLQ handles GET /dlq.
func (h *Handler) DLQ(w http.ResponseWriter, r *http.Request) {
	if h.deps.DLQ == nil {
		writeJSON(w, h.deps.Logger, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, h.deps.Logger, http.StatusOK, h.deps.DLQ.Stats(r.Context()))
}

func writeJSON(w http.ResponseWriter, logger *logging.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", logging.Error(err))
	}
}
