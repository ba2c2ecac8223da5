// Package httpapi exposes the operational endpoints of the pong responder.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
)

// StatusProvider exposes the responder state required for health checks.
type StatusProvider interface {
	Answered() uint64
	ServerTick() tick.Tick
}

// StartupFunc reports an error when a listener failed to come up.
type StartupFunc func() error

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Status     StatusProvider
	Startup    StartupFunc
	StartedAt  time.Time
	TimeSource func() time.Time
}

// HandlerSet bundles the responder operational handlers.
type HandlerSet struct {
	logger    *logging.Logger
	status    StatusProvider
	startup   StartupFunc
	startedAt time.Time
	now       func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	return &HandlerSet{
		logger:    logger,
		status:    opts.Status,
		startup:   opts.Startup,
		startedAt: startedAt,
		now:       now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether every responder came up, with the current server tick.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		ServerTick    uint16  `json:"server_tick"`
		Answered      uint64  `json:"pings_answered"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.uptime().Seconds()}
		if h.status != nil {
			resp.ServerTick = uint16(h.status.ServerTick())
			resp.Answered = h.status.Answered()
		}
		if h.startup != nil {
			if err := h.startup(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
				h.logger.Warn("readiness check failed",
					logging.String("remote_addr", r.RemoteAddr),
					logging.Error(err),
				)
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP pongd_uptime_seconds Responder uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE pongd_uptime_seconds gauge\n")
		fmt.Fprintf(w, "pongd_uptime_seconds %.0f\n", h.uptime().Seconds())
		if h.status == nil {
			return
		}
		fmt.Fprintf(w, "# HELP pongd_pings_answered_total Pings answered across all transports.\n")
		fmt.Fprintf(w, "# TYPE pongd_pings_answered_total counter\n")
		fmt.Fprintf(w, "pongd_pings_answered_total %d\n", h.status.Answered())

		fmt.Fprintf(w, "# HELP pongd_server_tick Tick currently stamped on pongs.\n")
		fmt.Fprintf(w, "# TYPE pongd_server_tick gauge\n")
		fmt.Fprintf(w, "pongd_server_tick %d\n", uint16(h.status.ServerTick()))
	}
}

func (h *HandlerSet) uptime() time.Duration {
	if d := h.now().Sub(h.startedAt); d > 0 {
		return d
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
