package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/alarm"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/mqtt"
	"sensorwatch/internal/stats"
)

// StatusHandler reports on the running components and triggers operator
// actions on them
type StatusHandler struct {
	deps    Deps
	started time.Time
	logger  zerolog.Logger
}

// NewStatusHandler creates new status handler
func NewStatusHandler(deps Deps, started time.Time) *StatusHandler {
	return &StatusHandler{deps: deps, started: started, logger: deps.Logger}
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	MQTT      *mqtt.Snapshot    `json:"mqtt,omitempty"`
	Queue     int               `json:"queueLength"`
	Failures  int               `json:"recentFailures"`
	InFlight  int               `json:"alarmsInFlight"`
	LastTick  *alarm.TickReport `json:"lastTick,omitempty"`
	LiveConns int               `json:"liveClients"`
}

// Health handles GET /healthz. It fails only when the broker connection is
// closed for good.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broker != nil {
		snap := h.deps.Broker.Snapshot()
		if snap.State == mqtt.StateClosed.String() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "mqtt closed"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:   h.deps.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Failures:  h.deps.Failures.Count(),
		LiveConns: h.deps.Hub.Len(),
	}
	if h.deps.Broker != nil {
		snap := h.deps.Broker.Snapshot()
		resp.MQTT = &snap
	}
	if h.deps.Queue != nil {
		resp.Queue = h.deps.Queue.QueueLen()
	}
	if h.deps.Scheduler != nil {
		resp.InFlight = h.deps.Scheduler.InFlight()
		tick := h.deps.Scheduler.LastTick()
		if !tick.Started.IsZero() {
			resp.LastTick = &tick
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /api/stats
func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "stats are not recorded")
		return
	}
	snap := h.deps.Recorder.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		stats.Snapshot
		SuccessRate float64 `json:"successRate"`
	}{snap, snap.SuccessRate()})
}

// TriggerTick handles POST /api/alarms/tick
func (h *StatusHandler) TriggerTick(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "alarm scheduler is not running")
		return
	}

	report, err := h.deps.Scheduler.TriggerNow(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual alarm tick failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report.Skipped {
		writeJSON(w, http.StatusConflict, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Reconnect handles POST /api/mqtt/reconnect
func (h *StatusHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if h.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "mqtt is not configured")
		return
	}

	user := auth.GetUserFromContext(r.Context())
	h.logger.Info().Str("username", user.Username).Msg("Manual MQTT reconnect requested")

	if err := h.deps.Broker.Connect(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"mqtt":  h.deps.Broker.Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mqtt": h.deps.Broker.Snapshot()})
}
