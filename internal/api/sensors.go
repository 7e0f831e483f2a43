package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"sensorwatch/internal/storage"
)

// SensorHandler serves per-sensor configuration, readings, pending alarms
// and push tokens
type SensorHandler struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewSensorHandler creates new sensor handler
func NewSensorHandler(store storage.Store, logger zerolog.Logger) *SensorHandler {
	return &SensorHandler{store: store, logger: logger}
}

// GetConfig handles GET /api/sensors/{userId}/{sensorUuid}/config
func (h *SensorHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID, sensorUUID := chi.URLParam(r, "userId"), chi.URLParam(r, "sensorUuid")

	cfg, err := h.store.GetAlarmConfig(r.Context(), userID, sensorUUID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no alarm config for sensor")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /api/sensors/{userId}/{sensorUuid}/config
func (h *SensorHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg storage.AlarmConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.UserID, cfg.SensorUUID = chi.URLParam(r, "userId"), chi.URLParam(r, "sensorUuid")

	if err := validateAlarmConfig(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SetAlarmConfig(r.Context(), &cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().
		Str("user_id", cfg.UserID).
		Str("sensor_uuid", cfg.SensorUUID).
		Msg("Alarm config updated")
	writeJSON(w, http.StatusOK, cfg)
}

func validateAlarmConfig(cfg *storage.AlarmConfig) error {
	if cfg.HighEnabled && cfg.LowEnabled && cfg.LowThreshold >= cfg.HighThreshold {
		return fmt.Errorf("lowThreshold (%v) must be below highThreshold (%v)", cfg.LowThreshold, cfg.HighThreshold)
	}
	for _, delays := range []map[storage.AlarmType]int64{cfg.DelaySeconds, cfg.ReArmDelaySeconds} {
		for t, secs := range delays {
			if _, err := storage.ParseAlarmType(string(t)); err != nil {
				return err
			}
			if secs < 0 {
				return fmt.Errorf("delay for %s must not be negative", t)
			}
		}
	}
	return nil
}

// LatestReading handles GET /api/sensors/{userId}/{sensorUuid}/reading
func (h *SensorHandler) LatestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := h.store.LatestReading(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "sensorUuid"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no readings for sensor")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// Pending handles GET /api/pending?user=
func (h *SensorHandler) Pending(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]storage.PendingNotification, 0, len(list))
	user := r.URL.Query().Get("user")
	for _, p := range list {
		if user == "" || p.UserID == user {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": out})
}

// PutToken handles PUT /api/users/{userId}/token. An empty token removes it.
func (h *SensorHandler) PutToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID := chi.URLParam(r, "userId")
	if err := h.store.SetPushToken(r.Context(), userID, req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().Str("user_id", userID).Bool("cleared", req.Token == "").Msg("Push token updated")
	w.WriteHeader(http.StatusNoContent)
}
