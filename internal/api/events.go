package api

import (
	"net/http"
	"strconv"

	"sensorwatch/internal/events"
)

// FailuresHandler serves the recent ingestion failures
type FailuresHandler struct {
	store *events.Store
}

// NewFailuresHandler creates new failures handler
func NewFailuresHandler(store *events.Store) *FailuresHandler {
	return &FailuresHandler{store: store}
}

// List returns failures from the store
// GET /api/errors?limit=50&since=123
func (h *FailuresHandler) List(w http.ResponseWriter, r *http.Request) {
	var list []events.Failure

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		sinceID, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		list = h.store.GetSince(sinceID)
	} else {
		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= events.DefaultCapacity {
				limit = l
			}
		}
		list = h.store.GetLast(limit)
	}

	if list == nil {
		list = []events.Failure{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": list,
		"lastId": h.store.LastID(),
		"byKind": h.store.CountByKind(),
	})
}
