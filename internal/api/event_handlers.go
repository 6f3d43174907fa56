package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/events"
)

type EventHandler struct {
	Service *events.Service
}

func NewEventHandler(svc *events.Service) *EventHandler {
	return &EventHandler{Service: svc}
}

// GET /api/v1/events
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f data.EventFilter
	if v := q.Get("camera_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid camera_id")
			return
		}
		f.CameraID = &id
	}
	if v := q.Get("location_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid location_id")
			return
		}
		f.LocationID = &id
	}
	f.Category = q.Get("category")
	f.Status = q.Get("status")
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid from")
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid to")
			return
		}
		f.To = &t
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := h.Service.List(r.Context(), f, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "List failed")
		return
	}

	views := make([]eventView, 0, len(list))
	for _, e := range list {
		views = append(views, toEventView(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": views})
}

// GET /api/v1/events/stats
func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Stats failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GET /api/v1/events/{id}
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	evt, err := h.Service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, toEventView(evt))
}

// POST /api/v1/events/{id}/ack
func (h *EventHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	if err := h.Service.Acknowledge(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Event not found or closed")
			return
		}
		respondError(w, http.StatusInternalServerError, "Acknowledge failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": data.EventStatusAcknowledged})
}

// POST /api/v1/events/{id}/close
func (h *EventHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	if err := h.Service.Close(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Event not found or closed")
			return
		}
		respondError(w, http.StatusInternalServerError, "Close failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": data.EventStatusClosed})
}

// POST /api/v1/events/{id}/false-positive
// Body {"is_false_positive": false} clears the label; no body sets it.
func (h *EventHandler) FalsePositive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	flag := true
	var body struct {
		IsFalsePositive *bool `json:"is_false_positive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.IsFalsePositive != nil {
		flag = *body.IsFalsePositive
	}

	if err := h.Service.MarkFalsePositive(r.Context(), id, flag); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Event not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Update failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"is_false_positive": flag})
}
