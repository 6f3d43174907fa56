package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/blobstore"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/segments"
)

// maxUploadBytes bounds one segment upload body.
const maxUploadBytes = 256 << 20

type SegmentHandler struct {
	Service *segments.Service
}

func NewSegmentHandler(svc *segments.Service) *SegmentHandler {
	return &SegmentHandler{Service: svc}
}

// POST /api/v1/segments
// Raw video bytes in the body; identity in headers:
// X-Camera-ID, X-Location-ID, X-Recording-Start, X-Recording-End (RFC3339).
func (h *SegmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	cameraID, err := uuid.Parse(r.Header.Get("X-Camera-ID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid X-Camera-ID")
		return
	}
	locationID, err := uuid.Parse(r.Header.Get("X-Location-ID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid X-Location-ID")
		return
	}
	startedAt, err := time.Parse(time.RFC3339, r.Header.Get("X-Recording-Start"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid X-Recording-Start")
		return
	}
	endedAt, err := time.Parse(time.RFC3339, r.Header.Get("X-Recording-End"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid X-Recording-End")
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Read error")
		return
	}
	if len(content) == 0 {
		respondError(w, http.StatusBadRequest, "Empty body")
		return
	}
	if len(content) > maxUploadBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "Segment too large")
		return
	}

	seg, err := h.Service.Put(r.Context(), segments.UploadRequest{
		CameraID:   cameraID,
		LocationID: locationID,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Content:    content,
	})
	switch {
	case errors.Is(err, data.ErrDuplicateSegment):
		// Idempotent no-op: the caller gets the existing record.
		respondJSON(w, http.StatusOK, toSegmentView(seg))
	case errors.Is(err, data.ErrSegmentConflict):
		respondError(w, http.StatusConflict, "Segment exists with different content")
	case errors.Is(err, segments.ErrStorageFull):
		respondError(w, http.StatusInsufficientStorage, "Storage capacity exceeded")
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondJSON(w, http.StatusCreated, toSegmentView(seg))
	}
}

// GET /api/v1/segments
func (h *SegmentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f data.SegmentFilter
	if v := q.Get("camera_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid camera_id")
			return
		}
		f.CameraID = &id
	}
	if v := q.Get("state"); v != "" {
		f.State = v
	}
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

	views := make([]segmentView, 0, len(list))
	for _, s := range list {
		views = append(views, toSegmentView(s))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": views})
}

// GET /api/v1/segments/{id}
func (h *SegmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	seg, err := h.Service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Segment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, toSegmentView(seg))
}

// GET /api/v1/segments/{id}/download
func (h *SegmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	seg, content, err := h.Service.Download(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) || errors.Is(err, blobstore.ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, "Segment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Download failed")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.FormatInt(seg.SizeBytes, 10))
	w.Write(content)
}

// POST /api/v1/segments/{id}/retry
func (h *SegmentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	err = h.Service.Retry(r.Context(), id)
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "Segment not found")
	case errors.Is(err, segments.ErrNotRetryable):
		respondError(w, http.StatusConflict, "Segment is not failed")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Retry failed")
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	}
}
