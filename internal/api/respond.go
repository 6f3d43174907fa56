package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/data"
)

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Wire views. The storage object key stays internal.

type segmentView struct {
	ID          uuid.UUID `json:"id"`
	CameraID    uuid.UUID `json:"camera_id"`
	LocationID  uuid.UUID `json:"location_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	IngestedAt  time.Time `json:"ingested_at"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	FailureCode *string   `json:"failure_code,omitempty"`
}

func toSegmentView(s *data.Segment) segmentView {
	return segmentView{
		ID:          s.ID,
		CameraID:    s.CameraID,
		LocationID:  s.LocationID,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		IngestedAt:  s.IngestedAt,
		SizeBytes:   s.SizeBytes,
		Checksum:    s.Checksum,
		State:       s.State,
		Attempts:    s.Attempts,
		FailureCode: s.FailureCode,
	}
}

type eventView struct {
	ID             uuid.UUID   `json:"id"`
	CameraID       uuid.UUID   `json:"camera_id"`
	LocationID     uuid.UUID   `json:"location_id"`
	Category       string      `json:"category"`
	Severity       string      `json:"severity"`
	MaxConfidence  float64     `json:"max_confidence"`
	DetectionCount int         `json:"detection_count"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastSeen       time.Time   `json:"last_seen"`
	Status         string      `json:"status"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	FalsePositive  bool        `json:"is_false_positive"`
	SegmentIDs     []uuid.UUID `json:"segment_ids,omitempty"`
}

func toEventView(e *data.IncidentEvent) eventView {
	return eventView{
		ID:             e.ID,
		CameraID:       e.CameraID,
		LocationID:     e.LocationID,
		Category:       e.Category,
		Severity:       e.Severity,
		MaxConfidence:  e.MaxConfidence,
		DetectionCount: e.DetectionCount,
		FirstSeen:      e.FirstSeen,
		LastSeen:       e.LastSeen,
		Status:         e.Status,
		ClosedAt:       e.ClosedAt,
		FalsePositive:  e.FalsePositive,
		SegmentIDs:     e.SegmentIDs,
	}
}
