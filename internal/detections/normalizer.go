// Package detections converts raw inference payloads into canonical
// detection records. Normalization is pure: no I/O, no clock reads beyond the
// segment metadata it is handed.
package detections

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/config"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/inference"
)

// ErrMalformed marks a detection that is dropped. A malformed detection never
// fails its segment.
var ErrMalformed = errors.New("malformed detection")

// Region is the optional spatial bounding box, normalized to [0,1] frame
// coordinates.
type Region struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is the canonical record fed to the correlator. Ephemeral: it is
// not persisted after correlation.
type Detection struct {
	SegmentID  uuid.UUID
	CameraID   uuid.UUID
	LocationID uuid.UUID
	Category   string
	Confidence float64
	Offset     time.Duration // position within the segment
	OccurredAt time.Time     // canonical UTC time base: segment start + offset
	Region     *Region
}

// Normalize validates and canonicalizes one raw detection against the
// configured category allow-list.
func Normalize(seg *data.Segment, raw inference.RawDetection, pol *config.CorrelationPolicy) (*Detection, error) {
	if raw.Label == "" {
		return nil, fmt.Errorf("%w: empty label", ErrMalformed)
	}
	if !pol.Allowed(raw.Label) {
		return nil, fmt.Errorf("%w: category %q not in allow-list", ErrMalformed, raw.Label)
	}
	if raw.OffsetMs < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrMalformed, raw.OffsetMs)
	}

	offset := time.Duration(raw.OffsetMs) * time.Millisecond
	segLen := seg.EndedAt.Sub(seg.StartedAt)
	if offset > segLen {
		return nil, fmt.Errorf("%w: offset %v beyond segment length %v", ErrMalformed, offset, segLen)
	}

	// Clamp rather than reject: engines occasionally report 1.0000001
	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	d := &Detection{
		SegmentID:  seg.ID,
		CameraID:   seg.CameraID,
		LocationID: seg.LocationID,
		Category:   raw.Label,
		Confidence: conf,
		Offset:     offset,
		OccurredAt: seg.StartedAt.UTC().Add(offset),
	}
	if raw.BBox != nil {
		d.Region = &Region{X: raw.BBox.X, Y: raw.BBox.Y, W: raw.BBox.W, H: raw.BBox.H}
	}
	return d, nil
}
