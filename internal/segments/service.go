// Package segments implements the segment store: durable storage for video
// chunks with checksum-idempotent upload, CAS claim semantics for the worker
// pool, and retention-driven eviction hooks.
package segments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/blobstore"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/metrics"
	"github.com/technosupport/ts-ingest/internal/signals"
)

type UploadRequest struct {
	CameraID   uuid.UUID
	LocationID uuid.UUID
	StartedAt  time.Time
	EndedAt    time.Time
	Content    []byte
}

type Service struct {
	repo  data.SegmentRepository
	blobs blobstore.Store
	sink  signals.Publisher

	maxCapacityBytes int64
	maxAttempts      int
}

func NewService(repo data.SegmentRepository, blobs blobstore.Store, sink signals.Publisher, maxCapacityBytes int64, maxAttempts int) *Service {
	return &Service{
		repo:             repo,
		blobs:            blobs,
		sink:             sink,
		maxCapacityBytes: maxCapacityBytes,
		maxAttempts:      maxAttempts,
	}
}

// Put stores an uploaded segment. A retransmission of identical bytes for an
// existing (camera, start) key is an idempotent no-op returning the existing
// record with data.ErrDuplicateSegment; same key with different bytes is a
// conflict.
func (s *Service) Put(ctx context.Context, req UploadRequest) (*data.Segment, error) {
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("empty segment content")
	}
	if !req.EndedAt.After(req.StartedAt) {
		return nil, fmt.Errorf("segment end %v not after start %v", req.EndedAt, req.StartedAt)
	}

	sum := sha256.Sum256(req.Content)
	checksum := hex.EncodeToString(sum[:])

	if existing, err := s.repo.GetByCameraStart(ctx, req.CameraID, req.StartedAt.UTC()); err == nil {
		if existing.Checksum == checksum {
			metrics.SegmentsIngestedTotal.WithLabelValues("duplicate").Inc()
			return existing, data.ErrDuplicateSegment
		}
		metrics.SegmentsIngestedTotal.WithLabelValues("conflict").Inc()
		return nil, data.ErrSegmentConflict
	} else if err != data.ErrRecordNotFound {
		return nil, err
	}

	// Capacity policy: reject before touching the blob store. 0 = unbounded.
	if s.maxCapacityBytes > 0 {
		used, err := s.repo.TotalStoredBytes(ctx)
		if err != nil {
			return nil, err
		}
		if used+int64(len(req.Content)) > s.maxCapacityBytes {
			metrics.SegmentsIngestedTotal.WithLabelValues("storage_full").Inc()
			signals.Emit(s.sink, signals.Signal{
				Kind:     signals.KindStorageFull,
				CameraID: req.CameraID,
				Reason:   fmt.Sprintf("used=%d incoming=%d cap=%d", used, len(req.Content), s.maxCapacityBytes),
			})
			return nil, ErrStorageFull
		}
	}

	seg := &data.Segment{
		ID:         uuid.New(),
		CameraID:   req.CameraID,
		LocationID: req.LocationID,
		StartedAt:  req.StartedAt.UTC(),
		EndedAt:    req.EndedAt.UTC(),
		IngestedAt: time.Now().UTC(),
		SizeBytes:  int64(len(req.Content)),
		Checksum:   checksum,
		State:      data.SegmentStatePending,
	}
	seg.ObjectKey = fmt.Sprintf("segments/%s/%s.mp4", seg.CameraID, seg.ID)

	if err := s.blobs.Put(ctx, seg.ObjectKey, req.Content, "video/mp4"); err != nil {
		return nil, fmt.Errorf("blob write: %w", err)
	}

	if err := s.repo.Insert(ctx, seg); err != nil {
		// No row references the blob yet; reclaim it before reporting.
		_ = s.blobs.Delete(ctx, seg.ObjectKey)
		// Lost an insert race: re-read and apply the same dedup rule.
		if err == data.ErrSegmentConflict {
			if existing, gerr := s.repo.GetByCameraStart(ctx, req.CameraID, seg.StartedAt); gerr == nil {
				if existing.Checksum == checksum {
					metrics.SegmentsIngestedTotal.WithLabelValues("duplicate").Inc()
					return existing, data.ErrDuplicateSegment
				}
				metrics.SegmentsIngestedTotal.WithLabelValues("conflict").Inc()
				return nil, data.ErrSegmentConflict
			}
		}
		return nil, err
	}

	metrics.SegmentsIngestedTotal.WithLabelValues("stored").Inc()
	return seg, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*data.Segment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Download(ctx context.Context, id uuid.UUID) (*data.Segment, []byte, error) {
	seg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.blobs.Get(ctx, seg.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return seg, content, nil
}

func (s *Service) List(ctx context.Context, f data.SegmentFilter, limit, offset int) ([]*data.Segment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Retry moves a failed segment back to pending with a fresh attempt budget.
// Operator action path only.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	seg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if seg.State != data.SegmentStateFailed {
		return ErrNotRetryable
	}
	if err := s.repo.RetryFailed(ctx, id); err != nil {
		return err
	}
	log.Printf("segments: %s returned to pending by operator retry", id)
	return nil
}

func (s *Service) MaxAttempts() int { return s.maxAttempts }
