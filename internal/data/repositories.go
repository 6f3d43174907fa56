package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("record not found")

	// ErrAlreadyClaimed is the expected outcome of two workers racing for the
	// same pending segment. Callers move on to the next row; it is never
	// logged as an error.
	ErrAlreadyClaimed = errors.New("segment already claimed")

	// ErrDuplicateSegment signals an idempotent re-upload: same (camera,
	// started_at) and same checksum as an existing row.
	ErrDuplicateSegment = errors.New("duplicate segment")

	// ErrSegmentConflict signals a re-upload with the same (camera,
	// started_at) key but different content.
	ErrSegmentConflict = errors.New("segment conflict")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Segment states. Transitions are forward-only:
// pending -> processing -> processed | failed.
// failed may go back to pending via operator retry while attempts remain.
const (
	SegmentStatePending    = "pending"
	SegmentStateProcessing = "processing"
	SegmentStateProcessed  = "processed"
	SegmentStateFailed     = "failed"
)

const (
	EventStatusOpen         = "open"
	EventStatusAcknowledged = "acknowledged"
	EventStatusClosed       = "closed"
)

const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

type Segment struct {
	ID             uuid.UUID
	CameraID       uuid.UUID
	LocationID     uuid.UUID
	StartedAt      time.Time
	EndedAt        time.Time
	IngestedAt     time.Time
	ObjectKey      string
	SizeBytes      int64
	Checksum       string
	State          string
	Attempts       int
	FailureCode    *string
	ClaimExpiresAt *time.Time
}

type IncidentEvent struct {
	ID             uuid.UUID
	CameraID       uuid.UUID
	LocationID     uuid.UUID
	Category       string
	Severity       string
	Score          float64
	MaxConfidence  float64
	DetectionCount int
	FirstSeen      time.Time
	LastSeen       time.Time
	Status         string
	ClosedAt       *time.Time

	// FalsePositive is an operator label, independent of the lifecycle
	// status: it can be set or cleared on closed events too.
	FalsePositive bool

	// SegmentIDs is populated on reads that join the pin table.
	SegmentIDs []uuid.UUID
}

type SegmentFilter struct {
	CameraID *uuid.UUID
	State    string
	From     *time.Time
	To       *time.Time
}

type EventFilter struct {
	CameraID   *uuid.UUID
	LocationID *uuid.UUID
	Category   string
	Status     string
	From       *time.Time
	To         *time.Time
}

type EventStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByCategory map[string]int `json:"by_category"`
}

type SegmentRepository interface {
	Insert(ctx context.Context, s *Segment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Segment, error)
	GetByCameraStart(ctx context.Context, cameraID uuid.UUID, startedAt time.Time) (*Segment, error)
	List(ctx context.Context, f SegmentFilter, limit, offset int) ([]*Segment, error)
	TotalStoredBytes(ctx context.Context) (int64, error)

	// ListClaimable returns pending segments plus processing segments whose
	// claim lease has expired (crashed worker), oldest ingested first.
	ListClaimable(ctx context.Context, limit int) ([]*Segment, error)

	// Claim is the CAS serialization point: it moves a segment to processing
	// and stamps a lease. A lost race returns ErrAlreadyClaimed.
	Claim(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*Segment, error)
	Heartbeat(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ReturnPending(ctx context.Context, id uuid.UUID, attempts int) error
	RetryFailed(ctx context.Context, id uuid.UUID) error

	// ListEvictable returns segments older than cutoff that are not pinned by
	// an open event or by a closed event younger than closedGraceCutoff.
	ListEvictable(ctx context.Context, cutoff, closedGraceCutoff time.Time, limit int) ([]*Segment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type EventRepository interface {
	Insert(ctx context.Context, e *IncidentEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*IncidentEvent, error)
	List(ctx context.Context, f EventFilter, limit, offset int) ([]*IncidentEvent, error)
	ListOpen(ctx context.Context) ([]*IncidentEvent, error)
	Stats(ctx context.Context) (*EventStats, error)

	// UpdateMerged persists a merge in one statement so readers never observe
	// a half-merged event.
	UpdateMerged(ctx context.Context, e *IncidentEvent) error
	PinSegment(ctx context.Context, eventID, segmentID uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status string, closedAt *time.Time) error
	SetFalsePositive(ctx context.Context, id uuid.UUID, flag bool) error
}
