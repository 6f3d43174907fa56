package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type SegmentModel struct {
	DB DBTX
}

const segmentColumns = `id, camera_id, location_id, started_at, ended_at, ingested_at,
	object_key, size_bytes, checksum, state, attempts, failure_code, claim_expires_at`

func scanSegment(row interface{ Scan(...any) error }) (*Segment, error) {
	var s Segment
	var failureCode sql.NullString
	var claimExpires sql.NullTime

	err := row.Scan(
		&s.ID, &s.CameraID, &s.LocationID, &s.StartedAt, &s.EndedAt, &s.IngestedAt,
		&s.ObjectKey, &s.SizeBytes, &s.Checksum, &s.State, &s.Attempts, &failureCode, &claimExpires,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if failureCode.Valid {
		s.FailureCode = &failureCode.String
	}
	if claimExpires.Valid {
		t := claimExpires.Time
		s.ClaimExpiresAt = &t
	}
	return &s, nil
}

func (m SegmentModel) Insert(ctx context.Context, s *Segment) error {
	query := `
		INSERT INTO segments (id, camera_id, location_id, started_at, ended_at, ingested_at,
			object_key, size_bytes, checksum, state, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := m.DB.ExecContext(ctx, query,
		s.ID, s.CameraID, s.LocationID, s.StartedAt, s.EndedAt, s.IngestedAt,
		s.ObjectKey, s.SizeBytes, s.Checksum, s.State, s.Attempts,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// Unique (camera_id, started_at) hit. Caller distinguishes
		// duplicate vs conflict by checksum.
		return ErrSegmentConflict
	}
	return err
}

func (m SegmentModel) GetByID(ctx context.Context, id uuid.UUID) (*Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE id = $1`
	return scanSegment(m.DB.QueryRowContext(ctx, query, id))
}

func (m SegmentModel) GetByCameraStart(ctx context.Context, cameraID uuid.UUID, startedAt time.Time) (*Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE camera_id = $1 AND started_at = $2`
	return scanSegment(m.DB.QueryRowContext(ctx, query, cameraID, startedAt))
}

func (m SegmentModel) List(ctx context.Context, f SegmentFilter, limit, offset int) ([]*Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE 1=1`
	args := []any{}
	idx := 1

	if f.CameraID != nil {
		query += fmt.Sprintf(" AND camera_id = $%d", idx)
		args = append(args, *f.CameraID)
		idx++
	}
	if f.State != "" {
		query += fmt.Sprintf(" AND state = $%d", idx)
		args = append(args, f.State)
		idx++
	}
	if f.From != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		query += fmt.Sprintf(" AND started_at < $%d", idx)
		args = append(args, *f.To)
		idx++
	}

	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	return m.querySegments(ctx, query, args...)
}

func (m SegmentModel) TotalStoredBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := m.DB.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM segments`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (m SegmentModel) ListClaimable(ctx context.Context, limit int) ([]*Segment, error) {
	// Expired leases are claimable again; that is the crash-liveness path.
	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE state = $1
		   OR (state = $2 AND claim_expires_at < (NOW() AT TIME ZONE 'UTC'))
		ORDER BY ingested_at ASC
		LIMIT $3`

	return m.querySegments(ctx, query, SegmentStatePending, SegmentStateProcessing, limit)
}

func (m SegmentModel) Claim(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*Segment, error) {
	// Single-statement CAS. Only a pending row or an expired-lease processing
	// row can be claimed; exactly one racing worker wins.
	query := `
		UPDATE segments
		SET state = $1, claim_expires_at = $2, attempts = attempts + 1
		WHERE id = $3
		  AND (state = $4 OR (state = $1 AND claim_expires_at < (NOW() AT TIME ZONE 'UTC')))
		RETURNING ` + segmentColumns

	s, err := scanSegment(m.DB.QueryRowContext(ctx, query,
		SegmentStateProcessing, leaseUntil, id, SegmentStatePending))
	if err == ErrRecordNotFound {
		return nil, ErrAlreadyClaimed
	}
	return s, err
}

func (m SegmentModel) Heartbeat(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	query := `
		UPDATE segments SET claim_expires_at = $1
		WHERE id = $2 AND state = $3`
	res, err := m.DB.ExecContext(ctx, query, leaseUntil, id, SegmentStateProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m SegmentModel) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return m.finishState(ctx, id, SegmentStateProcessed, nil)
}

func (m SegmentModel) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return m.finishState(ctx, id, SegmentStateFailed, &reason)
}

func (m SegmentModel) finishState(ctx context.Context, id uuid.UUID, state string, reason *string) error {
	query := `
		UPDATE segments
		SET state = $1, failure_code = $2, claim_expires_at = NULL
		WHERE id = $3 AND state = $4`
	res, err := m.DB.ExecContext(ctx, query, state, reason, id, SegmentStateProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (m SegmentModel) ReturnPending(ctx context.Context, id uuid.UUID, attempts int) error {
	query := `
		UPDATE segments
		SET state = $1, claim_expires_at = NULL, attempts = $2
		WHERE id = $3 AND state = $4`
	res, err := m.DB.ExecContext(ctx, query, SegmentStatePending, attempts, id, SegmentStateProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (m SegmentModel) RetryFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE segments
		SET state = $1, failure_code = NULL, attempts = 0
		WHERE id = $2 AND state = $3`
	res, err := m.DB.ExecContext(ctx, query, SegmentStatePending, id, SegmentStateFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m SegmentModel) ListEvictable(ctx context.Context, cutoff, closedGraceCutoff time.Time, limit int) ([]*Segment, error) {
	// A segment pinned by an open/acknowledged event, or by a closed event
	// still inside its grace window, is never evictable.
	query := `
		SELECT ` + segmentColumns + `
		FROM segments s
		WHERE s.ingested_at < $1
		  AND s.state IN ($2, $3)
		  AND NOT EXISTS (
			SELECT 1 FROM event_segments es
			JOIN incident_events e ON e.id = es.event_id
			WHERE es.segment_id = s.id
			  AND (e.status <> $4 OR e.closed_at > $5)
		  )
		ORDER BY s.ingested_at ASC
		LIMIT $6`

	return m.querySegments(ctx, query,
		cutoff, SegmentStateProcessed, SegmentStateFailed, EventStatusClosed, closedGraceCutoff, limit)
}

func (m SegmentModel) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM segments WHERE id = $1`, id)
	return err
}

func (m SegmentModel) querySegments(ctx context.Context, query string, args ...any) ([]*Segment, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
