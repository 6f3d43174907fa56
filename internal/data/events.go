package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventModel struct {
	DB DBTX
}

const eventColumns = `id, camera_id, location_id, category, severity, score, max_confidence,
	detection_count, first_seen, last_seen, status, closed_at, is_false_positive`

func scanEvent(row interface{ Scan(...any) error }) (*IncidentEvent, error) {
	var e IncidentEvent
	var closedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.CameraID, &e.LocationID, &e.Category, &e.Severity, &e.Score, &e.MaxConfidence,
		&e.DetectionCount, &e.FirstSeen, &e.LastSeen, &e.Status, &closedAt, &e.FalsePositive,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		e.ClosedAt = &t
	}
	return &e, nil
}

func (m EventModel) Insert(ctx context.Context, e *IncidentEvent) error {
	query := `
		INSERT INTO incident_events (id, camera_id, location_id, category, severity, score,
			max_confidence, detection_count, first_seen, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := m.DB.ExecContext(ctx, query,
		e.ID, e.CameraID, e.LocationID, e.Category, e.Severity, e.Score,
		e.MaxConfidence, e.DetectionCount, e.FirstSeen, e.LastSeen, e.Status,
	)
	return err
}

func (m EventModel) GetByID(ctx context.Context, id uuid.UUID) (*IncidentEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM incident_events WHERE id = $1`
	e, err := scanEvent(m.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	rows, err := m.DB.QueryContext(ctx,
		`SELECT segment_id FROM event_segments WHERE event_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sid uuid.UUID
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		e.SegmentIDs = append(e.SegmentIDs, sid)
	}
	return e, rows.Err()
}

func (m EventModel) List(ctx context.Context, f EventFilter, limit, offset int) ([]*IncidentEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM incident_events WHERE 1=1`
	args := []any{}
	idx := 1

	if f.CameraID != nil {
		query += fmt.Sprintf(" AND camera_id = $%d", idx)
		args = append(args, *f.CameraID)
		idx++
	}
	if f.LocationID != nil {
		query += fmt.Sprintf(" AND location_id = $%d", idx)
		args = append(args, *f.LocationID)
		idx++
	}
	if f.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", idx)
		args = append(args, f.Category)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.From != nil {
		query += fmt.Sprintf(" AND last_seen >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		query += fmt.Sprintf(" AND first_seen < $%d", idx)
		args = append(args, *f.To)
		idx++
	}

	query += fmt.Sprintf(" ORDER BY last_seen DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IncidentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m EventModel) ListOpen(ctx context.Context) ([]*IncidentEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM incident_events WHERE status <> $1`
	rows, err := m.DB.QueryContext(ctx, query, EventStatusClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IncidentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m EventModel) Stats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		ByStatus:   map[string]int{},
		ByCategory: map[string]int{},
	}

	rows, err := m.DB.QueryContext(ctx,
		`SELECT status, category, COUNT(*) FROM incident_events GROUP BY status, category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, category string
		var n int
		if err := rows.Scan(&status, &category, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] += n
		stats.ByCategory[category] += n
		stats.Total += n
	}
	return stats, rows.Err()
}

func (m EventModel) UpdateMerged(ctx context.Context, e *IncidentEvent) error {
	// One UPDATE so a concurrent reader sees the old event or the new one,
	// never a mix. Only open events accept merges.
	query := `
		UPDATE incident_events
		SET last_seen = $1, detection_count = $2, max_confidence = $3, score = $4, severity = $5
		WHERE id = $6 AND status <> $7`

	res, err := m.DB.ExecContext(ctx, query,
		e.LastSeen, e.DetectionCount, e.MaxConfidence, e.Score, e.Severity,
		e.ID, EventStatusClosed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m EventModel) PinSegment(ctx context.Context, eventID, segmentID uuid.UUID) error {
	query := `
		INSERT INTO event_segments (event_id, segment_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id, segment_id) DO NOTHING`
	_, err := m.DB.ExecContext(ctx, query, eventID, segmentID)
	return err
}

func (m EventModel) SetStatus(ctx context.Context, id uuid.UUID, status string, closedAt *time.Time) error {
	// Closed is terminal: only the status field of a closed row would ever
	// change, and we do not allow that either.
	query := `
		UPDATE incident_events
		SET status = $1, closed_at = COALESCE($2, closed_at)
		WHERE id = $3 AND status <> $4`
	res, err := m.DB.ExecContext(ctx, query, status, closedAt, id, EventStatusClosed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m EventModel) SetFalsePositive(ctx context.Context, id uuid.UUID, flag bool) error {
	// An operator label, not a lifecycle transition: closed rows accept it.
	query := `UPDATE incident_events SET is_false_positive = $1 WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, flag, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
