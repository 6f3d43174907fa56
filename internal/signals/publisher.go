// Package signals delivers structured pipeline signals to the external
// observability sink over NATS. Delivery is best-effort with bounded retry;
// a lost signal never fails the operation that produced it.
package signals

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	KindSegmentFailed      = "segment.failed"
	KindDetectionDropped   = "detection.dropped"
	KindStorageFull        = "storage.full"
	KindInferenceExhausted = "inference.exhausted"

	KindIncidentCreated = "incident.created"
	KindIncidentUpdated = "incident.updated"
	KindIncidentClosed  = "incident.closed"
)

type Signal struct {
	Kind       string     `json:"kind"`
	CameraID   uuid.UUID  `json:"camera_id,omitempty"`
	SegmentID  *uuid.UUID `json:"segment_id,omitempty"`
	EventID    *uuid.UUID `json:"event_id,omitempty"`
	Category   string     `json:"category,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher is satisfied by NATSPublisher and by NopPublisher for tests and
// NATS-less deployments.
type Publisher interface {
	Publish(sig Signal) error
}

type NATSPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, subject string, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
	}
}

func (p *NATSPublisher) Publish(sig Signal) error {
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := p.subject + "." + sig.Kind
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

type NopPublisher struct{}

func (NopPublisher) Publish(Signal) error { return nil }

// Emit publishes and logs on failure. Used by callers that must not fail on
// sink trouble.
func Emit(p Publisher, sig Signal) {
	if p == nil {
		return
	}
	if err := p.Publish(sig); err != nil {
		log.Printf("[WARN] signals: drop %s: %v", sig.Kind, err)
	}
}
