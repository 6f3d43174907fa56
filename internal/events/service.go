package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/data"
)

// Service is the read/operator surface over incident events. Mutations that
// touch correlation state go through the Correlator so they hold the per-key
// locks.
type Service struct {
	repo       data.EventRepository
	correlator *Correlator
}

func NewService(repo data.EventRepository, correlator *Correlator) *Service {
	return &Service{repo: repo, correlator: correlator}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*data.IncidentEvent, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f data.EventFilter, limit, offset int) ([]*data.IncidentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (*data.EventStats, error) {
	return s.repo.Stats(ctx)
}

// Acknowledge flags an event as seen by an operator. The event stays in the
// correlation index: acknowledged events still accept merges until closed.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetStatus(ctx, id, data.EventStatusAcknowledged, nil)
}

// Close is the operator early-close path.
func (s *Service) Close(ctx context.Context, id uuid.UUID) error {
	return s.correlator.CloseManual(ctx, id)
}

// MarkFalsePositive sets or clears the operator false-positive label. The
// label never touches correlation state, so closed events accept it too.
func (s *Service) MarkFalsePositive(ctx context.Context, id uuid.UUID, flag bool) error {
	return s.repo.SetFalsePositive(ctx, id, flag)
}
