// Package events turns the per-segment detection stream into deduplicated
// incident events. The correlator owns the only shared mutable structure in
// the pipeline: the open-event index keyed by (camera, category).
package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-ingest/internal/config"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/detections"
	"github.com/technosupport/ts-ingest/internal/metrics"
	"github.com/technosupport/ts-ingest/internal/signals"
)

const shardCount = 64

// PolicyProvider yields the current correlation policy snapshot.
// *config.Config satisfies it.
type PolicyProvider interface {
	Policy() *config.CorrelationPolicy
}

// openEvent is one non-closed incident plus its in-flight correlation state.
type openEvent struct {
	evt    *data.IncidentEvent
	weight float64

	// seen dedupes redelivered detections by (segment id, offset) so a
	// retried segment cannot inflate the count.
	seen   *lru.Cache[string, struct{}]
	pinned map[uuid.UUID]struct{}
}

type Correlator struct {
	repo   data.EventRepository
	policy PolicyProvider
	sink   signals.Publisher

	// Per-key mutual exclusion: one update in flight per (camera, category);
	// unrelated keys proceed in parallel. The sweep takes the same locks, so
	// closing and merging the same event cannot race.
	shards [shardCount]sync.Mutex
	index  sync.Map // key string -> *openEvent, the current merge target
	// parked holds open events displaced from the index by a window gap.
	// They no longer accept merges but stay open until their quiet period
	// elapses or an operator closes them.
	parked sync.Map // key string -> []*openEvent
}

func NewCorrelator(repo data.EventRepository, policy PolicyProvider, sink signals.Publisher) *Correlator {
	return &Correlator{
		repo:   repo,
		policy: policy,
		sink:   sink,
	}
}

func correlationKey(cameraID uuid.UUID, category string) string {
	return cameraID.String() + "|" + category
}

func (c *Correlator) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

// Rebuild reloads the open-event index from storage. Called once at startup;
// seen-sets start empty, so idempotence for detections delivered before the
// restart degrades to the (camera,start) segment dedup upstream.
func (c *Correlator) Rebuild(ctx context.Context) error {
	open, err := c.repo.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("rebuild open index: %w", err)
	}

	pol := c.policy.Policy()
	for _, evt := range open {
		oe := c.newOpenEvent(evt, pol)
		for _, sid := range evt.SegmentIDs {
			oe.pinned[sid] = struct{}{}
		}
		key := correlationKey(evt.CameraID, evt.Category)
		// A key can carry several open events (older ones awaiting their
		// quiet-period close). The most recent is the merge target.
		if v, ok := c.index.Load(key); ok {
			prev := v.(*openEvent)
			if evt.LastSeen.After(prev.evt.LastSeen) {
				c.index.Store(key, oe)
				c.park(key, prev)
			} else {
				c.park(key, oe)
			}
			continue
		}
		c.index.Store(key, oe)
	}
	log.Printf("correlator: rebuilt index with %d open events", len(open))
	return nil
}

func (c *Correlator) newOpenEvent(evt *data.IncidentEvent, pol *config.CorrelationPolicy) *openEvent {
	seen, _ := lru.New[string, struct{}](pol.SeenSetSize)
	return &openEvent{
		evt:    evt,
		weight: pol.Weight(evt.Category),
		seen:   seen,
		pinned: map[uuid.UUID]struct{}{},
	}
}

// Ingest routes one detection: merge into the open event for its
// (camera, category) if the correlation window allows, otherwise open a new
// event. The merge is atomic from a reader's point of view (single UPDATE).
func (c *Correlator) Ingest(ctx context.Context, d *detections.Detection) error {
	pol := c.policy.Policy()
	key := correlationKey(d.CameraID, d.Category)

	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if v, ok := c.index.Load(key); ok {
		oe := v.(*openEvent)
		// Out-of-order delivery: a detection older than lastSeen still
		// belongs to the ongoing incident.
		if d.OccurredAt.Sub(oe.evt.LastSeen) <= pol.Window {
			return c.merge(ctx, oe, d, pol)
		}
		// Gap exceeded: the old event stops being the merge target but stays
		// open until the sweep finds it quiet. The new detection starts a
		// fresh incident.
		c.park(key, oe)
	}

	return c.create(ctx, key, d, pol)
}

// park moves an event out of the merge path. Caller holds the shard lock.
func (c *Correlator) park(key string, oe *openEvent) {
	var list []*openEvent
	if v, ok := c.parked.Load(key); ok {
		list = v.([]*openEvent)
	}
	c.parked.Store(key, append(list, oe))
}

func (c *Correlator) merge(ctx context.Context, oe *openEvent, d *detections.Detection, pol *config.CorrelationPolicy) error {
	seenKey := fmt.Sprintf("%s|%d", d.SegmentID, d.Offset.Milliseconds())
	if _, dup := oe.seen.Get(seenKey); dup {
		metrics.EventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	evt := oe.evt
	evt.DetectionCount++
	if d.Confidence > evt.MaxConfidence {
		evt.MaxConfidence = d.Confidence
	}
	if d.OccurredAt.After(evt.LastSeen) {
		evt.LastSeen = d.OccurredAt
	}

	// Severity never decreases while open, even across policy reloads.
	score := deriveScore(oe.weight, evt.DetectionCount, evt.MaxConfidence)
	if score > evt.Score {
		evt.Score = score
		sev := severityFor(pol, score)
		if severityRank(sev) > severityRank(evt.Severity) {
			evt.Severity = sev
		}
	}

	if err := c.repo.UpdateMerged(ctx, evt); err != nil {
		return fmt.Errorf("merge event %s: %w", evt.ID, err)
	}
	if _, ok := oe.pinned[d.SegmentID]; !ok {
		if err := c.repo.PinSegment(ctx, evt.ID, d.SegmentID); err != nil {
			return fmt.Errorf("pin segment %s: %w", d.SegmentID, err)
		}
		oe.pinned[d.SegmentID] = struct{}{}
		evt.SegmentIDs = append(evt.SegmentIDs, d.SegmentID)
	}
	oe.seen.Add(seenKey, struct{}{})

	metrics.EventsTotal.WithLabelValues("merged").Inc()
	eid := evt.ID
	signals.Emit(c.sink, signals.Signal{
		Kind:     signals.KindIncidentUpdated,
		CameraID: evt.CameraID,
		EventID:  &eid,
		Category: evt.Category,
	})
	return nil
}

func (c *Correlator) create(ctx context.Context, key string, d *detections.Detection, pol *config.CorrelationPolicy) error {
	weight := pol.Weight(d.Category)
	score := deriveScore(weight, 1, d.Confidence)

	evt := &data.IncidentEvent{
		ID:             uuid.New(),
		CameraID:       d.CameraID,
		LocationID:     d.LocationID,
		Category:       d.Category,
		Severity:       severityFor(pol, score),
		Score:          score,
		MaxConfidence:  d.Confidence,
		DetectionCount: 1,
		FirstSeen:      d.OccurredAt,
		LastSeen:       d.OccurredAt,
		Status:         data.EventStatusOpen,
	}

	if err := c.repo.Insert(ctx, evt); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	if err := c.repo.PinSegment(ctx, evt.ID, d.SegmentID); err != nil {
		return fmt.Errorf("pin segment %s: %w", d.SegmentID, err)
	}

	oe := c.newOpenEvent(evt, pol)
	oe.seen.Add(fmt.Sprintf("%s|%d", d.SegmentID, d.Offset.Milliseconds()), struct{}{})
	oe.pinned[d.SegmentID] = struct{}{}
	evt.SegmentIDs = append(evt.SegmentIDs, d.SegmentID)
	c.index.Store(key, oe)

	metrics.EventsTotal.WithLabelValues("created").Inc()
	eid := evt.ID
	signals.Emit(c.sink, signals.Signal{
		Kind:     signals.KindIncidentCreated,
		CameraID: evt.CameraID,
		EventID:  &eid,
		Category: evt.Category,
	})
	return nil
}

// CloseQuiet closes every open event idle for longer than the quiet period,
// parked events included. Runs on the retention cadence, never per detection.
// Returns the number of events closed.
func (c *Correlator) CloseQuiet(ctx context.Context, now time.Time) int {
	pol := c.policy.Policy()
	closed := 0

	c.index.Range(func(k, v any) bool {
		key := k.(string)
		mu := c.lockFor(key)
		mu.Lock()
		// Re-check under the lock: a merge may have landed since Range
		// observed the entry, or the entry may already be gone.
		if cur, ok := c.index.Load(key); ok {
			oe := cur.(*openEvent)
			if now.Sub(oe.evt.LastSeen) > pol.QuietPeriod && c.closeLocked(ctx, key, oe, now) {
				closed++
			}
		}
		mu.Unlock()
		return true
	})

	c.parked.Range(func(k, v any) bool {
		key := k.(string)
		mu := c.lockFor(key)
		mu.Lock()
		if cur, ok := c.parked.Load(key); ok {
			var kept []*openEvent
			for _, oe := range cur.([]*openEvent) {
				if now.Sub(oe.evt.LastSeen) > pol.QuietPeriod {
					if err := c.closeEvent(ctx, oe, now); err != nil {
						// Stays parked; the next sweep retries.
						log.Printf("[ERROR] correlator: close event %s: %v", oe.evt.ID, err)
						kept = append(kept, oe)
						continue
					}
					closed++
					continue
				}
				kept = append(kept, oe)
			}
			if len(kept) == 0 {
				c.parked.Delete(key)
			} else {
				c.parked.Store(key, kept)
			}
		}
		mu.Unlock()
		return true
	})

	return closed
}

// closeEvent finalizes one event in storage. Caller holds the shard lock.
func (c *Correlator) closeEvent(ctx context.Context, oe *openEvent, now time.Time) error {
	closedAt := now.UTC()
	if err := c.repo.SetStatus(ctx, oe.evt.ID, data.EventStatusClosed, &closedAt); err != nil {
		return err
	}
	oe.evt.Status = data.EventStatusClosed
	oe.evt.ClosedAt = &closedAt

	metrics.EventsTotal.WithLabelValues("closed").Inc()
	eid := oe.evt.ID
	signals.Emit(c.sink, signals.Signal{
		Kind:     signals.KindIncidentClosed,
		CameraID: oe.evt.CameraID,
		EventID:  &eid,
		Category: oe.evt.Category,
	})
	return nil
}

// closeLocked closes an indexed event and drops it from the merge path.
// Caller holds the shard lock for key.
func (c *Correlator) closeLocked(ctx context.Context, key string, oe *openEvent, now time.Time) bool {
	if err := c.closeEvent(ctx, oe, now); err != nil {
		// Leave it in the index; the next sweep retries.
		log.Printf("[ERROR] correlator: close event %s: %v", oe.evt.ID, err)
		return false
	}
	c.index.Delete(key)
	return true
}

// CloseManual is the operator close path. It takes the same per-key lock as
// merges so a concurrent detection cannot extend the event mid-close.
func (c *Correlator) CloseManual(ctx context.Context, id uuid.UUID) error {
	var found bool

	c.index.Range(func(k, v any) bool {
		oe := v.(*openEvent)
		if oe.evt.ID != id {
			return true
		}
		key := k.(string)
		mu := c.lockFor(key)
		mu.Lock()
		defer mu.Unlock()
		if cur, ok := c.index.Load(key); ok && cur.(*openEvent).evt.ID == id {
			found = c.closeLocked(ctx, key, cur.(*openEvent), time.Now())
		}
		return false
	})
	if found {
		return nil
	}

	var parkedErr error
	c.parked.Range(func(k, v any) bool {
		hit := false
		for _, oe := range v.([]*openEvent) {
			if oe.evt.ID == id {
				hit = true
				break
			}
		}
		if !hit {
			return true
		}
		key := k.(string)
		mu := c.lockFor(key)
		mu.Lock()
		defer mu.Unlock()
		cur, ok := c.parked.Load(key)
		if !ok {
			return false
		}
		list := cur.([]*openEvent)
		for i, oe := range list {
			if oe.evt.ID != id {
				continue
			}
			if parkedErr = c.closeEvent(ctx, oe, time.Now()); parkedErr == nil {
				list = append(list[:i], list[i+1:]...)
				if len(list) == 0 {
					c.parked.Delete(key)
				} else {
					c.parked.Store(key, list)
				}
				found = true
			}
			break
		}
		return false
	})
	if found {
		return nil
	}
	if parkedErr != nil {
		return parkedErr
	}

	// Not in the index: either unknown or already closed. SetStatus rejects
	// closed rows, so this reports ErrRecordNotFound for both.
	now := time.Now().UTC()
	return c.repo.SetStatus(ctx, id, data.EventStatusClosed, &now)
}

func severityRank(s string) int {
	switch s {
	case data.SeverityCritical:
		return 2
	case data.SeverityWarn:
		return 1
	default:
		return 0
	}
}
