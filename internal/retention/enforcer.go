// Package retention runs the background lifecycle sweep: quiet-period event
// closure and segment eviction. Events are never hard-deleted here; archival
// is an external concern.
package retention

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-ingest/internal/blobstore"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/events"
	"github.com/technosupport/ts-ingest/internal/metrics"
)

type Config struct {
	Interval         time.Duration
	SegmentRetention time.Duration
	ClosedGrace      time.Duration
	BatchSize        int
}

type Enforcer struct {
	config     Config
	segments   data.SegmentRepository
	blobs      blobstore.Store
	correlator *events.Correlator

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewEnforcer(cfg Config, segments data.SegmentRepository, blobs blobstore.Store, correlator *events.Correlator) *Enforcer {
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Enforcer{
		config:     cfg,
		segments:   segments,
		blobs:      blobs,
		correlator: correlator,
		quit:       make(chan struct{}),
	}
}

// Start initiates the sweep loop
func (e *Enforcer) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Enforcer) Stop() {
	close(e.quit)
	e.wg.Wait()
}

func (e *Enforcer) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep(context.Background(), time.Now().UTC())
		case <-e.quit:
			return
		}
	}
}

// Sweep performs one retention pass. Order matters: quiet events are closed
// first so their closed_at starts the grace clock before eviction looks at
// the pin table.
func (e *Enforcer) Sweep(ctx context.Context, now time.Time) {
	if n := e.correlator.CloseQuiet(ctx, now); n > 0 {
		log.Printf("retention: closed %d quiet events", n)
	}

	cutoff := now.Add(-e.config.SegmentRetention)
	graceCutoff := now.Add(-e.config.ClosedGrace)

	evictable, err := e.segments.ListEvictable(ctx, cutoff, graceCutoff, e.config.BatchSize)
	if err != nil {
		log.Printf("[ERROR] retention: list evictable: %v", err)
		return
	}
	if len(evictable) == 0 {
		return
	}

	deleted := 0
	for _, seg := range evictable {
		// Blob first. If the row delete fails the next sweep retries and the
		// blob delete is a no-op; the reverse order would leak objects.
		if err := e.blobs.Delete(ctx, seg.ObjectKey); err != nil {
			log.Printf("[ERROR] retention: delete blob %s: %v", seg.ObjectKey, err)
			continue
		}
		if err := e.segments.Delete(ctx, seg.ID); err != nil {
			log.Printf("[ERROR] retention: delete segment %s: %v", seg.ID, err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		metrics.RetentionDeletedTotal.Add(float64(deleted))
		log.Printf("retention: evicted %d/%d segments past %v", deleted, len(evictable), e.config.SegmentRetention)
	}
}
