// Package pipeline drives segments through inference, normalization and
// correlation with a fixed worker pool. Claiming via the store CAS is the
// only cross-worker serialization; one segment is never split across workers.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/config"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/detections"
	"github.com/technosupport/ts-ingest/internal/inference"
	"github.com/technosupport/ts-ingest/internal/metrics"
	"github.com/technosupport/ts-ingest/internal/signals"
)

// Failure reason codes surfaced to operators on failed segments.
const (
	ReasonInferenceExhausted = "inference_exhausted"
	ReasonInferenceRejected  = "inference_rejected"
	ReasonInternal           = "internal_error"
)

// Inferrer is satisfied by *inference.Client.
type Inferrer interface {
	Infer(ctx context.Context, seg *data.Segment) ([]inference.RawDetection, error)
}

// Correlator is satisfied by *events.Correlator.
type Correlator interface {
	Ingest(ctx context.Context, d *detections.Detection) error
}

type Config struct {
	Workers           int
	ClaimBatch        int
	ClaimLease        time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxAttempts       int
}

type Orchestrator struct {
	cfg        Config
	segments   data.SegmentRepository
	inferrer   Inferrer
	correlator Correlator
	policy     *config.Config
	sink       signals.Publisher

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewOrchestrator(cfg Config, segments data.SegmentRepository, inferrer Inferrer, correlator Correlator, policy *config.Config, sink signals.Publisher) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = cfg.Workers * 4
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = cfg.ClaimLease / 4
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		cfg:        cfg,
		segments:   segments,
		inferrer:   inferrer,
		correlator: correlator,
		policy:     policy,
		sink:       sink,
		quit:       make(chan struct{}),
	}
}

func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.run()
}

func (o *Orchestrator) Stop() {
	close(o.quit)
	o.wg.Wait()
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	// Backpressure comes from the pool size and the claim batch bound, not
	// from blocking ingestion: the queue channel is bounded and the dispatch
	// push is non-blocking.
	jobs := make(chan *data.Segment, o.cfg.Workers*2)

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(jobs)
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.dispatch(jobs)

	for {
		select {
		case <-ticker.C:
			o.dispatch(jobs)
		case <-o.quit:
			close(jobs)
			return
		}
	}
}

func (o *Orchestrator) dispatch(jobs chan<- *data.Segment) {
	ctx := context.Background()

	claimable, err := o.segments.ListClaimable(ctx, o.cfg.ClaimBatch)
	if err != nil {
		log.Printf("[ERROR] pipeline: list claimable: %v", err)
		return
	}

	for _, seg := range claimable {
		select {
		case jobs <- seg:
		default:
			// Queue full. The segment stays pending and a later poll picks
			// it up; lag is absorbed by the pending queue.
			return
		}
	}
}

func (o *Orchestrator) worker(jobs <-chan *data.Segment) {
	defer o.wg.Done()

	for seg := range jobs {
		ctx := context.Background()

		claimed, err := o.segments.Claim(ctx, seg.ID, time.Now().UTC().Add(o.cfg.ClaimLease))
		if err != nil {
			if errors.Is(err, data.ErrAlreadyClaimed) {
				// Expected race with another worker. Next item.
				metrics.SegmentClaimsTotal.WithLabelValues("lost").Inc()
				continue
			}
			log.Printf("[ERROR] pipeline: claim %s: %v", seg.ID, err)
			continue
		}
		metrics.SegmentClaimsTotal.WithLabelValues("won").Inc()

		metrics.WorkersBusy.Inc()
		o.process(ctx, claimed)
		metrics.WorkersBusy.Dec()
	}
}

// process owns one claimed segment end to end.
func (o *Orchestrator) process(ctx context.Context, seg *data.Segment) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(hbCtx, seg.ID)

	raw, err := o.inferrer.Infer(ctx, seg)
	if err != nil {
		o.handleInferenceFailure(ctx, seg, err)
		return
	}

	pol := o.policy.Policy()
	normalized := 0
	for _, r := range raw {
		det, err := detections.Normalize(seg, r, pol)
		if err != nil {
			// Per-detection isolation: drop, log, signal, keep going.
			metrics.DetectionsTotal.WithLabelValues("dropped").Inc()
			log.Printf("[DEBUG] pipeline: segment %s: %v", seg.ID, err)
			sid := seg.ID
			signals.Emit(o.sink, signals.Signal{
				Kind:      signals.KindDetectionDropped,
				CameraID:  seg.CameraID,
				SegmentID: &sid,
				Reason:    err.Error(),
			})
			continue
		}
		metrics.DetectionsTotal.WithLabelValues("normalized").Inc()

		if err := o.correlator.Ingest(ctx, det); err != nil {
			// Correlation failure is a storage problem, not a detection
			// problem. Return the segment for another attempt.
			log.Printf("[ERROR] pipeline: correlate segment %s: %v", seg.ID, err)
			o.returnOrFail(ctx, seg, ReasonInternal)
			return
		}
		normalized++
	}

	if err := o.segments.MarkProcessed(ctx, seg.ID); err != nil && !errors.Is(err, data.ErrAlreadyClaimed) {
		log.Printf("[ERROR] pipeline: mark processed %s: %v", seg.ID, err)
		return
	}
	metrics.SegmentsProcessedTotal.WithLabelValues("processed").Inc()
	log.Printf("pipeline: segment %s processed, %d/%d detections accepted", seg.ID, normalized, len(raw))
}

func (o *Orchestrator) heartbeat(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.segments.Heartbeat(ctx, id, time.Now().UTC().Add(o.cfg.ClaimLease)); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("[WARN] pipeline: heartbeat %s: %v", id, err)
				}
				return
			}
		}
	}
}

func (o *Orchestrator) handleInferenceFailure(ctx context.Context, seg *data.Segment, inferErr error) {
	reason := ReasonInferenceExhausted
	if errors.Is(inferErr, inference.ErrRejected) {
		reason = ReasonInferenceRejected
	}

	if errors.Is(inferErr, inference.ErrUnavailable) && seg.Attempts < o.cfg.MaxAttempts {
		// Retries remain: back to pending, the lease is released.
		if err := o.segments.ReturnPending(ctx, seg.ID, seg.Attempts); err != nil && !errors.Is(err, data.ErrAlreadyClaimed) {
			log.Printf("[ERROR] pipeline: return pending %s: %v", seg.ID, err)
		}
		return
	}

	o.failSegment(ctx, seg, reason)
}

func (o *Orchestrator) returnOrFail(ctx context.Context, seg *data.Segment, reason string) {
	if seg.Attempts < o.cfg.MaxAttempts {
		if err := o.segments.ReturnPending(ctx, seg.ID, seg.Attempts); err != nil && !errors.Is(err, data.ErrAlreadyClaimed) {
			log.Printf("[ERROR] pipeline: return pending %s: %v", seg.ID, err)
		}
		return
	}
	o.failSegment(ctx, seg, reason)
}

// failSegment is terminal: the segment contributed zero events and is
// surfaced to operators, never silently dropped.
func (o *Orchestrator) failSegment(ctx context.Context, seg *data.Segment, reason string) {
	if err := o.segments.MarkFailed(ctx, seg.ID, reason); err != nil && !errors.Is(err, data.ErrAlreadyClaimed) {
		log.Printf("[ERROR] pipeline: mark failed %s: %v", seg.ID, err)
		return
	}

	metrics.SegmentsProcessedTotal.WithLabelValues("failed").Inc()
	log.Printf("[WARN] pipeline: segment %s failed: %s", seg.ID, reason)

	sid := seg.ID
	kind := signals.KindSegmentFailed
	if reason == ReasonInferenceExhausted {
		kind = signals.KindInferenceExhausted
	}
	signals.Emit(o.sink, signals.Signal{
		Kind:      kind,
		CameraID:  seg.CameraID,
		SegmentID: &sid,
		Reason:    reason,
	})
}
