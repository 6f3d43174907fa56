// Package inference is the gateway to the external AI detection service.
// The wire contract is HTTP+JSON: we post a segment reference plus metadata,
// the service answers with raw detections or an explicit empty list.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/metrics"
)

// ErrUnavailable covers timeouts, transport failures and 5xx answers. It is
// retryable; the client has already exhausted its own attempt budget when it
// surfaces this to the caller.
var ErrUnavailable = errors.New("inference service unavailable")

// ErrRejected means the service answered 4xx: retrying the same request
// cannot help.
var ErrRejected = errors.New("inference request rejected")

// RawDetection is the engine-specific payload, passed untouched to the
// normalizer.
type RawDetection struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	OffsetMs   int64    `json:"offset_ms"`
	BBox       *BBox    `json:"bbox,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type inferRequest struct {
	SegmentID uuid.UUID `json:"segment_id"`
	CameraID  uuid.UUID `json:"camera_id"`
	ObjectKey string    `json:"object_key"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

type inferResponse struct {
	Objects []RawDetection `json:"objects"`
}

type Client struct {
	url        string
	httpClient *http.Client

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
}

type Options struct {
	URL         string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Second
	}
	return &Client{
		url:         opts.URL,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

// Infer submits one segment and returns its raw detections. An empty slice is
// a valid "no detections" answer, not an error. Retries with exponential
// backoff and jitter; returns ErrUnavailable once attempts are exhausted.
func (c *Client) Infer(ctx context.Context, seg *data.Segment) ([]RawDetection, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		dets, err := c.inferOnce(ctx, seg)
		if err == nil {
			metrics.InferenceAttemptsTotal.WithLabelValues("ok").Inc()
			return dets, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return nil, err
		}

		metrics.InferenceAttemptsTotal.WithLabelValues("unavailable").Inc()
		log.Printf("[WARN] inference: attempt %d/%d for segment %s: %v",
			attempt+1, c.maxRetries+1, seg.ID, err)
		lastErr = err
	}

	metrics.InferenceAttemptsTotal.WithLabelValues("exhausted").Inc()
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) inferOnce(ctx context.Context, seg *data.Segment) ([]RawDetection, error) {
	body, err := json.Marshal(inferRequest{
		SegmentID: seg.ID,
		CameraID:  seg.CameraID,
		ObjectKey: seg.ObjectKey,
		StartedAt: seg.StartedAt,
		EndedAt:   seg.EndedAt,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.InferenceLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("inference returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx is not retryable: the request itself is bad
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, msg)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Objects, nil
}

// backoff returns base*2^(attempt-1) capped at max, with up to 25% jitter to
// avoid retry alignment across workers.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
