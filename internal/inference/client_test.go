package inference_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/inference"
)

func testSeg() *data.Segment {
	now := time.Now().UTC()
	return &data.Segment{
		ID:        uuid.New(),
		CameraID:  uuid.New(),
		ObjectKey: "segments/x/y.mp4",
		StartedAt: now.Add(-10 * time.Second),
		EndedAt:   now,
	}
}

func newClient(url string, retries int) *inference.Client {
	return inference.NewClient(inference.Options{
		URL:         url,
		Timeout:     time.Second,
		MaxRetries:  retries,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
}

func TestInfer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("Missing content type")
		}
		w.Write([]byte(`{"objects":[{"label":"person","confidence":0.91,"offset_ms":1200}]}`))
	}))
	defer srv.Close()

	dets, err := newClient(srv.URL, 2).Infer(context.Background(), testSeg())
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != "person" || dets[0].OffsetMs != 1200 {
		t.Errorf("Unexpected detections: %+v", dets)
	}
}

// An explicit empty list is a valid answer, not an error.
func TestInfer_EmptyDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"objects":[]}`))
	}))
	defer srv.Close()

	dets, err := newClient(srv.URL, 0).Infer(context.Background(), testSeg())
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %d", len(dets))
	}
}

// 5xx is retried; a later success recovers.
func TestInfer_RetriesThenRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"objects":[]}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 3).Infer(context.Background(), testSeg())
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

// Attempts exhausted against a persistent 5xx.
func TestInfer_Exhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 2).Infer(context.Background(), testSeg())
	if !errors.Is(err, inference.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}

// 4xx is terminal: no retry.
func TestInfer_RejectedNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 3).Infer(context.Background(), testSeg())
	if !errors.Is(err, inference.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}

// Transport failure counts as unavailable.
func TestInfer_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refused connections from here on

	_, err := newClient(srv.URL, 1).Infer(context.Background(), testSeg())
	if !errors.Is(err, inference.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
