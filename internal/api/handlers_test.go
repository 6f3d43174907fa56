package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-ingest/internal/api"
	"github.com/technosupport/ts-ingest/internal/blobstore"
	"github.com/technosupport/ts-ingest/internal/config"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/detections"
	"github.com/technosupport/ts-ingest/internal/events"
	"github.com/technosupport/ts-ingest/internal/segments"
	"github.com/technosupport/ts-ingest/internal/signals"
)

// In-memory repositories backing the full router.

type memSegmentRepo struct {
	mu       sync.Mutex
	segments map[uuid.UUID]*data.Segment
	byKey    map[string]uuid.UUID
}

func newMemSegmentRepo() *memSegmentRepo {
	return &memSegmentRepo{segments: map[uuid.UUID]*data.Segment{}, byKey: map[string]uuid.UUID{}}
}

func segKey(cameraID uuid.UUID, startedAt time.Time) string {
	return cameraID.String() + "|" + startedAt.UTC().Format(time.RFC3339Nano)
}

func (m *memSegmentRepo) Insert(ctx context.Context, s *data.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := segKey(s.CameraID, s.StartedAt)
	if _, ok := m.byKey[k]; ok {
		return data.ErrSegmentConflict
	}
	cp := *s
	m.segments[s.ID] = &cp
	m.byKey[k] = s.ID
	return nil
}

func (m *memSegmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSegmentRepo) GetByCameraStart(ctx context.Context, cameraID uuid.UUID, startedAt time.Time) (*data.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[segKey(cameraID, startedAt)]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *m.segments[id]
	return &cp, nil
}

func (m *memSegmentRepo) List(ctx context.Context, f data.SegmentFilter, limit, offset int) ([]*data.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.Segment
	for _, s := range m.segments {
		if f.CameraID != nil && s.CameraID != *f.CameraID {
			continue
		}
		if f.State != "" && s.State != f.State {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memSegmentRepo) TotalStoredBytes(ctx context.Context) (int64, error) { return 0, nil }
func (m *memSegmentRepo) ListClaimable(ctx context.Context, limit int) ([]*data.Segment, error) {
	return nil, nil
}
func (m *memSegmentRepo) Claim(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*data.Segment, error) {
	return nil, data.ErrAlreadyClaimed
}
func (m *memSegmentRepo) Heartbeat(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	return nil
}
func (m *memSegmentRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error { return nil }
func (m *memSegmentRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return nil
}
func (m *memSegmentRepo) ReturnPending(ctx context.Context, id uuid.UUID, attempts int) error {
	return nil
}

func (m *memSegmentRepo) RetryFailed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[id]
	if !ok || s.State != data.SegmentStateFailed {
		return data.ErrRecordNotFound
	}
	s.State = data.SegmentStatePending
	s.Attempts = 0
	return nil
}

func (m *memSegmentRepo) ListEvictable(ctx context.Context, cutoff, closedGraceCutoff time.Time, limit int) ([]*data.Segment, error) {
	return nil, nil
}
func (m *memSegmentRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

type memEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*data.IncidentEvent
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: map[uuid.UUID]*data.IncidentEvent{}}
}

func (m *memEventRepo) Insert(ctx context.Context, e *data.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.IncidentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEventRepo) List(ctx context.Context, f data.EventFilter, limit, offset int) ([]*data.IncidentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.IncidentEvent
	for _, e := range m.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memEventRepo) ListOpen(ctx context.Context) ([]*data.IncidentEvent, error) {
	return m.List(ctx, data.EventFilter{Status: data.EventStatusOpen}, 0, 0)
}

func (m *memEventRepo) Stats(ctx context.Context) (*data.EventStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &data.EventStats{ByStatus: map[string]int{}, ByCategory: map[string]int{}}
	for _, e := range m.events {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByCategory[e.Category]++
	}
	return stats, nil
}

func (m *memEventRepo) UpdateMerged(ctx context.Context, e *data.IncidentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[e.ID]
	if !ok || cur.Status == data.EventStatusClosed {
		return data.ErrRecordNotFound
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memEventRepo) PinSegment(ctx context.Context, eventID, segmentID uuid.UUID) error {
	return nil
}

func (m *memEventRepo) SetStatus(ctx context.Context, id uuid.UUID, status string, closedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status == data.EventStatusClosed {
		return data.ErrRecordNotFound
	}
	e.Status = status
	if closedAt != nil {
		t := *closedAt
		e.ClosedAt = &t
	}
	return nil
}

func (m *memEventRepo) SetFalsePositive(ctx context.Context, id uuid.UUID, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	e.FalsePositive = flag
	return nil
}

type stubPolicy struct{ pol *config.CorrelationPolicy }

func (s stubPolicy) Policy() *config.CorrelationPolicy { return s.pol }

type testEnv struct {
	router     http.Handler
	segRepo    *memSegmentRepo
	evtRepo    *memEventRepo
	correlator *events.Correlator
}

func newTestEnv() *testEnv {
	segRepo := newMemSegmentRepo()
	evtRepo := newMemEventRepo()

	pol := stubPolicy{&config.CorrelationPolicy{
		Window:            10 * time.Second,
		QuietPeriod:       30 * time.Second,
		SeenSetSize:       64,
		WarnThreshold:     0.5,
		CriticalThreshold: 1.5,
		Categories:        map[string]float64{"person": 1.0},
	}}

	segSvc := segments.NewService(segRepo, blobstore.NewMemoryStore(), signals.NopPublisher{}, 0, 3)
	correlator := events.NewCorrelator(evtRepo, pol, signals.NopPublisher{})
	evtSvc := events.NewService(evtRepo, correlator)

	router := api.NewRouter(api.RouterConfig{
		SegmentHandler: api.NewSegmentHandler(segSvc),
		EventHandler:   api.NewEventHandler(evtSvc),
	})

	return &testEnv{router: router, segRepo: segRepo, evtRepo: evtRepo, correlator: correlator}
}

func uploadRequest(cameraID uuid.UUID, start time.Time, body []byte) *http.Request {
	req := httptest.NewRequest("POST", "/api/v1/segments", bytes.NewReader(body))
	req.Header.Set("X-Camera-ID", cameraID.String())
	req.Header.Set("X-Location-ID", uuid.New().String())
	req.Header.Set("X-Recording-Start", start.Format(time.RFC3339))
	req.Header.Set("X-Recording-End", start.Add(10*time.Second).Format(time.RFC3339))
	return req
}

// 1. Upload happy path.
func TestUpload_Created(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(uuid.New(), time.Now().UTC(), []byte("video")))

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["state"] != "pending" {
		t.Errorf("Expected pending state, got %v", resp["state"])
	}
}

// 2. Identical re-upload answers 200 with the existing record.
func TestUpload_DuplicateReturns200(t *testing.T) {
	env := newTestEnv()
	camera := uuid.New()
	start := time.Now().UTC().Truncate(time.Second)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(camera, start, []byte("same")))
	if w.Code != http.StatusCreated {
		t.Fatalf("First upload: %d", w.Code)
	}
	var first map[string]any
	json.Unmarshal(w.Body.Bytes(), &first)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(camera, start, []byte("same")))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for duplicate, got %d", w.Code)
	}
	var second map[string]any
	json.Unmarshal(w.Body.Bytes(), &second)
	if first["id"] != second["id"] {
		t.Error("Duplicate must return the original record")
	}
}

// 3. Same key, different bytes: conflict.
func TestUpload_Conflict(t *testing.T) {
	env := newTestEnv()
	camera := uuid.New()
	start := time.Now().UTC().Truncate(time.Second)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(camera, start, []byte("one")))
	if w.Code != http.StatusCreated {
		t.Fatalf("First upload: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(camera, start, []byte("two")))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

// 4. Header validation.
func TestUpload_BadHeaders(t *testing.T) {
	env := newTestEnv()

	req := uploadRequest(uuid.New(), time.Now().UTC(), []byte("x"))
	req.Header.Set("X-Recording-Start", "yesterday")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	req = uploadRequest(uuid.New(), time.Now().UTC(), []byte("x"))
	req.Header.Del("X-Camera-ID")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without camera id, got %d", w.Code)
	}
}

// 5. Empty body rejected.
func TestUpload_EmptyBody(t *testing.T) {
	env := newTestEnv()
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(uuid.New(), time.Now().UTC(), nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// 6. Segment lookup and download.
func TestSegment_GetAndDownload(t *testing.T) {
	env := newTestEnv()
	camera := uuid.New()

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(camera, time.Now().UTC(), []byte("payload")))
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	id := created["id"].(string)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/segments/"+id, nil))
	if w.Code != http.StatusOK {
		t.Errorf("Get: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/segments/"+id+"/download", nil))
	if w.Code != http.StatusOK || w.Body.String() != "payload" {
		t.Errorf("Download: %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/segments/"+uuid.New().String(), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Unknown id: %d", w.Code)
	}
}

// 7. Retry only applies to failed segments.
func TestSegment_Retry(t *testing.T) {
	env := newTestEnv()

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(uuid.New(), time.Now().UTC(), []byte("x")))
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	id := created["id"].(string)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/segments/"+id+"/retry", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for pending segment, got %d", w.Code)
	}

	sid := uuid.MustParse(id)
	env.segRepo.mu.Lock()
	env.segRepo.segments[sid].State = data.SegmentStateFailed
	env.segRepo.mu.Unlock()

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/segments/"+id+"/retry", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", w.Code)
	}
}

func ingestDetection(t *testing.T, env *testEnv) uuid.UUID {
	t.Helper()
	err := env.correlator.Ingest(context.Background(), &detections.Detection{
		SegmentID:  uuid.New(),
		CameraID:   uuid.New(),
		LocationID: uuid.New(),
		Category:   "person",
		Confidence: 0.9,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	open, _ := env.evtRepo.ListOpen(context.Background())
	if len(open) != 1 {
		t.Fatalf("Expected 1 open event, got %d", len(open))
	}
	return open[0].ID
}

// 8. Event read surface.
func TestEvents_ListGetStats(t *testing.T) {
	env := newTestEnv()
	id := ingestDetection(t, env)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/events/?status=open", nil))
	if w.Code != http.StatusOK {
		t.Errorf("List: %d", w.Code)
	}
	var list map[string][]map[string]any
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list["items"]) != 1 {
		t.Errorf("Expected 1 event, got %d", len(list["items"]))
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/events/"+id.String(), nil))
	if w.Code != http.StatusOK {
		t.Errorf("Get: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/events/stats", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Stats: %d", w.Code)
	}
	var stats map[string]any
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats["total"].(float64) != 1 {
		t.Errorf("Stats total: %v", stats["total"])
	}
}

// 9. Acknowledge then close; close is terminal.
func TestEvents_AckAndClose(t *testing.T) {
	env := newTestEnv()
	id := ingestDetection(t, env)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+id.String()+"/ack", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Ack: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+id.String()+"/close", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Close: %d", w.Code)
	}

	// Closed is terminal.
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+id.String()+"/ack", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Ack after close: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+uuid.New().String()+"/close", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Close unknown: %d", w.Code)
	}
}

// 10. Operator false-positive labelling, including on closed events.
func TestEvents_FalsePositive(t *testing.T) {
	env := newTestEnv()
	id := ingestDetection(t, env)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+id.String()+"/false-positive", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Mark: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/events/"+id.String(), nil))
	var evt map[string]any
	json.Unmarshal(w.Body.Bytes(), &evt)
	if evt["is_false_positive"] != true {
		t.Errorf("Label not set: %v", evt["is_false_positive"])
	}

	// The label survives close and can still be cleared afterwards.
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+id.String()+"/close", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Close: %d", w.Code)
	}

	body := bytes.NewReader([]byte(`{"is_false_positive": false}`))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+id.String()+"/false-positive", body))
	if w.Code != http.StatusOK {
		t.Fatalf("Clear after close: %d", w.Code)
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/events/"+id.String(), nil))
	json.Unmarshal(w.Body.Bytes(), &evt)
	if evt["is_false_positive"] != false {
		t.Errorf("Label not cleared: %v", evt["is_false_positive"])
	}

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/events/"+uuid.New().String()+"/false-positive", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Unknown id: %d", w.Code)
	}
}
