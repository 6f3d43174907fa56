package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/technosupport/ts-ingest/internal/middleware"
	"github.com/technosupport/ts-ingest/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
}

func TestUploadRateLimit_PerCamera(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb)
	handler := middleware.UploadRateLimit(limiter, ratelimit.LimitConfig{Rate: 2, Window: time.Minute})(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/segments", nil)
	req.Header.Set("X-Camera-ID", "11111111-1111-1111-1111-111111111111")

	// 1. Allow
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// 2. Allow
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// 3. Block
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("Expected remaining 0")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	// Another camera is unaffected.
	req2 := httptest.NewRequest("POST", "/api/v1/segments", nil)
	req2.Header.Set("X-Camera-ID", "22222222-2222-2222-2222-222222222222")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req2)
	if w.Code != 200 {
		t.Errorf("Second camera blocked: %d", w.Code)
	}
}

func TestUploadRateLimit_RedisDown_FailOpen(t *testing.T) {
	mr, _ := miniredis.Run()
	addr := mr.Addr()
	mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	limiter := ratelimit.NewLimiter(rdb)
	handler := middleware.UploadRateLimit(limiter, ratelimit.LimitConfig{Rate: 1, Window: time.Second})(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/segments", nil)
	req.Header.Set("X-Camera-ID", "cam-1")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200 (fail open), got %d", w.Code)
	}
}

func TestUploadRateLimit_FallsBackToRemoteAddr(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb)
	handler := middleware.UploadRateLimit(limiter, ratelimit.LimitConfig{Rate: 1, Window: time.Minute})(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/segments", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("Expected 429 keyed by remote addr, got %d", w.Code)
	}
}
