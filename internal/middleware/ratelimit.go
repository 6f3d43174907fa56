package middleware

import (
	"log"
	"net/http"
	"strconv"

	"github.com/technosupport/ts-ingest/internal/ratelimit"
)

// UploadRateLimit throttles per camera. Fail-open on redis trouble: losing a
// limiter must not take down ingestion.
func UploadRateLimit(limiter *ratelimit.Limiter, cfg ratelimit.LimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cameraID := r.Header.Get("X-Camera-ID")
			if cameraID == "" {
				cameraID = r.RemoteAddr
			}

			decision, err := limiter.Check(r.Context(), "upload:"+cameraID, cfg)
			if err != nil {
				log.Printf("[WARN] ratelimit: %v, allowing request", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
