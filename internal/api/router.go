package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-ingest/internal/middleware"
)

type RouterConfig struct {
	SegmentHandler *SegmentHandler
	EventHandler   *EventHandler

	// UploadLimiter is optional; nil disables rate limiting (tests, dev).
	UploadLimiter func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/segments", func(r chi.Router) {
			if cfg.UploadLimiter != nil {
				r.With(cfg.UploadLimiter).Post("/", cfg.SegmentHandler.Upload)
			} else {
				r.Post("/", cfg.SegmentHandler.Upload)
			}
			r.Get("/", cfg.SegmentHandler.List)
			r.Get("/{id}", cfg.SegmentHandler.Get)
			r.Get("/{id}/download", cfg.SegmentHandler.Download)
			r.Post("/{id}/retry", cfg.SegmentHandler.Retry)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", cfg.EventHandler.List)
			r.Get("/stats", cfg.EventHandler.Stats)
			r.Get("/{id}", cfg.EventHandler.Get)
			r.Post("/{id}/ack", cfg.EventHandler.Acknowledge)
			r.Post("/{id}/close", cfg.EventHandler.Close)
			r.Post("/{id}/false-positive", cfg.EventHandler.FalsePositive)
		})
	})

	return r
}
