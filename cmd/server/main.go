package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-ingest/internal/api"
	"github.com/technosupport/ts-ingest/internal/blobstore"
	"github.com/technosupport/ts-ingest/internal/config"
	"github.com/technosupport/ts-ingest/internal/data"
	"github.com/technosupport/ts-ingest/internal/events"
	"github.com/technosupport/ts-ingest/internal/inference"
	"github.com/technosupport/ts-ingest/internal/middleware"
	"github.com/technosupport/ts-ingest/internal/pipeline"
	"github.com/technosupport/ts-ingest/internal/ratelimit"
	"github.com/technosupport/ts-ingest/internal/retention"
	"github.com/technosupport/ts-ingest/internal/segments"
	"github.com/technosupport/ts-ingest/internal/signals"
)

const serviceName = "TS-Ingest"

func main() {
	// 1. Config
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.StartWatcher(ctx)

	// 2. DB Init
	dbHost := os.Getenv("DB_HOST")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbHost == "" {
		dbHost = "localhost"
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	// 3. External clients
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	var sink signals.Publisher = signals.NopPublisher{}
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("[WARN] NATS connect failed: %v. Observability signals disabled.", err)
	} else {
		defer nc.Close()
		sink = signals.NewNATSPublisher(nc, cfg.SubjectPrefix, cfg.PublishRetryMax)
	}

	blobs, err := blobstore.NewMinioStore(blobstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("Blob store error: %v", err)
	}

	// 4. Components
	segRepo := data.SegmentModel{DB: db}
	evtRepo := data.EventModel{DB: db}

	segService := segments.NewService(segRepo, blobs, sink, cfg.MaxCapacityBytes, cfg.MaxAttempts)

	correlator := events.NewCorrelator(evtRepo, cfg, sink)
	if err := correlator.Rebuild(ctx); err != nil {
		log.Fatalf("Correlator rebuild error: %v", err)
	}
	evtService := events.NewService(evtRepo, correlator)

	inferClient := inference.NewClient(inference.Options{
		URL:         cfg.InferenceURL,
		Timeout:     cfg.InferenceTimeout,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})

	orchestrator := pipeline.NewOrchestrator(pipeline.Config{
		Workers:           cfg.Workers,
		ClaimBatch:        cfg.ClaimBatch,
		ClaimLease:        cfg.ClaimLease,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		MaxAttempts:       cfg.MaxAttempts,
	}, segRepo, inferClient, correlator, cfg, sink)
	orchestrator.Start()
	defer orchestrator.Stop()

	enforcer := retention.NewEnforcer(retention.Config{
		Interval:         cfg.SweepInterval,
		SegmentRetention: cfg.SegmentRetention,
		ClosedGrace:      cfg.ClosedGrace,
		BatchSize:        cfg.RetentionBatchSize,
	}, segRepo, blobs, correlator)
	enforcer.Start()
	defer enforcer.Stop()

	// 5. HTTP surface
	limiter := ratelimit.NewLimiter(rdb)
	uploadLimit := middleware.UploadRateLimit(limiter, ratelimit.LimitConfig{
		Rate:   cfg.RateLimitRate,
		Window: cfg.RateLimitWindow,
	})

	router := api.NewRouter(api.RouterConfig{
		SegmentHandler: api.NewSegmentHandler(segService),
		EventHandler:   api.NewEventHandler(evtService),
		UploadLimiter:  uploadLimit,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Printf("%s listening on %s", serviceName, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	srv.Shutdown(context.Background())
}
