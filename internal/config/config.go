package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors config/default.yaml. Durations are plain ints with
// explicit units in the key name; Load converts them.
type fileConfig struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	Storage struct {
		MaxCapacityBytes  int64  `yaml:"max_capacity_bytes"`
		SegmentRetentionS int    `yaml:"segment_retention_s"`
		ClosedGraceS      int    `yaml:"closed_grace_s"`
		MinioEndpoint     string `yaml:"minio_endpoint"`
		MinioBucket       string `yaml:"minio_bucket"`
		MinioUseSSL       bool   `yaml:"minio_use_ssl"`
	} `yaml:"storage"`

	Pipeline struct {
		Workers            int `yaml:"workers"`
		ClaimBatch         int `yaml:"claim_batch"`
		ClaimLeaseS        int `yaml:"claim_lease_s"`
		HeartbeatIntervalS int `yaml:"heartbeat_interval_s"`
		PollIntervalMs     int `yaml:"poll_interval_ms"`
		MaxAttempts        int `yaml:"max_attempts"`
	} `yaml:"pipeline"`

	Inference struct {
		URL           string `yaml:"url"`
		TimeoutMs     int    `yaml:"timeout_ms"`
		MaxRetries    int    `yaml:"max_retries"`
		BackoffBaseMs int    `yaml:"backoff_base_ms"`
		BackoffMaxMs  int    `yaml:"backoff_max_ms"`
	} `yaml:"inference"`

	Correlation struct {
		WindowS           int              `yaml:"window_s"`
		QuietPeriodS      int              `yaml:"quiet_period_s"`
		SeenSetSize       int              `yaml:"seen_set_size"`
		WarnThreshold     float64          `yaml:"warn_threshold"`
		CriticalThreshold float64          `yaml:"critical_threshold"`
		Categories        []CategoryConfig `yaml:"categories"`
	} `yaml:"correlation"`

	Retention struct {
		SweepIntervalS int `yaml:"sweep_interval_s"`
		BatchSize      int `yaml:"batch_size"`
	} `yaml:"retention"`

	RateLimit struct {
		Rate    int `yaml:"rate"`
		WindowS int `yaml:"window_s"`
	} `yaml:"rate_limit"`

	NATS struct {
		SubjectPrefix   string `yaml:"subject_prefix"`
		PublishRetryMax int    `yaml:"publish_retry_max"`
	} `yaml:"nats"`
}

type CategoryConfig struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// CorrelationPolicy is the hot-reloadable part of the configuration: the
// correlation window, quiet period and category allow-list with severity
// weights. Everything else requires a restart.
type CorrelationPolicy struct {
	Window            time.Duration
	QuietPeriod       time.Duration
	SeenSetSize       int
	WarnThreshold     float64
	CriticalThreshold float64
	Categories        map[string]float64
}

func (p *CorrelationPolicy) Allowed(category string) bool {
	_, ok := p.Categories[category]
	return ok
}

func (p *CorrelationPolicy) Weight(category string) float64 {
	return p.Categories[category]
}

type Config struct {
	ListenAddr string

	MaxCapacityBytes int64
	SegmentRetention time.Duration
	ClosedGrace      time.Duration
	MinioEndpoint    string
	MinioBucket      string
	MinioUseSSL      bool

	Workers           int
	ClaimBatch        int
	ClaimLease        time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxAttempts       int

	InferenceURL     string
	InferenceTimeout time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	SweepInterval      time.Duration
	RetentionBatchSize int

	RateLimitRate   int
	RateLimitWindow time.Duration

	SubjectPrefix   string
	PublishRetryMax int

	path   string
	policy atomic.Pointer[CorrelationPolicy]
}

// Policy returns the current correlation policy snapshot. Callers hold the
// snapshot for the duration of one decision; a concurrent reload does not
// change it under them.
func (c *Config) Policy() *CorrelationPolicy {
	return c.policy.Load()
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{path: path}
	cfg.apply(&fc)

	pol, err := policyFrom(&fc)
	if err != nil {
		return nil, err
	}
	cfg.policy.Store(pol)

	return cfg, nil
}

func (c *Config) apply(fc *fileConfig) {
	c.ListenAddr = defaultStr(fc.Server.ListenAddr, ":8085")

	c.MaxCapacityBytes = fc.Storage.MaxCapacityBytes
	c.SegmentRetention = secs(fc.Storage.SegmentRetentionS, 7*24*3600)
	c.ClosedGrace = secs(fc.Storage.ClosedGraceS, 3600)
	c.MinioEndpoint = defaultStr(fc.Storage.MinioEndpoint, "localhost:9000")
	c.MinioBucket = defaultStr(fc.Storage.MinioBucket, "vms-segments")
	c.MinioUseSSL = fc.Storage.MinioUseSSL

	c.Workers = defaultInt(fc.Pipeline.Workers, 4)
	c.ClaimBatch = defaultInt(fc.Pipeline.ClaimBatch, 16)
	c.ClaimLease = secs(fc.Pipeline.ClaimLeaseS, 120)
	c.HeartbeatInterval = secs(fc.Pipeline.HeartbeatIntervalS, 30)
	c.PollInterval = millis(fc.Pipeline.PollIntervalMs, 1000)
	c.MaxAttempts = defaultInt(fc.Pipeline.MaxAttempts, 3)

	c.InferenceURL = defaultStr(fc.Inference.URL, "http://localhost:9090/v1/infer")
	c.InferenceTimeout = millis(fc.Inference.TimeoutMs, 10000)
	c.MaxRetries = defaultInt(fc.Inference.MaxRetries, 3)
	c.BackoffBase = millis(fc.Inference.BackoffBaseMs, 250)
	c.BackoffMax = millis(fc.Inference.BackoffMaxMs, 5000)

	c.SweepInterval = secs(fc.Retention.SweepIntervalS, 60)
	c.RetentionBatchSize = defaultInt(fc.Retention.BatchSize, 100)

	c.RateLimitRate = defaultInt(fc.RateLimit.Rate, 120)
	c.RateLimitWindow = secs(fc.RateLimit.WindowS, 60)

	c.SubjectPrefix = defaultStr(fc.NATS.SubjectPrefix, "vms.ingest")
	c.PublishRetryMax = defaultInt(fc.NATS.PublishRetryMax, 2)
}

func policyFrom(fc *fileConfig) (*CorrelationPolicy, error) {
	pol := &CorrelationPolicy{
		Window:            secs(fc.Correlation.WindowS, 10),
		QuietPeriod:       secs(fc.Correlation.QuietPeriodS, 30),
		SeenSetSize:       defaultInt(fc.Correlation.SeenSetSize, 2048),
		WarnThreshold:     fc.Correlation.WarnThreshold,
		CriticalThreshold: fc.Correlation.CriticalThreshold,
		Categories:        map[string]float64{},
	}
	if pol.WarnThreshold == 0 {
		pol.WarnThreshold = 0.5
	}
	if pol.CriticalThreshold == 0 {
		pol.CriticalThreshold = 1.5
	}
	for _, c := range fc.Correlation.Categories {
		if c.Name == "" {
			return nil, fmt.Errorf("correlation category with empty name")
		}
		w := c.Weight
		if w <= 0 {
			w = 1.0
		}
		pol.Categories[c.Name] = w
	}
	return pol, nil
}

// Reload re-reads the file and swaps the correlation policy. Non-policy
// fields are intentionally left alone; they describe resources that were
// bound at startup.
func (c *Config) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}
	pol, err := policyFrom(&fc)
	if err != nil {
		return err
	}
	c.policy.Store(pol)
	return nil
}

func defaultStr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func secs(v, d int) time.Duration {
	if v <= 0 {
		v = d
	}
	return time.Duration(v) * time.Second
}

func millis(v, d int) time.Duration {
	if v <= 0 {
		v = d
	}
	return time.Duration(v) * time.Millisecond
}
