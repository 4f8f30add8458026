package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	AnalyticsDSN string `yaml:"analyticsDsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	InitialAdminKey string `yaml:"initialAdminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

// QueueConfig bounds a single named job queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type WorkerConfig struct {
	Concurrency        int                    `yaml:"concurrency"`
	PollIntervalMs     int                    `yaml:"pollIntervalMs"`
	MaxTasksPerWorker  int                    `yaml:"maxTasksPerWorker"`
	TargetFanout       int                    `yaml:"targetFanout"`
	SoftTimeoutSeconds int                    `yaml:"softTimeoutSeconds"`
	HardTimeoutSeconds int                    `yaml:"hardTimeoutSeconds"`
	DefaultMaxAttempts int                    `yaml:"defaultMaxAttempts"`
	Queues             map[string]QueueConfig `yaml:"queues"`
}

// SourceConfig mirrors the per-source knobs exposed through the project
// archive policy; these are the server-wide defaults.
type SourceConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BaseURL            string `yaml:"baseURL"`
	Collection         string `yaml:"collection"`
	TimeoutSeconds     int    `yaml:"timeoutSeconds"`
	MaxRetries         int    `yaml:"maxRetries"`
	PageSize           int    `yaml:"pageSize"`
	MaxPages           int    `yaml:"maxPages"`
	IncludeAttachments bool   `yaml:"includeAttachments"`
	Priority           int    `yaml:"priority"`
	PartialCoverage    bool   `yaml:"partialCoverage"`
}

// BreakerConfig tunes a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold   int  `yaml:"failureThreshold"`
	SuccessThreshold   int  `yaml:"successThreshold"`
	BaseTimeoutSeconds int  `yaml:"baseTimeoutSeconds"`
	MaxTimeoutSeconds  int  `yaml:"maxTimeoutSeconds"`
	ExponentialBackoff bool `yaml:"exponentialBackoff"`
	SlidingWindowSize  int  `yaml:"slidingWindowSize"`
}

type ArchiveConfig struct {
	FallbackStrategy     string        `yaml:"fallbackStrategy"`
	FallbackDelaySeconds float64       `yaml:"fallbackDelaySeconds"`
	ExponentialBackoff   bool          `yaml:"exponentialBackoff"`
	MaxFallbackDelay     float64       `yaml:"maxFallbackDelay"`
	CompletionMerge      bool          `yaml:"completionMerge"`
	WaybackMachine       SourceConfig  `yaml:"waybackMachine"`
	CommonCrawl          SourceConfig  `yaml:"commonCrawl"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// CustomRuleConfig is a project-independent custom filter rule loaded from
// configuration; projects can add their own on top.
type CustomRuleConfig struct {
	ID         string  `yaml:"id"`
	Pattern    string  `yaml:"pattern"`
	Confidence float64 `yaml:"confidence"`
}

type FilterConfig struct {
	MinSizeBytes         int64              `yaml:"minSizeBytes"`
	MaxSizeBytes         int64              `yaml:"maxSizeBytes"`
	LowPriorityThreshold int                `yaml:"lowPriorityThreshold"`
	CustomRules          []CustomRuleConfig `yaml:"customRules"`
}

type ExtractConfig struct {
	AcceptThreshold  float64       `yaml:"acceptThreshold"`
	MinWords         int           `yaml:"minWords"`
	TimeoutSeconds   int           `yaml:"timeoutSeconds"`
	MaxConcurrent    int           `yaml:"maxConcurrent"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

type SyncConfig struct {
	ConsistencyLevel         string   `yaml:"consistencyLevel"` // strong | eventual | weak
	BatchSize                int      `yaml:"batchSize"`
	MaxAttempts              int      `yaml:"maxAttempts"`
	LeaseSeconds             int      `yaml:"leaseSeconds"`
	StrongWaitMs             int      `yaml:"strongWaitMs"`
	PollIntervalMs           int      `yaml:"pollIntervalMs"`
	CDCGraceMinutes          int      `yaml:"cdcGraceMinutes"`
	CDCIntervalMinutes       int      `yaml:"cdcIntervalMinutes"`
	ValidatorIntervalMinutes int      `yaml:"validatorIntervalMinutes"`
	ValidatorSampleSize      int      `yaml:"validatorSampleSize"`
	DLQDegradedDepth         int      `yaml:"dlqDegradedDepth"`
	MonitoredTables          []string `yaml:"monitoredTables"`
}

// RetentionConfig controls TTL-like deletion of terminal jobs, committed
// intents, and dead letters so the database does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	JobDays                int  `yaml:"jobDays"`
	IntentDays             int  `yaml:"intentDays"`
	DeadLetterDays         int  `yaml:"deadLetterDays"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Filter    FilterConfig    `yaml:"filter"`
	Extract   ExtractConfig   `yaml:"extract"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}

// ApplyDefaults fills zero values with the documented defaults so that a
// minimal config file still yields a working process.
func (c *Config) ApplyDefaults() {
	if c.Archive.FallbackStrategy == "" {
		c.Archive.FallbackStrategy = "circuit_breaker"
	}
	if c.Archive.FallbackDelaySeconds == 0 {
		c.Archive.FallbackDelaySeconds = 1.0
	}
	if c.Archive.MaxFallbackDelay == 0 {
		c.Archive.MaxFallbackDelay = 30
	}
	applySourceDefaults(&c.Archive.WaybackMachine, "https://web.archive.org/cdx/search/cdx", 1)
	applySourceDefaults(&c.Archive.CommonCrawl, "https://index.commoncrawl.org", 2)
	applyBreakerDefaults(&c.Archive.Breaker)
	applyBreakerDefaults(&c.Extract.Breaker)

	if c.Filter.MinSizeBytes == 0 {
		c.Filter.MinSizeBytes = 512
	}
	if c.Filter.MaxSizeBytes == 0 {
		c.Filter.MaxSizeBytes = 10 << 20
	}
	if c.Filter.LowPriorityThreshold == 0 {
		c.Filter.LowPriorityThreshold = 2
	}

	if c.Extract.AcceptThreshold == 0 {
		c.Extract.AcceptThreshold = 0.6
	}
	if c.Extract.MinWords == 0 {
		c.Extract.MinWords = 20
	}
	if c.Extract.TimeoutSeconds == 0 {
		c.Extract.TimeoutSeconds = 30
	}
	if c.Extract.MaxConcurrent == 0 {
		c.Extract.MaxConcurrent = 10
	}

	if c.Sync.ConsistencyLevel == "" {
		c.Sync.ConsistencyLevel = "eventual"
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.LeaseSeconds == 0 {
		c.Sync.LeaseSeconds = 60
	}
	if c.Sync.StrongWaitMs == 0 {
		c.Sync.StrongWaitMs = 5000
	}
	if c.Sync.PollIntervalMs == 0 {
		c.Sync.PollIntervalMs = 1000
	}
	if c.Sync.CDCGraceMinutes == 0 {
		c.Sync.CDCGraceMinutes = 10
	}
	if c.Sync.CDCIntervalMinutes == 0 {
		c.Sync.CDCIntervalMinutes = 5
	}
	if c.Sync.ValidatorIntervalMinutes == 0 {
		c.Sync.ValidatorIntervalMinutes = 30
	}
	if c.Sync.ValidatorSampleSize == 0 {
		c.Sync.ValidatorSampleSize = 100
	}
	if c.Sync.DLQDegradedDepth == 0 {
		c.Sync.DLQDegradedDepth = 100
	}
	if len(c.Sync.MonitoredTables) == 0 {
		c.Sync.MonitoredTables = []string{"scrape_pages", "pages", "sessions"}
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 8
	}
	if c.Worker.PollIntervalMs == 0 {
		c.Worker.PollIntervalMs = 250
	}
	if c.Worker.MaxTasksPerWorker == 0 {
		c.Worker.MaxTasksPerWorker = 500
	}
	if c.Worker.TargetFanout == 0 {
		c.Worker.TargetFanout = 4
	}
	if c.Worker.SoftTimeoutSeconds == 0 {
		c.Worker.SoftTimeoutSeconds = 300
	}
	if c.Worker.HardTimeoutSeconds == 0 {
		c.Worker.HardTimeoutSeconds = 900
	}
	if c.Worker.DefaultMaxAttempts == 0 {
		c.Worker.DefaultMaxAttempts = 3
	}
	if c.Worker.Queues == nil {
		c.Worker.Queues = map[string]QueueConfig{}
	}
	for _, q := range []string{"quick", "scraping", "indexing", "default"} {
		qc := c.Worker.Queues[q]
		if qc.Capacity == 0 {
			qc.Capacity = 10000
		}
		c.Worker.Queues[q] = qc
	}
}

func applySourceDefaults(sc *SourceConfig, baseURL string, priority int) {
	if sc.BaseURL == "" {
		sc.BaseURL = baseURL
	}
	if sc.TimeoutSeconds == 0 {
		sc.TimeoutSeconds = 60
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = 3
	}
	if sc.PageSize == 0 {
		sc.PageSize = 1000
	}
	if sc.Priority == 0 {
		sc.Priority = priority
	}
}

func applyBreakerDefaults(bc *BreakerConfig) {
	if bc.FailureThreshold == 0 {
		bc.FailureThreshold = 5
	}
	if bc.SuccessThreshold == 0 {
		bc.SuccessThreshold = 2
	}
	if bc.BaseTimeoutSeconds == 0 {
		bc.BaseTimeoutSeconds = 30
	}
	if bc.MaxTimeoutSeconds == 0 {
		bc.MaxTimeoutSeconds = 600
	}
	if bc.SlidingWindowSize == 0 {
		bc.SlidingWindowSize = 20
	}
}
