// Package config loads and validates the mediaops service configuration
// from a YAML file layered with environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete service configuration.
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	Storage      StorageConfig      `yaml:"storage"`
	CDN          CDNConfig          `yaml:"cdn"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Rollback     RollbackConfig     `yaml:"rollback"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Server       ServerConfig       `yaml:"server"`
}

// GlobalConfig holds service-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// StorageConfig configures the storage gateway.
type StorageConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// Platform constraints on uploads.
	MaxFileSize        int64 `yaml:"max_file_size"`
	MaxFilesPerRequest int   `yaml:"max_files_per_request"`

	// Media optimization (best-effort compression before upload).
	OptimizationEnabled bool `yaml:"optimization_enabled"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CDNConfig configures CDN URL construction and cache invalidation.
type CDNConfig struct {
	Domain         string `yaml:"domain"`
	DistributionID string `yaml:"distribution_id"`

	// Provider limit on path patterns per invalidation request.
	PathsPerBatch int `yaml:"paths_per_batch"`

	// Fixed delay between successive sub-batch submissions.
	BatchDelay time.Duration `yaml:"batch_delay"`

	// Retry ceiling for throttled sub-batches.
	ThrottleRetries int           `yaml:"throttle_retries"`
	ThrottleDelay   time.Duration `yaml:"throttle_delay"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Thresholds are the performance limits evaluated every monitor tick.
// Ratios are fractions in [0,1]; latencies are positive durations.
type Thresholds struct {
	UploadLatencyP95 time.Duration `yaml:"upload_latency_p95" json:"upload_latency_p95"`
	CDNLatencyP95    time.Duration `yaml:"cdn_latency_p95" json:"cdn_latency_p95"`
	MinCacheHitRatio float64       `yaml:"min_cache_hit_ratio" json:"min_cache_hit_ratio"`
	MaxErrorRate     float64       `yaml:"max_error_rate" json:"max_error_rate"`
}

// MonitoringConfig configures the performance monitor.
type MonitoringConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SnapshotWindow int           `yaml:"snapshot_window"`
	AlertHistory   int           `yaml:"alert_history"`
	Thresholds     Thresholds    `yaml:"thresholds"`
}

// RollbackConfig configures trigger detection and the orchestrator.
type RollbackConfig struct {
	// A metric must stay above threshold for this long before a
	// trigger fires; single-tick spikes are ignored.
	SustainedDuration time.Duration `yaml:"sustained_duration"`

	// How long the orchestrator watches metrics after the restore
	// phase before declaring recovery.
	CooldownWindow time.Duration `yaml:"cooldown_window"`

	Interval time.Duration `yaml:"interval"`

	// Per-source error-rate thresholds, fractions in [0,1].
	CDNErrorRate     float64 `yaml:"cdn_error_rate"`
	StorageErrorRate float64 `yaml:"storage_error_rate"`
	UploadFailRate   float64 `yaml:"upload_fail_rate"`

	// Path patterns invalidated during the rollback execute phase.
	InvalidationPaths []string `yaml:"invalidation_paths"`
}

// AlertingConfig configures communication fanout channels.
type AlertingConfig struct {
	Enabled      bool     `yaml:"enabled"`
	WebhookURL   string   `yaml:"webhook_url"`
	EmailAddr    string   `yaml:"email_addr"`
	SMTPAddr     string   `yaml:"smtp_addr"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// ServerConfig configures the HTTP management API.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// NewDefault returns a configuration with sensible defaults. Required
// identity settings (bucket, CDN domain, distribution id) are left empty
// and must come from the file or environment.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Storage: StorageConfig{
			Region:              "us-east-1",
			MaxFileSize:         100 * 1024 * 1024,
			MaxFilesPerRequest:  10,
			OptimizationEnabled: true,
			MaxRetries:          4,
			RequestTimeout:      30 * time.Second,
		},
		CDN: CDNConfig{
			PathsPerBatch:   3000,
			BatchDelay:      2 * time.Second,
			ThrottleRetries: 3,
			ThrottleDelay:   5 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Interval:       time.Minute,
			SnapshotWindow: 1440,
			AlertHistory:   100,
			Thresholds: Thresholds{
				UploadLatencyP95: 5 * time.Second,
				CDNLatencyP95:    2 * time.Second,
				MinCacheHitRatio: 0.80,
				MaxErrorRate:     0.05,
			},
		},
		Rollback: RollbackConfig{
			SustainedDuration: 10 * time.Minute,
			CooldownWindow:    5 * time.Minute,
			Interval:          time.Minute,
			CDNErrorRate:      0.05,
			StorageErrorRate:  0.05,
			UploadFailRate:    0.10,
			InvalidationPaths: []string{"/*"},
		},
		Alerting: AlertingConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Address:      "localhost:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// LoadFromFile layers a YAML file over the current configuration.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv layers environment variables over the current configuration.
func (c *Configuration) LoadFromEnv() {
	setString := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	setBool := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			*dst = strings.EqualFold(val, "true")
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if val := os.Getenv(name); val != "" {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = f
			}
		}
	}

	setString("MEDIAOPS_LOG_LEVEL", &c.Global.LogLevel)
	setString("MEDIAOPS_LOG_FILE", &c.Global.LogFile)

	setString("MEDIAOPS_BUCKET", &c.Storage.Bucket)
	setString("MEDIAOPS_REGION", &c.Storage.Region)
	setString("MEDIAOPS_S3_ENDPOINT", &c.Storage.Endpoint)
	setBool("MEDIAOPS_S3_PATH_STYLE", &c.Storage.ForcePathStyle)
	setBool("MEDIAOPS_OPTIMIZATION_ENABLED", &c.Storage.OptimizationEnabled)
	if val := os.Getenv("MEDIAOPS_MAX_FILE_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Storage.MaxFileSize = size
		}
	}

	setString("MEDIAOPS_CDN_DOMAIN", &c.CDN.Domain)
	setString("MEDIAOPS_DISTRIBUTION_ID", &c.CDN.DistributionID)
	setDuration("MEDIAOPS_BATCH_DELAY", &c.CDN.BatchDelay)

	setDuration("MEDIAOPS_MONITOR_INTERVAL", &c.Monitoring.Interval)
	setDuration("MEDIAOPS_UPLOAD_LATENCY_P95", &c.Monitoring.Thresholds.UploadLatencyP95)
	setDuration("MEDIAOPS_CDN_LATENCY_P95", &c.Monitoring.Thresholds.CDNLatencyP95)
	setFloat("MEDIAOPS_MIN_CACHE_HIT_RATIO", &c.Monitoring.Thresholds.MinCacheHitRatio)
	setFloat("MEDIAOPS_MAX_ERROR_RATE", &c.Monitoring.Thresholds.MaxErrorRate)

	setDuration("MEDIAOPS_SUSTAINED_DURATION", &c.Rollback.SustainedDuration)
	setDuration("MEDIAOPS_COOLDOWN_WINDOW", &c.Rollback.CooldownWindow)
	setFloat("MEDIAOPS_CDN_ERROR_RATE", &c.Rollback.CDNErrorRate)
	setFloat("MEDIAOPS_STORAGE_ERROR_RATE", &c.Rollback.StorageErrorRate)
	setFloat("MEDIAOPS_UPLOAD_FAIL_RATE", &c.Rollback.UploadFailRate)

	setBool("MEDIAOPS_ALERTING_ENABLED", &c.Alerting.Enabled)
	setString("MEDIAOPS_ALERT_WEBHOOK", &c.Alerting.WebhookURL)
	setString("MEDIAOPS_ALERT_EMAIL", &c.Alerting.EmailAddr)
	setString("MEDIAOPS_SMTP_ADDR", &c.Alerting.SMTPAddr)
	if val := os.Getenv("MEDIAOPS_KAFKA_BROKERS"); val != "" {
		c.Alerting.KafkaBrokers = strings.Split(val, ",")
	}
	setString("MEDIAOPS_KAFKA_TOPIC", &c.Alerting.KafkaTopic)

	setString("MEDIAOPS_LISTEN_ADDR", &c.Server.Address)
}

// Validate checks the configuration. Missing required identity settings
// and out-of-range thresholds are fatal at startup.
func (c *Configuration) Validate() error {
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required (MEDIAOPS_BUCKET)")
	}
	if c.CDN.Domain == "" {
		return fmt.Errorf("cdn.domain is required (MEDIAOPS_CDN_DOMAIN)")
	}
	if c.CDN.DistributionID == "" {
		return fmt.Errorf("cdn.distribution_id is required (MEDIAOPS_DISTRIBUTION_ID)")
	}
	if c.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be greater than 0")
	}
	if c.Storage.MaxFilesPerRequest <= 0 {
		return fmt.Errorf("storage.max_files_per_request must be greater than 0")
	}
	if c.CDN.PathsPerBatch <= 0 {
		return fmt.Errorf("cdn.paths_per_batch must be greater than 0")
	}
	if err := c.Monitoring.Thresholds.Validate(); err != nil {
		return err
	}
	// The monitor loops feed these straight into tickers.
	if c.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring.interval must be positive")
	}
	if c.Rollback.Interval <= 0 {
		return fmt.Errorf("rollback.interval must be positive")
	}
	if c.Rollback.CooldownWindow <= 0 {
		return fmt.Errorf("rollback.cooldown_window must be positive")
	}
	for name, rate := range map[string]float64{
		"rollback.cdn_error_rate":     c.Rollback.CDNErrorRate,
		"rollback.storage_error_rate": c.Rollback.StorageErrorRate,
		"rollback.upload_fail_rate":   c.Rollback.UploadFailRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, rate)
		}
	}
	if c.Rollback.SustainedDuration <= 0 {
		return fmt.Errorf("rollback.sustained_duration must be positive")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	valid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// Validate checks threshold ranges: ratios within [0,1], latencies positive.
func (t *Thresholds) Validate() error {
	if t.MinCacheHitRatio < 0 || t.MinCacheHitRatio > 1 {
		return fmt.Errorf("min_cache_hit_ratio must be within [0,1], got %v", t.MinCacheHitRatio)
	}
	if t.MaxErrorRate < 0 || t.MaxErrorRate > 1 {
		return fmt.Errorf("max_error_rate must be within [0,1], got %v", t.MaxErrorRate)
	}
	if t.UploadLatencyP95 <= 0 {
		return fmt.Errorf("upload_latency_p95 must be positive")
	}
	if t.CDNLatencyP95 <= 0 {
		return fmt.Errorf("cdn_latency_p95 must be positive")
	}
	return nil
}
