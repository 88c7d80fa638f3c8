// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway processes.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Bus       BusConfig       `mapstructure:"bus"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Session   SessionConfig   `mapstructure:"session"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Brain     BrainConfig     `mapstructure:"brain"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// TestMode relaxes required keys and lets processes run entirely on
	// in-memory drivers. Never enable in production.
	TestMode bool `mapstructure:"testMode"`
}

// ServerConfig holds the edge HTTP server configuration.
type ServerConfig struct {
	HTTPAddr     string `mapstructure:"httpAddr"`
	EdgeID       string `mapstructure:"edgeId"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// BusConfig selects and configures the message bus driver.
type BusConfig struct {
	Driver   string `mapstructure:"driver"` // redis, nats, memory
	RedisURL string `mapstructure:"redisUrl"`
	NATSURL  string `mapstructure:"natsUrl"`
}

// DatabaseConfig holds the Postgres connection configuration.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// AuthConfig holds the client and service authentication secrets.
type AuthConfig struct {
	ServiceToken       string `mapstructure:"serviceToken"`
	AccessTokenSecret  string `mapstructure:"accessTokenSecret"`
	RefreshTokenSecret string `mapstructure:"refreshTokenSecret"`
	SessionCookieName  string `mapstructure:"sessionCookieName"`
}

// SchedulerConfig holds capacity and route-freshness tuning.
type SchedulerConfig struct {
	OrgMaxInFlight         int   `mapstructure:"orgMaxInFlight"`
	ExecutorMaxInFlightCap int   `mapstructure:"executorMaxInFlightCap"`
	ReserveTTLMs           int64 `mapstructure:"reserveTtlMs"`
	OrgQuotaCacheTTLMs     int64 `mapstructure:"orgQuotaCacheTtlMs"`
	StaleExecutorMs        int64 `mapstructure:"staleExecutorMs"`
}

// DispatchConfig holds dispatch timeout bounds and result retention.
type DispatchConfig struct {
	DefaultTimeoutMs   int64 `mapstructure:"defaultTimeoutMs"`
	MaxTimeoutMs       int64 `mapstructure:"maxTimeoutMs"`
	ResultsTTLSec      int64 `mapstructure:"resultsTtlSec"`
	ToolOutputMaxChars int   `mapstructure:"toolOutputMaxChars"`
}

// SessionConfig holds interactive session tuning.
type SessionConfig struct {
	OpenTimeoutMs int64 `mapstructure:"openTimeoutMs"`
}

// WorkspaceConfig holds the S3-compatible snapshot store configuration.
// An empty bucket means snapshots are not configured; tool invocations that
// need workspace access fail with WORKSPACE_S3_NOT_CONFIGURED.
type WorkspaceConfig struct {
	S3Bucket          string `mapstructure:"s3Bucket"`
	S3Region          string `mapstructure:"s3Region"`
	S3Endpoint        string `mapstructure:"s3Endpoint"`
	S3AccessKeyID     string `mapstructure:"s3AccessKeyId"`
	S3SecretAccessKey string `mapstructure:"s3SecretAccessKey"`
	S3UsePathStyle    bool   `mapstructure:"s3UsePathStyle"`
	PresignExpiresSec int64  `mapstructure:"presignExpiresSec"`
}

// JobsConfig holds the continuation queue configuration.
type JobsConfig struct {
	ContinuationQueueName string `mapstructure:"continuationQueueName"`
}

// SecretsConfig holds the key-encryption-key used to unseal tenant secrets.
type SecretsConfig struct {
	KEKBase64 string `mapstructure:"kekBase64"`
}

// BrainConfig holds brain worker tuning.
type BrainConfig struct {
	Workers int `mapstructure:"workers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReserveTTL returns the reservation expiry backstop as a time.Duration.
func (s *SchedulerConfig) ReserveTTL() time.Duration {
	return time.Duration(s.ReserveTTLMs) * time.Millisecond
}

// OrgQuotaCacheTTL returns the quota cache retention as a time.Duration.
func (s *SchedulerConfig) OrgQuotaCacheTTL() time.Duration {
	return time.Duration(s.OrgQuotaCacheTTLMs) * time.Millisecond
}

// StaleExecutorTTL returns the route key TTL as a time.Duration.
func (s *SchedulerConfig) StaleExecutorTTL() time.Duration {
	return time.Duration(s.StaleExecutorMs) * time.Millisecond
}

// ResultsTTL returns the reply/results retention as a time.Duration.
func (d *DispatchConfig) ResultsTTL() time.Duration {
	return time.Duration(d.ResultsTTLSec) * time.Second
}

// ClampTimeout resolves a caller-provided timeout in milliseconds against the
// configured default and maximum.
func (d *DispatchConfig) ClampTimeout(timeoutMs int64) time.Duration {
	if timeoutMs <= 0 {
		timeoutMs = d.DefaultTimeoutMs
	}
	if timeoutMs > d.MaxTimeoutMs {
		timeoutMs = d.MaxTimeoutMs
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

// OpenTimeout returns the session-open handshake deadline as a time.Duration.
func (s *SessionConfig) OpenTimeout() time.Duration {
	return time.Duration(s.OpenTimeoutMs) * time.Millisecond
}

// PresignExpires returns the pre-signed URL validity as a time.Duration.
func (w *WorkspaceConfig) PresignExpires() time.Duration {
	return time.Duration(w.PresignExpiresSec) * time.Second
}

// S3Configured reports whether a snapshot bucket has been configured.
func (w *WorkspaceConfig) S3Configured() bool {
	return strings.TrimSpace(w.S3Bucket) != ""
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: "json" in Kubernetes/production, "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("GATEWAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.httpAddr", ":8080")
	v.SetDefault("server.edgeId", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Bus defaults - redis is the production driver
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.redisUrl", "")
	v.SetDefault("bus.natsUrl", "")

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Auth defaults
	v.SetDefault("auth.serviceToken", "")
	v.SetDefault("auth.accessTokenSecret", "")
	v.SetDefault("auth.refreshTokenSecret", "")
	v.SetDefault("auth.sessionCookieName", "gateway_session")

	// Scheduler defaults
	v.SetDefault("scheduler.orgMaxInFlight", 50)
	v.SetDefault("scheduler.executorMaxInFlightCap", 16)
	v.SetDefault("scheduler.reserveTtlMs", 300000)
	v.SetDefault("scheduler.orgQuotaCacheTtlMs", 15000)
	v.SetDefault("scheduler.staleExecutorMs", 60000)

	// Dispatch defaults
	v.SetDefault("dispatch.defaultTimeoutMs", 60000)
	v.SetDefault("dispatch.maxTimeoutMs", 600000)
	v.SetDefault("dispatch.resultsTtlSec", 900)
	v.SetDefault("dispatch.toolOutputMaxChars", 200000)

	// Session defaults
	v.SetDefault("session.openTimeoutMs", 20000)

	// Workspace defaults - empty bucket means presigning is unavailable
	v.SetDefault("workspace.s3Bucket", "")
	v.SetDefault("workspace.s3Region", "us-east-1")
	v.SetDefault("workspace.s3Endpoint", "")
	v.SetDefault("workspace.s3AccessKeyId", "")
	v.SetDefault("workspace.s3SecretAccessKey", "")
	v.SetDefault("workspace.s3UsePathStyle", false)
	v.SetDefault("workspace.presignExpiresSec", 600)

	// Jobs defaults
	v.SetDefault("jobs.continuationQueueName", "workflow-continuations")

	// Secrets defaults
	v.SetDefault("secrets.kekBase64", "")

	// Brain defaults
	v.SetDefault("brain.workers", 8)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("testMode", false)
}

// bindEnv wires each config key to its published environment variable.
// The gateway's env surface predates the edge/brain split, so names do not
// share a single prefix and every key is bound explicitly.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.httpAddr", "GATEWAY_HTTP_ADDR")
	_ = v.BindEnv("server.edgeId", "GATEWAY_EDGE_ID")
	_ = v.BindEnv("server.readTimeout", "GATEWAY_HTTP_READ_TIMEOUT_SEC")
	_ = v.BindEnv("server.writeTimeout", "GATEWAY_HTTP_WRITE_TIMEOUT_SEC")

	_ = v.BindEnv("bus.driver", "GATEWAY_BUS_DRIVER")
	_ = v.BindEnv("bus.redisUrl", "REDIS_URL")
	_ = v.BindEnv("bus.natsUrl", "NATS_URL")

	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.maxConns", "DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.minConns", "DATABASE_MIN_CONNS")

	_ = v.BindEnv("auth.serviceToken", "GATEWAY_SERVICE_TOKEN")
	_ = v.BindEnv("auth.accessTokenSecret", "AUTH_TOKEN_SECRET")
	_ = v.BindEnv("auth.refreshTokenSecret", "REFRESH_TOKEN_SECRET")
	_ = v.BindEnv("auth.sessionCookieName", "SESSION_COOKIE_NAME")

	_ = v.BindEnv("scheduler.orgMaxInFlight", "GATEWAY_ORG_MAX_INFLIGHT")
	_ = v.BindEnv("scheduler.executorMaxInFlightCap", "GATEWAY_EXECUTOR_MAX_INFLIGHT_CAP")
	_ = v.BindEnv("scheduler.reserveTtlMs", "GATEWAY_RESERVE_TTL_MS")
	_ = v.BindEnv("scheduler.orgQuotaCacheTtlMs", "GATEWAY_ORG_QUOTA_CACHE_TTL_MS")
	_ = v.BindEnv("scheduler.staleExecutorMs", "GATEWAY_AGENT_STALE_MS")

	_ = v.BindEnv("dispatch.defaultTimeoutMs", "GATEWAY_DISPATCH_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("dispatch.maxTimeoutMs", "GATEWAY_DISPATCH_MAX_TIMEOUT_MS")
	_ = v.BindEnv("dispatch.resultsTtlSec", "GATEWAY_RESULTS_TTL_SEC")
	_ = v.BindEnv("dispatch.toolOutputMaxChars", "GATEWAY_TOOL_OUTPUT_MAX_CHARS")

	_ = v.BindEnv("session.openTimeoutMs", "GATEWAY_SESSION_OPEN_TIMEOUT_MS")

	_ = v.BindEnv("workspace.s3Bucket", "WORKSPACE_S3_BUCKET")
	_ = v.BindEnv("workspace.s3Region", "WORKSPACE_S3_REGION")
	_ = v.BindEnv("workspace.s3Endpoint", "WORKSPACE_S3_ENDPOINT")
	_ = v.BindEnv("workspace.s3AccessKeyId", "WORKSPACE_S3_ACCESS_KEY_ID")
	_ = v.BindEnv("workspace.s3SecretAccessKey", "WORKSPACE_S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("workspace.s3UsePathStyle", "WORKSPACE_S3_USE_PATH_STYLE")
	_ = v.BindEnv("workspace.presignExpiresSec", "WORKSPACE_PRESIGN_EXPIRES_SEC")

	_ = v.BindEnv("jobs.continuationQueueName", "WORKFLOW_CONTINUATION_QUEUE_NAME")

	_ = v.BindEnv("secrets.kekBase64", "GATEWAY_KEK_BASE64")

	_ = v.BindEnv("brain.workers", "GATEWAY_BRAIN_WORKERS")

	_ = v.BindEnv("logging.level", "GATEWAY_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "GATEWAY_LOG_FORMAT")
	_ = v.BindEnv("logging.outputPath", "GATEWAY_LOG_OUTPUT")

	_ = v.BindEnv("testMode", "GATEWAY_TEST_MODE")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. The config file is optional; environment variables win.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gateway/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In test mode most fields are optional and dev secrets are generated.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Bus.Driver {
	case "redis":
		if cfg.Bus.RedisURL == "" && !cfg.TestMode {
			errs = append(errs, "REDIS_URL is required when bus.driver is redis")
		}
	case "nats":
		if cfg.Bus.NATSURL == "" {
			errs = append(errs, "NATS_URL is required when bus.driver is nats")
		}
	case "memory":
		// In-process bus; single-binary mode only.
	default:
		errs = append(errs, "bus.driver must be one of: redis, nats, memory")
	}

	if cfg.Database.URL == "" && !cfg.TestMode {
		errs = append(errs, "DATABASE_URL is required outside test mode")
	}

	if cfg.TestMode {
		if cfg.Auth.ServiceToken == "" {
			cfg.Auth.ServiceToken = generateDevSecret("service")
		}
		if cfg.Auth.AccessTokenSecret == "" {
			cfg.Auth.AccessTokenSecret = generateDevSecret("access")
		}
		if cfg.Auth.RefreshTokenSecret == "" {
			cfg.Auth.RefreshTokenSecret = generateDevSecret("refresh")
		}
	} else {
		if cfg.Auth.ServiceToken == "" {
			errs = append(errs, "GATEWAY_SERVICE_TOKEN is required")
		}
		if cfg.Auth.AccessTokenSecret == "" {
			errs = append(errs, "AUTH_TOKEN_SECRET is required")
		}
		if cfg.Auth.RefreshTokenSecret == "" {
			errs = append(errs, "REFRESH_TOKEN_SECRET is required")
		}
	}

	if cfg.Server.EdgeID == "" {
		cfg.Server.EdgeID = generateEdgeID()
	}

	if cfg.Scheduler.OrgMaxInFlight < 1 {
		errs = append(errs, "scheduler.orgMaxInFlight must be positive")
	}
	if cfg.Scheduler.ExecutorMaxInFlightCap < 1 {
		errs = append(errs, "scheduler.executorMaxInFlightCap must be positive")
	}
	if cfg.Scheduler.ReserveTTLMs <= 0 {
		errs = append(errs, "scheduler.reserveTtlMs must be positive")
	}
	if cfg.Scheduler.StaleExecutorMs <= 0 {
		errs = append(errs, "scheduler.staleExecutorMs must be positive")
	}
	if cfg.Dispatch.DefaultTimeoutMs <= 0 {
		errs = append(errs, "dispatch.defaultTimeoutMs must be positive")
	}
	if cfg.Dispatch.MaxTimeoutMs < cfg.Dispatch.DefaultTimeoutMs {
		errs = append(errs, "dispatch.maxTimeoutMs must be >= dispatch.defaultTimeoutMs")
	}
	if cfg.Dispatch.ResultsTTLSec <= 0 {
		errs = append(errs, "dispatch.resultsTtlSec must be positive")
	}
	if cfg.Brain.Workers < 1 {
		errs = append(errs, "brain.workers must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateEdgeID builds a process-unique edge identity when none is pinned
// through GATEWAY_EDGE_ID.
func generateEdgeID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("edge-%d", time.Now().UnixNano())
	}
	return "edge-" + hex.EncodeToString(buf)
}

// generateDevSecret produces a throwaway secret for test-mode processes.
func generateDevSecret(kind string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("dev-%s-secret-%d", kind, time.Now().UnixNano())
	}
	return fmt.Sprintf("dev-%s-secret-%s", kind, hex.EncodeToString(buf))
}
