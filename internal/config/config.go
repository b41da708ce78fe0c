package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	Mirrors     MirrorsConfig     `yaml:"mirrors"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Health      HealthConfig      `yaml:"health"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Store       StoreConfig       `yaml:"store"`
	GitCreds    GitCredsConfig    `yaml:"git_credentials"`
	Recording   RecordingConfig   `yaml:"recording"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
	GRPC ServerGRPCConfig `yaml:"grpc"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxRequestSize string `yaml:"max_request_size"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles API callers. Buckets are keyed by API key when
// auth is enabled, by remote host otherwise.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type ServerGRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // "none" or "api_key"
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	Key        string `yaml:"key"`
	KeyFile    string `yaml:"key_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type MirrorsConfig struct {
	// Dir holds one bare mirror per repository id (<dir>/<id>.git).
	Dir string `yaml:"dir"`

	GitPath      string `yaml:"git_path"`
	CloneTimeout string `yaml:"clone_timeout"`
	FetchTimeout string `yaml:"fetch_timeout"`
}

type SessionsConfig struct {
	// Image is the workspace image every session container runs.
	Image string `yaml:"image"`

	// ContainerPort is the in-container IDE port published to an ephemeral
	// host port at start.
	ContainerPort int `yaml:"container_port"`

	// AdvertiseHost is the hostname baked into container URLs handed to
	// clients.
	AdvertiseHost string `yaml:"advertise_host"`

	MaxSessions     int               `yaml:"max_sessions"`
	IdleTimeout     string            `yaml:"idle_timeout"`
	StopTimeout     string            `yaml:"stop_timeout"`
	StartTimeout    string            `yaml:"start_timeout"`
	CleanupInterval string            `yaml:"cleanup_interval"`
	Env             map[string]string `yaml:"env"`

	Resources SessionResourcesConfig `yaml:"resources"`
}

// SessionResourcesConfig caps each session container. Zero values leave the
// corresponding limit unset.
type SessionResourcesConfig struct {
	CPUs         float64 `yaml:"cpus"`
	MemoryMB     int64   `yaml:"memory_mb"`
	MemorySwapMB int64   `yaml:"memory_swap_mb"`
	PidsLimit    int64   `yaml:"pids_limit"`
}

type HealthConfig struct {
	Interval      string `yaml:"interval"`
	ProbeTimeout  string `yaml:"probe_timeout"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type PermissionsConfig struct {
	// GrantsFile is the YAML file of Permission records; see
	// internal/permissions for the schema.
	GrantsFile string `yaml:"grants_file"`

	// Watch hot-reloads the grants file on change.
	Watch bool `yaml:"watch"`
}

type StoreConfig struct {
	SQLitePath string              `yaml:"sqlite_path"`
	AuditLog   StoreAuditLogConfig `yaml:"audit_log"`
	Webhook    StoreWebhookConfig  `yaml:"webhook"`
	OTel       StoreOTelConfig     `yaml:"otel"`
}

// StoreAuditLogConfig enables a rotating JSON Lines copy of the event log.
type StoreAuditLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type StoreWebhookConfig struct {
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
}

type StoreOTelConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Protocol string            `yaml:"protocol"` // "grpc" or "http"
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

type GitCredsConfig struct {
	CacheTTL string `yaml:"cache_ttl"`

	Vault GitCredsVaultConfig `yaml:"vault"`
	AWS   GitCredsAWSConfig   `yaml:"aws"`
}

type GitCredsVaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // token, kubernetes
	TokenFile  string `yaml:"token_file"`
	K8sRole    string `yaml:"k8s_role"`
}

type GitCredsAWSConfig struct {
	Region  string `yaml:"region"`
	RoleARN string `yaml:"role_arn"`
}

type RecordingConfig struct {
	Enabled bool      `yaml:"enabled"`
	Dir     string    `yaml:"dir"`
	Key     KMSConfig `yaml:"key"`
}

// KMSConfig selects where the recording data-encryption key comes from.
type KMSConfig struct {
	// Source: file, env, aws_kms, azure_keyvault, gcp_kms, hashicorp_vault
	Source string `yaml:"source"`

	KeyFile string `yaml:"key_file"`
	KeyEnv  string `yaml:"key_env"`

	AWSKeyID            string `yaml:"aws_key_id"`
	AWSRegion           string `yaml:"aws_region"`
	AWSEncryptedDEKFile string `yaml:"aws_encrypted_dek_file"`

	AzureVaultURL   string `yaml:"azure_vault_url"`
	AzureSecretName string `yaml:"azure_secret_name"`

	GCPKeyName          string `yaml:"gcp_key_name"`
	GCPEncryptedDEKFile string `yaml:"gcp_encrypted_dek_file"`

	VaultAddress    string `yaml:"vault_address"`
	VaultAuthMethod string `yaml:"vault_auth_method"`
	VaultTokenFile  string `yaml:"vault_token_file"`
	VaultK8sRole    string `yaml:"vault_k8s_role"`
	VaultSecretPath string `yaml:"vault_secret_path"`
	VaultKeyField   string `yaml:"vault_key_field"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration a bare `branchbox server` runs with.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "0.0.0.0:8080"
	}
	if cfg.Server.GRPC.Addr == "" {
		cfg.Server.GRPC.Addr = "127.0.0.1:9090"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		// Long enough for SSE/terminal streams to be closed by handlers, not
		// by the server write deadline.
		cfg.Server.HTTP.WriteTimeout = "5m"
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "1MB"
	}
	if cfg.Server.HTTP.RateLimit.RequestsPerSecond <= 0 {
		cfg.Server.HTTP.RateLimit.RequestsPerSecond = 25
	}
	if cfg.Server.HTTP.RateLimit.Burst <= 0 {
		cfg.Server.HTTP.RateLimit.Burst = 50
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Mirrors.Dir == "" {
		cfg.Mirrors.Dir = "/var/lib/branchbox/mirrors"
	}
	if cfg.Mirrors.GitPath == "" {
		cfg.Mirrors.GitPath = "git"
	}
	if cfg.Mirrors.CloneTimeout == "" {
		cfg.Mirrors.CloneTimeout = "10m"
	}
	if cfg.Mirrors.FetchTimeout == "" {
		cfg.Mirrors.FetchTimeout = "2m"
	}
	if cfg.Sessions.Image == "" {
		cfg.Sessions.Image = "branchbox/workspace:latest"
	}
	if cfg.Sessions.ContainerPort == 0 {
		cfg.Sessions.ContainerPort = 8443
	}
	if cfg.Sessions.AdvertiseHost == "" {
		cfg.Sessions.AdvertiseHost = "127.0.0.1"
	}
	if cfg.Sessions.MaxSessions <= 0 {
		cfg.Sessions.MaxSessions = 100
	}
	if cfg.Sessions.IdleTimeout == "" {
		cfg.Sessions.IdleTimeout = "1h"
	}
	if cfg.Sessions.StopTimeout == "" {
		cfg.Sessions.StopTimeout = "30s"
	}
	if cfg.Sessions.StartTimeout == "" {
		cfg.Sessions.StartTimeout = "2m"
	}
	if cfg.Sessions.CleanupInterval == "" {
		cfg.Sessions.CleanupInterval = "5m"
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = "30s"
	}
	if cfg.Health.ProbeTimeout == "" {
		cfg.Health.ProbeTimeout = "5s"
	}
	if cfg.Health.MaxConcurrent <= 0 {
		cfg.Health.MaxConcurrent = 16
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "/var/lib/branchbox/branchbox.db"
	}
	if cfg.Store.Webhook.BatchSize == 0 {
		cfg.Store.Webhook.BatchSize = 100
	}
	if cfg.Store.Webhook.FlushInterval == "" {
		cfg.Store.Webhook.FlushInterval = "10s"
	}
	if cfg.Store.Webhook.Timeout == "" {
		cfg.Store.Webhook.Timeout = "5s"
	}
	if cfg.Store.OTel.Protocol == "" {
		cfg.Store.OTel.Protocol = "grpc"
	}
	if cfg.GitCreds.CacheTTL == "" {
		cfg.GitCreds.CacheTTL = "5m"
	}
	if cfg.GitCreds.Vault.AuthMethod == "" {
		cfg.GitCreds.Vault.AuthMethod = "token"
	}
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = "/var/lib/branchbox/recordings"
	}
	if cfg.Recording.Key.Source == "" {
		cfg.Recording.Key.Source = "file"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRANCHBOX_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("BRANCHBOX_GRPC_ADDR"); v != "" {
		cfg.Server.GRPC.Addr = v
	}
	if v := os.Getenv("BRANCHBOX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BRANCHBOX_API_KEY"); v != "" {
		cfg.Auth.Type = "api_key"
		cfg.Auth.APIKey.Key = v
	}
	if v := os.Getenv("BRANCHBOX_SESSION_IMAGE"); v != "" {
		cfg.Sessions.Image = v
	}
	if v := os.Getenv("BRANCHBOX_DATA_DIR"); v != "" {
		cfg.Mirrors.Dir = filepath.Join(v, "mirrors")
		cfg.Store.SQLitePath = filepath.Join(v, "branchbox.db")
		cfg.Recording.Dir = filepath.Join(v, "recordings")
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Auth.Type {
	case "none", "api_key":
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Store.OTel.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid store.otel.protocol %q", cfg.Store.OTel.Protocol)
	}
	switch cfg.Recording.Key.Source {
	case "file", "env", "aws_kms", "azure_keyvault", "gcp_kms", "hashicorp_vault":
	default:
		return fmt.Errorf("invalid recording.key.source %q", cfg.Recording.Key.Source)
	}
	if cfg.Sessions.ContainerPort < 1 || cfg.Sessions.ContainerPort > 65535 {
		return fmt.Errorf("sessions.container_port out of range: %d", cfg.Sessions.ContainerPort)
	}
	res := cfg.Sessions.Resources
	if res.CPUs < 0 {
		return fmt.Errorf("sessions.resources.cpus must not be negative: %v", res.CPUs)
	}
	if res.MemoryMB < 0 {
		return fmt.Errorf("sessions.resources.memory_mb must not be negative: %d", res.MemoryMB)
	}
	if res.MemorySwapMB > 0 && res.MemorySwapMB < res.MemoryMB {
		return fmt.Errorf("sessions.resources.memory_swap_mb (%d) must not be below memory_mb (%d)", res.MemorySwapMB, res.MemoryMB)
	}
	if res.PidsLimit < 0 {
		return fmt.Errorf("sessions.resources.pids_limit must not be negative: %d", res.PidsLimit)
	}
	for _, d := range []struct{ name, val string }{
		{"server.http.read_timeout", cfg.Server.HTTP.ReadTimeout},
		{"server.http.write_timeout", cfg.Server.HTTP.WriteTimeout},
		{"mirrors.clone_timeout", cfg.Mirrors.CloneTimeout},
		{"mirrors.fetch_timeout", cfg.Mirrors.FetchTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeout},
		{"sessions.stop_timeout", cfg.Sessions.StopTimeout},
		{"sessions.start_timeout", cfg.Sessions.StartTimeout},
		{"sessions.cleanup_interval", cfg.Sessions.CleanupInterval},
		{"health.interval", cfg.Health.Interval},
		{"health.probe_timeout", cfg.Health.ProbeTimeout},
	} {
		if _, err := ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q", d.name, d.val)
		}
	}
	if _, err := ParseByteSize(cfg.Server.HTTP.MaxRequestSize); err != nil {
		return fmt.Errorf("invalid server.http.max_request_size %q", cfg.Server.HTTP.MaxRequestSize)
	}
	return nil
}
