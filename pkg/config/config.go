package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig holds the on-disk location of run artifacts.
type SecurityConfig struct {
	ArtifactsDir string `json:"artifacts_dir" yaml:"artifacts_dir" env:"ARTIFACTS_DIR"`
}

// UserSpec is one admin-console login credential. Password is a bcrypt hash,
// never a plaintext secret.
type UserSpec struct {
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
	Role         string `json:"role" yaml:"role"`
}

// AuthConfig controls HTTP API authentication. Tenant-scoped requests
// authenticate with a hashed bearer token looked up against the Store;
// Users/JWTSecret back the admin console login flow only.
type AuthConfig struct {
	JWTSecret  string     `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Users      []UserSpec `json:"users" yaml:"users"`
	AdminToken string     `json:"admin_token" yaml:"admin_token" env:"ADMIN_TOKEN"`
}

// RegistryConfig bounds the Registry API.
type RegistryConfig struct {
	MaxSourceBytes   int64 `json:"max_source_bytes" yaml:"max_source_bytes" env:"REGISTRY_MAX_SOURCE_BYTES"`
	MaxTestsPerTenant int  `json:"max_tests_per_tenant" yaml:"max_tests_per_tenant" env:"REGISTRY_MAX_TESTS_PER_TENANT"`
}

// SchedulerConfig controls the due-time scheduling loop.
type SchedulerConfig struct {
	TickInterval        time.Duration `json:"tick_interval" yaml:"tick_interval" env:"SCHEDULER_TICK_INTERVAL"`
	GlobalConcurrency   int           `json:"global_concurrency" yaml:"global_concurrency" env:"SCHEDULER_GLOBAL_CONCURRENCY"`
	PerTenantConcurrency int          `json:"per_tenant_concurrency" yaml:"per_tenant_concurrency" env:"SCHEDULER_PER_TENANT_CONCURRENCY"`
	BackoffFailThreshold int          `json:"backoff_fail_threshold" yaml:"backoff_fail_threshold" env:"SCHEDULER_BACKOFF_FAIL_THRESHOLD"`
	BackoffMultiplier   float64       `json:"backoff_multiplier" yaml:"backoff_multiplier" env:"SCHEDULER_BACKOFF_MULTIPLIER"`
	LeaseGrace          time.Duration `json:"lease_grace" yaml:"lease_grace" env:"SCHEDULER_LEASE_GRACE"`
}

// SandboxConfig controls sandbox child dispatch.
type SandboxConfig struct {
	BrowserExecutablePath string        `json:"browser_executable_path" yaml:"browser_executable_path" env:"SANDBOX_BROWSER_PATH"`
	PythonExecutablePath  string        `json:"python_executable_path" yaml:"python_executable_path" env:"SANDBOX_PYTHON_PATH"`
	Grace                 time.Duration `json:"grace" yaml:"grace" env:"SANDBOX_GRACE"`
	WorkerCount           int           `json:"worker_count" yaml:"worker_count" env:"SANDBOX_WORKER_COUNT"`
}

// AlertConfig configures the chat-message alert transport.
type AlertConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	ChunkSize  int    `json:"chunk_size" yaml:"chunk_size" env:"ALERT_CHUNK_SIZE"`
}

// EscalationConfig configures the optional investigation-agent dispatcher.
type EscalationConfig struct {
	Endpoint     string        `json:"endpoint" yaml:"endpoint" env:"ESCALATION_ENDPOINT"`
	Token        string        `json:"token" yaml:"token" env:"ESCALATION_TOKEN"`
	Model        string        `json:"model" yaml:"model" env:"ESCALATION_MODEL"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" env:"ESCALATION_POLL_INTERVAL"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" env:"ESCALATION_TIMEOUT"`
}

// HeartbeatConfig configures wall-clock summary anchors.
type HeartbeatConfig struct {
	Anchors  []string `json:"anchors" yaml:"anchors"`
	Timezone string   `json:"timezone" yaml:"timezone" env:"HEARTBEAT_TIMEZONE"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Security   SecurityConfig   `json:"security" yaml:"security"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Registry   RegistryConfig   `json:"registry" yaml:"registry"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Sandbox    SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	Alert      AlertConfig      `json:"alert" yaml:"alert"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat" yaml:"heartbeat"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "synthmon",
		},
		Security: SecurityConfig{
			ArtifactsDir: "/data/artifacts",
		},
		Registry: RegistryConfig{
			MaxSourceBytes:    256 * 1024,
			MaxTestsPerTenant: 200,
		},
		Scheduler: SchedulerConfig{
			TickInterval:         time.Second,
			GlobalConcurrency:    32,
			PerTenantConcurrency: 4,
			BackoffFailThreshold: 10,
			BackoffMultiplier:    4,
			LeaseGrace:           5 * time.Second,
		},
		Sandbox: SandboxConfig{
			BrowserExecutablePath: os.Getenv("SANDBOX_BROWSER_PATH"),
			PythonExecutablePath:  "python3",
			Grace:                 5 * time.Second,
			WorkerCount:           4,
		},
		Alert: AlertConfig{
			ChunkSize: 4096,
		},
		Escalation: EscalationConfig{
			PollInterval: 15 * time.Second,
			Timeout:      2 * time.Hour,
		},
		Heartbeat: HeartbeatConfig{
			Timezone: "UTC",
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/appserver: DATABASE_URL
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
