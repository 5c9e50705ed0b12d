package config

import (
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
	Host             string `json:"host" env:"SERVER_HOST"`
	Port             int    `json:"port" env:"SERVER_PORT"`
	ReadTimeoutSec   int    `json:"read_timeout_seconds" env:"SERVER_READ_TIMEOUT_SECONDS"`
	WriteTimeoutSec  int    `json:"write_timeout_seconds" env:"SERVER_WRITE_TIMEOUT_SECONDS"`
	EdgeSharedSecret string `json:"edge_shared_secret" env:"SERVER_EDGE_SHARED_SECRET"`
}

// EventStoreConfig controls where events and topic configuration are persisted
// on disk, and the bounds the publish pipeline enforces.
type EventStoreConfig struct {
	DataRoot          string `json:"data_root" env:"EVENTSTORE_DATA_ROOT"`
	ConfigRoot        string `json:"config_root" env:"EVENTSTORE_CONFIG_ROOT"`
	ConsumerRoot      string `json:"consumer_root" env:"EVENTSTORE_CONSUMER_ROOT"`
	MaxPayloadBytes   int64  `json:"max_payload_bytes" env:"EVENTSTORE_MAX_PAYLOAD_BYTES"`
	EventsPerBucket   int    `json:"events_per_bucket" env:"EVENTSTORE_EVENTS_PER_BUCKET"`
}

// DispatcherConfig controls the per-topic delivery actors.
type DispatcherConfig struct {
	TickInterval     time.Duration `json:"tick_interval" env:"DISPATCHER_TICK_INTERVAL"`
	DeliveryTimeout  time.Duration `json:"delivery_timeout" env:"DISPATCHER_DELIVERY_TIMEOUT"`
	MaxAttempts      int           `json:"max_attempts" env:"DISPATCHER_MAX_ATTEMPTS"`
	BatchMax         int           `json:"batch_max" env:"DISPATCHER_BATCH_MAX"`
	ExhaustionPolicy string        `json:"exhaustion_policy" env:"DISPATCHER_EXHAUSTION_POLICY"`
	ReconcileEvery   time.Duration `json:"reconcile_every" env:"DISPATCHER_RECONCILE_EVERY"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption-specific parameters.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// AuthConfig controls authentication: password hashing cost, session
// lifetime, the session cache backend, and the bootstrap admin identity.
type AuthConfig struct {
	BcryptCost       int           `json:"bcrypt_cost" env:"AUTH_BCRYPT_COST"`
	SessionTTL       time.Duration `json:"session_ttl" env:"AUTH_SESSION_TTL"`
	SessionBackend   string        `json:"session_backend" env:"AUTH_SESSION_BACKEND"`
	RedisAddr        string        `json:"redis_addr" env:"AUTH_REDIS_ADDR"`
	AdminEmail       string        `json:"admin_email" env:"AUTH_ADMIN_EMAIL"`
	AdminPassword    string        `json:"admin_password" env:"AUTH_ADMIN_PASSWORD"`
	APIKeyHashSalt   string        `json:"api_key_hash_salt" env:"AUTH_API_KEY_HASH_SALT"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	EventStore  EventStoreConfig  `json:"event_store"`
	Dispatcher  DispatcherConfig  `json:"dispatcher"`
	Logging     LoggingConfig     `json:"logging"`
	Security    SecurityConfig    `json:"security"`
	Auth        AuthConfig        `json:"auth"`
	Tracing     TracingConfig     `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
		},
		EventStore: EventStoreConfig{
			DataRoot:        "./data/events",
			ConfigRoot:      "./data/config",
			ConsumerRoot:    "./data/consumers",
			MaxPayloadBytes: 1 << 20,
			EventsPerBucket: 1000,
		},
		Dispatcher: DispatcherConfig{
			TickInterval:     5 * time.Second,
			DeliveryTimeout:  30 * time.Second,
			MaxAttempts:      5,
			BatchMax:         500,
			ExhaustionPolicy: "remove",
			ReconcileEvery:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "eventhub",
		},
		Security: SecurityConfig{},
		Auth: AuthConfig{
			BcryptCost:     12,
			SessionTTL:     24 * time.Hour,
			SessionBackend: "memory",
			AdminEmail:     "admin@example.com",
		},
		Tracing: TracingConfig{},
	}
}

// ConnectionString is retained for parity with tooling that introspects
// config structs; the event store has no DSN, so this returns the data root.
func (c EventStoreConfig) ConnectionString() string {
	return fmt.Sprintf("file://%s", c.DataRoot)
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

	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
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

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
