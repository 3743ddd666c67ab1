package escrowd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"digimarket/gateway/middleware"
	"digimarket/observability/logging"
	telemetry "digimarket/observability/otel"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Payment gateway modes.
const (
	PaymentsHTTP    = "http"
	PaymentsApprove = "approve"
	PaymentsDecline = "decline"
)

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string                          `yaml:"listen"`
	Environment   string                          `yaml:"env"`
	FeePolicyPath string                          `yaml:"fee_policy"`
	Logging       LoggingConfig                   `yaml:"logging"`
	Telemetry     telemetry.Config                `yaml:"telemetry"`
	Auth          middleware.AuthConfig           `yaml:"auth"`
	CORS          middleware.CORSConfig           `yaml:"cors"`
	RateLimits    map[string]middleware.RateLimit `yaml:"rate_limits"`
	Storage       StorageConfig                   `yaml:"storage"`
	Engine        EngineConfig                    `yaml:"engine"`
	Sweeper       SweeperConfig                   `yaml:"sweeper"`
	Notify        NotifyConfig                    `yaml:"notify"`
	Payments      PaymentsConfig                  `yaml:"payments"`
}

// LoggingConfig selects the log level and optional rotated file output.
type LoggingConfig struct {
	Level string             `yaml:"level"`
	File  logging.FileConfig `yaml:"file"`
}

// StorageConfig selects the escrow ledger backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// EngineConfig tunes the escrow state machine.
type EngineConfig struct {
	MaxDownloads   int      `yaml:"max_downloads"`
	ReservationTTL Duration `yaml:"reservation_ttl"`
	ExpiryGrace    Duration `yaml:"expiry_grace"`
	CommitRetries  int      `yaml:"commit_retries"`
}

// SweeperConfig controls the deadline sweeper cadence.
type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
	Disabled bool     `yaml:"disabled"`
}

// NotifyConfig controls notification fan-out.
type NotifyConfig struct {
	WebhookURL       string   `yaml:"webhook_url"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	QueueCapacity    int      `yaml:"queue_capacity"`
	QueueTTL         Duration `yaml:"queue_ttl"`
	DeliveriesPerSec float64  `yaml:"deliveries_per_second"`
	BusBuffer        int      `yaml:"bus_buffer"`
}

// PaymentsConfig configures the payment gateway client and inbound webhook.
type PaymentsConfig struct {
	Mode          string   `yaml:"mode"`
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	WebhookSecret string   `yaml:"webhook_secret"`
	Timeout       Duration `yaml:"timeout"`
}

// LoadConfig reads the YAML configuration file from disk, applies ESCROWD_*
// environment overrides and fills defaults. An empty path yields a config
// built from defaults and the environment alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddress = getenvDefault("ESCROWD_LISTEN", cfg.ListenAddress)
	cfg.Environment = getenvDefault("ESCROWD_ENV", cfg.Environment)
	cfg.FeePolicyPath = getenvDefault("ESCROWD_FEE_POLICY", cfg.FeePolicyPath)
	cfg.Logging.Level = getenvDefault("ESCROWD_LOG_LEVEL", cfg.Logging.Level)
	cfg.Storage.Backend = getenvDefault("ESCROWD_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getenvDefault("ESCROWD_STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = getenvDefault("ESCROWD_STORAGE_DSN", cfg.Storage.DSN)
	cfg.Auth.HMACSecret = getenvDefault("ESCROWD_JWT_SECRET", cfg.Auth.HMACSecret)
	cfg.Payments.Mode = getenvDefault("ESCROWD_PAYMENTS_MODE", cfg.Payments.Mode)
	cfg.Payments.BaseURL = getenvDefault("ESCROWD_PAYMENTS_URL", cfg.Payments.BaseURL)
	cfg.Payments.APIKey = getenvDefault("ESCROWD_PAYMENTS_API_KEY", cfg.Payments.APIKey)
	cfg.Payments.WebhookSecret = getenvDefault("ESCROWD_PAYMENTS_WEBHOOK_SECRET", cfg.Payments.WebhookSecret)
	cfg.Notify.WebhookURL = getenvDefault("ESCROWD_NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.WebhookSecret = getenvDefault("ESCROWD_NOTIFY_WEBHOOK_SECRET", cfg.Notify.WebhookSecret)
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_AUTH_ENABLED")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Traces = true
		cfg.Telemetry.Metrics = true
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); raw != "" {
		cfg.Telemetry.Headers = telemetry.ParseHeaders(raw)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "escrowd"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = cfg.Environment
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Sweeper.Interval.Duration <= 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.Notify.QueueCapacity <= 0 {
		cfg.Notify.QueueCapacity = 1024
	}
	if cfg.Notify.QueueTTL.Duration <= 0 {
		cfg.Notify.QueueTTL.Duration = 15 * time.Minute
	}
	if cfg.Notify.DeliveriesPerSec <= 0 {
		cfg.Notify.DeliveriesPerSec = 20
	}
	if cfg.Notify.BusBuffer <= 0 {
		cfg.Notify.BusBuffer = 256
	}
	if cfg.Payments.Mode == "" {
		if cfg.Payments.BaseURL != "" {
			cfg.Payments.Mode = PaymentsHTTP
		} else {
			cfg.Payments.Mode = PaymentsApprove
		}
	}
	cfg.Payments.Mode = strings.ToLower(strings.TrimSpace(cfg.Payments.Mode))
	if cfg.Payments.Timeout.Duration <= 0 {
		cfg.Payments.Timeout.Duration = 10 * time.Second
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]middleware.RateLimit{
			"escrows":  {RequestsPerMinute: 120, Burst: 20},
			"purchase": {RequestsPerMinute: 30, Burst: 5},
			"disputes": {RequestsPerMinute: 30, Burst: 5},
		}
	}
	if len(cfg.Auth.OptionalPaths) == 0 {
		cfg.Auth.OptionalPaths = []string{"/healthz", "/metrics", "/v1/payments/webhook"}
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt, BackendSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" && strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage path required for %s backend", cfg.Storage.Backend)
		}
	case BackendPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	switch cfg.Payments.Mode {
	case PaymentsHTTP:
		if strings.TrimSpace(cfg.Payments.BaseURL) == "" {
			return errors.New("payments base_url required in http mode")
		}
	case PaymentsApprove, PaymentsDecline:
		if isProduction(cfg.Environment) {
			return fmt.Errorf("payments mode %q not allowed in %s", cfg.Payments.Mode, cfg.Environment)
		}
	default:
		return fmt.Errorf("unknown payments mode %q", cfg.Payments.Mode)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return errors.New("auth enabled but jwt secret missing")
	}
	if !cfg.Auth.Enabled && isProduction(cfg.Environment) {
		return errors.New("auth must be enabled in production")
	}
	if cfg.Engine.MaxDownloads < 0 {
		return errors.New("engine max_downloads must not be negative")
	}
	if cfg.Engine.ExpiryGrace.Duration < 0 {
		return errors.New("engine expiry_grace must not be negative")
	}
	if cfg.Notify.WebhookURL != "" && strings.TrimSpace(cfg.Notify.WebhookSecret) == "" {
		return errors.New("notify webhook_secret required when webhook_url is set")
	}
	return nil
}

func isProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production":
		return true
	}
	return false
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
