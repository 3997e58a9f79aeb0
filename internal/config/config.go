package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSMARTScope is the scope requested during the SMART launch. It covers
// reading orders and weights and writing back weights and dose orders.
const DefaultSMARTScope = "launch/patient patient/Patient.read patient/Observation.read " +
	"patient/Observation.write patient/ServiceRequest.read patient/MedicationRequest.write openid fhirUser"

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FHIRBase       string `mapstructure:"FHIR_BASE"`
	FHIRTimeoutSec int    `mapstructure:"FHIR_TIMEOUT_SEC"`
	FHIRPageSize   int    `mapstructure:"FHIR_PAGE_SIZE"`
	FHIRMaxPages   int    `mapstructure:"FHIR_MAX_PAGES"`

	RulesPath        string `mapstructure:"RULES_PATH"`
	RulesS3Region    string `mapstructure:"RULES_S3_REGION"`
	RulesS3Endpoint  string `mapstructure:"RULES_S3_ENDPOINT"`
	RulesS3PathStyle bool   `mapstructure:"RULES_S3_PATH_STYLE"`
	RulesStrict      bool   `mapstructure:"RULES_STRICT"`

	WeightLookbackDays   int           `mapstructure:"WEIGHT_LOOKBACK_DAYS"`
	WeightStaleAsMissing bool          `mapstructure:"WEIGHT_STALE_AS_MISSING"`
	WeightSettleDelay    time.Duration `mapstructure:"WEIGHT_SETTLE_DELAY"`

	ClientID    string `mapstructure:"CLIENT_ID"`
	RedirectURI string `mapstructure:"REDIRECT_URI"`
	SMARTScope  string `mapstructure:"SMART_SCOPE"`

	SessionStore string        `mapstructure:"SESSION_STORE"`
	SessionTTL   time.Duration `mapstructure:"SESSION_TTL"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath   string        `mapstructure:"SQLITE_PATH"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"FHIR_BASE", "FHIR_TIMEOUT_SEC", "FHIR_PAGE_SIZE", "FHIR_MAX_PAGES",
	"RULES_PATH", "RULES_S3_REGION", "RULES_S3_ENDPOINT", "RULES_S3_PATH_STYLE", "RULES_STRICT",
	"WEIGHT_LOOKBACK_DAYS", "WEIGHT_STALE_AS_MISSING", "WEIGHT_SETTLE_DELAY",
	"CLIENT_ID", "REDIRECT_URI", "SMART_SCOPE",
	"SESSION_STORE", "SESSION_TTL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_BASE", "http://localhost:4000/v/r4/fhir")
	v.SetDefault("FHIR_TIMEOUT_SEC", 10)
	v.SetDefault("FHIR_PAGE_SIZE", 100)
	v.SetDefault("FHIR_MAX_PAGES", 10)
	v.SetDefault("RULES_S3_REGION", "us-east-1")
	v.SetDefault("WEIGHT_LOOKBACK_DAYS", 90)
	v.SetDefault("WEIGHT_STALE_AS_MISSING", false)
	v.SetDefault("WEIGHT_SETTLE_DELAY", "2s")
	v.SetDefault("CLIENT_ID", "nm-cds-client")
	v.SetDefault("REDIRECT_URI", "http://localhost:8000/callback")
	v.SetDefault("SMART_SCOPE", DefaultSMARTScope)
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SQLITE_PATH", "nmcds.db")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.FHIRBase = strings.TrimRight(cfg.FHIRBase, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FHIRTimeout returns the per-call timeout for upstream FHIR requests.
func (c *Config) FHIRTimeout() time.Duration {
	return time.Duration(c.FHIRTimeoutSec) * time.Second
}

// RulesFromS3 reports whether the rules document is fetched from object storage.
func (c *Config) RulesFromS3() bool {
	return strings.HasPrefix(c.RulesPath, "s3://")
}

// Validate checks that the configuration is usable before any component is
// constructed.
func (c *Config) Validate() error {
	if c.FHIRBase == "" {
		return fmt.Errorf("FHIR_BASE is required")
	}
	if c.FHIRTimeoutSec <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT_SEC must be positive, got %d", c.FHIRTimeoutSec)
	}
	if c.FHIRPageSize <= 0 || c.FHIRPageSize > 1000 {
		return fmt.Errorf("FHIR_PAGE_SIZE must be between 1 and 1000, got %d", c.FHIRPageSize)
	}
	if c.FHIRMaxPages <= 0 {
		return fmt.Errorf("FHIR_MAX_PAGES must be positive, got %d", c.FHIRMaxPages)
	}
	if c.WeightLookbackDays < 0 {
		return fmt.Errorf("WEIGHT_LOOKBACK_DAYS must not be negative, got %d", c.WeightLookbackDays)
	}
	if c.WeightSettleDelay < 0 {
		return fmt.Errorf("WEIGHT_SETTLE_DELAY must not be negative")
	}

	switch c.SessionStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE is \"postgres\"")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when SESSION_STORE is \"sqlite\"")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be \"memory\", \"postgres\", or \"sqlite\", got %q", c.SessionStore)
	}

	if c.RulesFromS3() {
		rest := strings.TrimPrefix(c.RulesPath, "s3://")
		if i := strings.Index(rest, "/"); i <= 0 || i == len(rest)-1 {
			return fmt.Errorf("RULES_PATH %q must have the form s3://bucket/key", c.RulesPath)
		}
	}
	return nil
}
