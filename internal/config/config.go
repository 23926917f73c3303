package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	BaseURL              string        `mapstructure:"BASE_URL"`
	StoreBackend         string        `mapstructure:"STORE_BACKEND"`
	BadgerDir            string        `mapstructure:"BADGER_DIR"`
	BadgerInMemory       bool          `mapstructure:"BADGER_IN_MEMORY"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DatabaseSchema       string        `mapstructure:"DATABASE_SCHEMA"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	BreakerEnabled       bool          `mapstructure:"BREAKER_ENABLED"`
	BreakerTimeout       time.Duration `mapstructure:"BREAKER_TIMEOUT"`
	ReindexWorkers       int           `mapstructure:"REINDEX_WORKERS"`
	KafkaBrokers         []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic           string        `mapstructure:"KAFKA_TOPIC"`
	KafkaGroup           string        `mapstructure:"KAFKA_GROUP"`
	OTLPEndpoint         string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate      float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	SearchParametersFile string        `mapstructure:"SEARCH_PARAMETERS_FILE"`
	PageSize             int           `mapstructure:"PAGE_SIZE"`
}

var keys = []string{
	"PORT",
	"ENV",
	"BASE_URL",
	"STORE_BACKEND",
	"BADGER_DIR",
	"BADGER_IN_MEMORY",
	"DATABASE_URL",
	"DATABASE_SCHEMA",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"BREAKER_ENABLED",
	"BREAKER_TIMEOUT",
	"REINDEX_WORKERS",
	"KAFKA_BROKERS",
	"KAFKA_TOPIC",
	"KAFKA_GROUP",
	"OTLP_ENDPOINT",
	"TRACE_SAMPLE_RATE",
	"SEARCH_PARAMETERS_FILE",
	"PAGE_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir")
	v.SetDefault("STORE_BACKEND", BackendBadger)
	v.SetDefault("BADGER_DIR", "data/index")
	v.SetDefault("BADGER_IN_MEMORY", false)
	v.SetDefault("DATABASE_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BREAKER_ENABLED", true)
	v.SetDefault("BREAKER_TIMEOUT", "30s")
	v.SetDefault("REINDEX_WORKERS", 8)
	v.SetDefault("KAFKA_TOPIC", "fhir.resources")
	v.SetDefault("KAFKA_GROUP", "fhir-index")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("PAGE_SIZE", 50)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration can run. Kafka settings are only
// required by the consume command, see ValidateFeed.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendBadger:
		if !c.BadgerInMemory && c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required unless BADGER_IN_MEMORY is true")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendBadger, BackendPostgres, c.StoreBackend)
	}

	if c.IsProduction() && c.BadgerInMemory {
		return fmt.Errorf("BADGER_IN_MEMORY is not allowed in production")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %g", c.TraceSampleRate)
	}
	if c.ReindexWorkers < 1 {
		return fmt.Errorf("REINDEX_WORKERS must be positive, got %d", c.ReindexWorkers)
	}
	if c.BreakerEnabled && c.BreakerTimeout <= 0 {
		return fmt.Errorf("BREAKER_TIMEOUT must be positive when BREAKER_ENABLED is true")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	return nil
}

// ValidateFeed checks the change-feed settings.
func (c *Config) ValidateFeed() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required to consume the change feed")
	}
	if c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required to consume the change feed")
	}
	return nil
}
