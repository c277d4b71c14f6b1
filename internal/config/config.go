package config

import (
	"math"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store          StoreConfig          `yaml:"store" mapstructure:"store"`
	Google         GoogleConfig         `yaml:"google" mapstructure:"google"`
	CompaniesHouse CompaniesHouseConfig `yaml:"companies_house" mapstructure:"companies_house"`
	Web            WebConfig            `yaml:"web" mapstructure:"web"`
	Aggregate      AggregateConfig      `yaml:"aggregate" mapstructure:"aggregate"`
	Strategy       StrategyConfig       `yaml:"strategy" mapstructure:"strategy"`
	Dedup          DedupConfig          `yaml:"dedup" mapstructure:"dedup"`
	Quality        QualityConfig        `yaml:"quality" mapstructure:"quality"`
	Industries     IndustriesConfig     `yaml:"industries" mapstructure:"industries"`
	Verify         VerifyConfig         `yaml:"verify" mapstructure:"verify"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second
}

// CompaniesHouseConfig holds Companies House API settings.
type CompaniesHouseConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit      float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MatchThreshold float64 `yaml:"match_threshold" mapstructure:"match_threshold"`
}

// WebConfig configures the rendered-page listing scraper.
type WebConfig struct {
	// SearchURL is a template with {query}, {location} and {page} placeholders.
	SearchURL string  `yaml:"search_url" mapstructure:"search_url"`
	UserAgent string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AggregateConfig controls the orchestrator.
type AggregateConfig struct {
	Concurrency int      `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Strategies  []string `yaml:"strategies" mapstructure:"strategies"`
}

// StrategyConfig bounds the acquisition strategies.
type StrategyConfig struct {
	RadiusMeters float64     `yaml:"radius_meters" mapstructure:"radius_meters"`
	MaxPages     int         `yaml:"max_pages" mapstructure:"max_pages"`
	MaxTerms     int         `yaml:"max_terms" mapstructure:"max_terms"`
	MaxAreas     int         `yaml:"max_areas" mapstructure:"max_areas"`
	KnownLimit   int         `yaml:"known_limit" mapstructure:"known_limit"`
	Retry        RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures strategy-level retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// DedupConfig holds the similarity thresholds.
type DedupConfig struct {
	NameThreshold     float64  `yaml:"name_threshold" mapstructure:"name_threshold"`
	NameOnlyThreshold float64  `yaml:"name_only_threshold" mapstructure:"name_only_threshold"`
	SharedHosts       []string `yaml:"shared_hosts" mapstructure:"shared_hosts"`
}

// QualityConfig holds the quality score weights.
type QualityConfig struct {
	Phone        float64 `yaml:"phone" mapstructure:"phone"`
	Website      float64 `yaml:"website" mapstructure:"website"`
	Email        float64 `yaml:"email" mapstructure:"email"`
	Address      float64 `yaml:"address" mapstructure:"address"`
	Categories   float64 `yaml:"categories" mapstructure:"categories"`
	Rating       float64 `yaml:"rating" mapstructure:"rating"`
	OpeningHours float64 `yaml:"opening_hours" mapstructure:"opening_hours"`
	Name         float64 `yaml:"name" mapstructure:"name"`
}

// Sum returns the total of all weights.
func (q QualityConfig) Sum() float64 {
	return q.Phone + q.Website + q.Email + q.Address + q.Categories + q.Rating + q.OpeningHours + q.Name
}

// IndustriesConfig points at an optional industry catalog file.
type IndustriesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// VerifyConfig controls the registry verification sweep.
type VerifyConfig struct {
	MaxAgeDays  int `yaml:"max_age_days" mapstructure:"max_age_days"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultSharedHosts are directory and social hosts that never identify a
// single business.
var DefaultSharedHosts = []string{
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"linkedin.com",
	"yell.com",
	"yelp.com",
	"yelp.co.uk",
	"google.com",
	"business.site",
	"tripadvisor.co.uk",
	"checkatrade.com",
	"wix.com",
}

// Load reads configuration from a .env file, config.yaml and environment variables.
func Load() (*Config, error) {
	// .env is optional; existing environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "listings.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.rate_limit", 5.0)
	v.SetDefault("companies_house.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("companies_house.rate_limit", 2.0)
	v.SetDefault("companies_house.match_threshold", 0.6)
	v.SetDefault("web.user_agent", "listings-cli/1.0")
	v.SetDefault("web.rate_limit", 1.0)
	v.SetDefault("aggregate.concurrency", 3)
	v.SetDefault("aggregate.timeout_secs", 300)
	v.SetDefault("aggregate.strategies", []string{"broad_radius", "keyword_variant", "known_entity", "alt_subdivision"})
	v.SetDefault("strategy.radius_meters", 5000.0)
	v.SetDefault("strategy.max_pages", 3)
	v.SetDefault("strategy.max_terms", 5)
	v.SetDefault("strategy.max_areas", 3)
	v.SetDefault("strategy.known_limit", 3)
	v.SetDefault("strategy.retry.max_attempts", 3)
	v.SetDefault("strategy.retry.initial_backoff_ms", 500)
	v.SetDefault("strategy.retry.max_backoff_ms", 10000)
	v.SetDefault("dedup.name_threshold", 0.6)
	v.SetDefault("dedup.name_only_threshold", 0.8)
	v.SetDefault("dedup.shared_hosts", DefaultSharedHosts)
	v.SetDefault("quality.phone", 0.20)
	v.SetDefault("quality.website", 0.15)
	v.SetDefault("quality.email", 0.10)
	v.SetDefault("quality.address", 0.15)
	v.SetDefault("quality.categories", 0.10)
	v.SetDefault("quality.rating", 0.10)
	v.SetDefault("quality.opening_hours", 0.10)
	v.SetDefault("quality.name", 0.10)
	v.SetDefault("verify.max_age_days", 30)
	v.SetDefault("verify.batch_size", 100)
	v.SetDefault("verify.concurrency", 2)

	// Keys without a default must still be known to viper, or Unmarshal
	// never consults their environment variables.
	for _, key := range []string{"google.key", "companies_house.key", "web.search_url", "industries.path"} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration required by the given command mode.
// Modes: aggregate, serve, verify, store.
func (c *Config) Validate(mode string) error {
	var errs []string

	// Shared bounds.
	if c.Aggregate.Concurrency < 1 || c.Aggregate.Concurrency > 32 {
		errs = append(errs, "aggregate.concurrency must be between 1 and 32")
	}
	if c.Dedup.NameThreshold <= 0 || c.Dedup.NameThreshold > 1 {
		errs = append(errs, "dedup.name_threshold must be in (0, 1]")
	}
	if c.Dedup.NameOnlyThreshold <= 0 || c.Dedup.NameOnlyThreshold > 1 {
		errs = append(errs, "dedup.name_only_threshold must be in (0, 1]")
	}
	q := c.Quality
	if q.Phone < 0 || q.Website < 0 || q.Email < 0 || q.Address < 0 ||
		q.Categories < 0 || q.Rating < 0 || q.OpeningHours < 0 || q.Name < 0 {
		errs = append(errs, "quality weights must be >= 0")
	} else if math.Abs(q.Sum()-1.0) > 1e-9 {
		errs = append(errs, "quality weights must sum to 1.0")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "aggregate":
		if c.Google.Key == "" && c.Web.SearchURL == "" {
			errs = append(errs, "google.key or web.search_url is required")
		}
		if c.Strategy.MaxPages < 1 {
			errs = append(errs, "strategy.max_pages must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Google.Key == "" && c.Web.SearchURL == "" {
			errs = append(errs, "google.key or web.search_url is required")
		}
	case "verify":
		if c.CompaniesHouse.Key == "" {
			errs = append(errs, "companies_house.key is required")
		}
	case "store":
		// Store-only commands need nothing beyond the shared checks.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
