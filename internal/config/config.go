package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	LogLevel            string   `mapstructure:"LOG_LEVEL"`
	RulesSource         string   `mapstructure:"RULES_SOURCE"`
	RulesFile           string   `mapstructure:"RULES_FILE"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	EncounterQueueSize  int      `mapstructure:"ENCOUNTER_QUEUE_SIZE"`
	EncounterAutoStart  bool     `mapstructure:"ENCOUNTER_AUTO_START"`
	EncounterEndedLimit int      `mapstructure:"ENCOUNTER_ENDED_LIMIT"`
	MaxHypotheses       int      `mapstructure:"MAX_HYPOTHESES"`
	MaxGaps             int      `mapstructure:"MAX_GAPS"`
	MaxManagement       int      `mapstructure:"MAX_MANAGEMENT"`
	GapConfidenceFloor  float64  `mapstructure:"GAP_CONFIDENCE_FLOOR"`
	ManagementThreshold float64  `mapstructure:"MANAGEMENT_THRESHOLD"`
	AuthSigningKey      string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer          string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"RULES_SOURCE", "RULES_FILE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ENCOUNTER_QUEUE_SIZE", "ENCOUNTER_AUTO_START", "ENCOUNTER_ENDED_LIMIT",
	"MAX_HYPOTHESES", "MAX_GAPS", "MAX_MANAGEMENT",
	"GAP_CONFIDENCE_FLOOR", "MANAGEMENT_THRESHOLD",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RULES_SOURCE", "embedded")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("ENCOUNTER_QUEUE_SIZE", 64)
	v.SetDefault("ENCOUNTER_AUTO_START", false)
	v.SetDefault("ENCOUNTER_ENDED_LIMIT", 4096)
	v.SetDefault("MAX_HYPOTHESES", 5)
	v.SetDefault("MAX_GAPS", 6)
	v.SetDefault("MAX_MANAGEMENT", 8)
	v.SetDefault("GAP_CONFIDENCE_FLOOR", 0.30)
	v.SetDefault("MANAGEMENT_THRESHOLD", 0.50)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

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

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
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

// AuthEnabled reports whether requests must carry a signed token.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run. DATABASE_URL is
// only required when rules are read from Postgres; production requires
// token authentication.
func (c *Config) Validate() error {
	switch c.RulesSource {
	case "embedded":
	case "file":
		if c.RulesFile == "" {
			return fmt.Errorf("RULES_FILE is required when RULES_SOURCE is \"file\"")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when RULES_SOURCE is \"postgres\"")
		}
	default:
		return fmt.Errorf("RULES_SOURCE must be \"embedded\", \"file\", or \"postgres\", got %q", c.RulesSource)
	}

	if c.IsProduction() && !c.AuthEnabled() {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.AuthEnabled() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.EncounterQueueSize <= 0 {
		return fmt.Errorf("ENCOUNTER_QUEUE_SIZE must be positive, got %d", c.EncounterQueueSize)
	}
	if c.EncounterEndedLimit <= 0 {
		return fmt.Errorf("ENCOUNTER_ENDED_LIMIT must be positive, got %d", c.EncounterEndedLimit)
	}
	if c.MaxHypotheses <= 0 || c.MaxGaps <= 0 || c.MaxManagement <= 0 {
		return fmt.Errorf("MAX_HYPOTHESES, MAX_GAPS and MAX_MANAGEMENT must be positive")
	}
	if c.GapConfidenceFloor < 0 || c.GapConfidenceFloor > 1 {
		return fmt.Errorf("GAP_CONFIDENCE_FLOOR must be within [0,1], got %v", c.GapConfidenceFloor)
	}
	if c.ManagementThreshold < 0 || c.ManagementThreshold > 1 {
		return fmt.Errorf("MANAGEMENT_THRESHOLD must be within [0,1], got %v", c.ManagementThreshold)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
