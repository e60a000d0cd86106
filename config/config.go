// Package config loads service settings from the environment and the no-show
// ledger policy from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the process-wide configuration. Field tags name the environment
// variables; defaults match the values the service has always run with.
type Config struct {
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DBDriver       string `envconfig:"DB_DRIVER" default:"postgres"`
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":5200"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	ServiceToken   string `envconfig:"GAME_SERVICE_TOKEN"`
	SyncServiceURL string `envconfig:"SYNC_SERVICE_URL"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`

	SurveyPollInterval time.Duration `envconfig:"SURVEY_POLL_INTERVAL" default:"30s"`
	RosterPollInterval time.Duration `envconfig:"ROSTER_POLL_INTERVAL" default:"1m"`
	SchedulerInterval  time.Duration `envconfig:"NOSHOW_SCHEDULER_INTERVAL" default:"5m"`
	SurveyWindow       time.Duration `envconfig:"SURVEY_WINDOW" default:"24h"`

	TracingStdout bool `envconfig:"TRACING_STDOUT" default:"false"`

	// Pass archive (Cloudflare R2 / S3). Archiving is disabled when the bucket is empty.
	R2AccountID       string `envconfig:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID     string `envconfig:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret string `envconfig:"R2_ACCESS_KEY_SECRET"`
	R2Bucket          string `envconfig:"R2_BUCKET_NAME"`
	R2Endpoint        string `envconfig:"R2_ENDPOINT"`
	ArchivePrefix     string `envconfig:"R2_ARCHIVE_PREFIX" default:"noshow-passes"`

	PolicyFile string `envconfig:"LEDGER_POLICY_FILE"`
	Policy     Policy `ignored:"true"`
}

// Load reads .env (if present), the process environment and the policy file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	switch c.DBDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable not set")
		}
	case DriverSQLite:
		if c.DatabaseURL == "" {
			c.DatabaseURL = "file:pickup.sqlite?_pragma=journal_mode(WAL)"
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.SurveyWindow < 0 {
		return errors.New("SURVEY_WINDOW must not be negative")
	}
	return nil
}

// ErrMissingServiceToken is returned when the HTTP server would start without
// a gateway token to check requests against.
var ErrMissingServiceToken = errors.New("GAME_SERVICE_TOKEN is not set, service cannot authenticate Gateway")

// RequireServiceToken is checked by the serve command only; the CLI commands
// never accept gateway traffic.
func (c *Config) RequireServiceToken() error {
	if strings.TrimSpace(c.ServiceToken) == "" {
		return ErrMissingServiceToken
	}
	return nil
}

// ArchiveEnabled reports whether pass results should be uploaded.
func (c *Config) ArchiveEnabled() bool {
	return c.R2Bucket != ""
}

// Origins returns ALLOWED_ORIGINS normalized for the CORS middleware.
func (c *Config) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
