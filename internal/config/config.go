// Package config loads marketplace service settings from a YAML file with
// DOITEZ_-prefixed environment overrides on top, the same surface the
// deployment manifests use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all environment overrides.
const EnvPrefix = "DOITEZ_"

// DefaultSettingsPath is used when DOITEZ_SETTINGS_FILE is unset.
const DefaultSettingsPath = "config/settings.yaml"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// MarketplaceConfig identifies the provider project and the signup token
// audience.
type MarketplaceConfig struct {
	Project                 string `yaml:"project"`
	Audience                string `yaml:"audience"`
	AutoApproveEntitlements bool   `yaml:"auto_approve_entitlements"`
}

// EmailConfig holds SendGrid delivery settings.
type EmailConfig struct {
	SendgridAPIKey    string   `yaml:"sendgrid_api_key"`
	SendgridFromEmail string   `yaml:"sendgrid_from_email"`
	Recipients        []string `yaml:"recipients"`
}

// EventsConfig holds the downstream provisioning topic and the pending
// entitlement sweep schedule.
type EventsConfig struct {
	Topic         string `yaml:"topic"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DatabaseConfig holds the optional Postgres customer store settings. An
// empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
}

// RedisConfig holds the optional event dedup store settings. An empty Addr
// selects the in-memory deduper.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProductConfig overrides notification settings for one product prefix.
// Unset fields fall back to the top-level settings.
type ProductConfig struct {
	EventTopic              *string  `yaml:"event_topic"`
	AutoApproveEntitlements *bool    `yaml:"auto_approve_entitlements"`
	EmailRecipients         []string `yaml:"email_recipients"`
	SlackWebhook            *string  `yaml:"slack_webhook"`
}

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	Logging      LoggingConfig            `yaml:"logging"`
	Marketplace  MarketplaceConfig        `yaml:"marketplace"`
	Email        EmailConfig              `yaml:"email"`
	SlackWebhook string                   `yaml:"slack_webhook"`
	Events       EventsConfig             `yaml:"events"`
	Database     DatabaseConfig           `yaml:"database"`
	Redis        RedisConfig              `yaml:"redis"`
	Products     map[string]ProductConfig `yaml:"products"`
}

// ProductSettings is the effective per-product notification configuration
// after overrides are applied.
type ProductSettings struct {
	EventTopic              string
	AutoApproveEntitlements bool
	EmailRecipients         []string
	SlackWebhook            string
}

// Load reads the settings file named by DOITEZ_SETTINGS_FILE (default
// config/settings.yaml) and applies environment overrides. A missing
// settings file is tolerated so the service can run from environment alone.
func Load() (*Config, error) {
	// Best effort: local development keeps overrides in a .env file.
	_ = godotenv.Load()

	path := os.Getenv(EnvPrefix + "SETTINGS_FILE")
	if path == "" {
		path = DefaultSettingsPath
	}
	return LoadFromPath(path)
}

// LoadFromPath reads settings from an explicit file path plus environment
// overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Environment-only deployment.
	default:
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 30,
			IdleTimeoutSec:  60,
		},
		Logging: LoggingConfig{
			Level:  "debug",
			Format: "json",
			Output: "stdout",
		},
		Events: EventsConfig{
			SweepSchedule: "@every 10m",
		},
		Database: DatabaseConfig{
			MaxOpenConns:       10,
			MaxIdleConns:       5,
			ConnMaxLifetimeSec: 1800,
		},
	}
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}

	setString("LISTEN_ADDR", &c.Server.Listen)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
	setString("MARKETPLACE_PROJECT", &c.Marketplace.Project)
	setString("AUDIENCE", &c.Marketplace.Audience)
	setBool("AUTO_APPROVE_ENTITLEMENTS", &c.Marketplace.AutoApproveEntitlements)
	setString("SENDGRID_API_KEY", &c.Email.SendgridAPIKey)
	setString("SENDGRID_FROM_EMAIL", &c.Email.SendgridFromEmail)
	setString("SLACK_WEBHOOK", &c.SlackWebhook)
	setString("EVENT_TOPIC", &c.Events.Topic)
	setString("SWEEP_SCHEDULE", &c.Events.SweepSchedule)
	setString("DATABASE_DSN", &c.Database.DSN)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := os.LookupEnv(EnvPrefix + "EMAIL_RECIPIENTS"); ok {
		c.Email.Recipients = splitList(v)
	}

	// Cloud Run sets PORT; it wins over the configured listener.
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Listen = ":" + port
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Events.SweepSchedule == "" {
		c.Events.SweepSchedule = "@every 10m"
	}
}

// Validate enforces the settings without which the service cannot run.
func (c *Config) Validate() error {
	if c.Marketplace.Project == "" {
		return fmt.Errorf("config: marketplace.project is required")
	}
	if c.Marketplace.Audience == "" {
		return fmt.Errorf("config: marketplace.audience is required")
	}
	return nil
}

// ProductSettings resolves the effective notification settings for one
// product prefix, applying any per-product overrides over the defaults.
func (c *Config) ProductSettings(product string) ProductSettings {
	s := ProductSettings{
		EventTopic:              c.Events.Topic,
		AutoApproveEntitlements: c.Marketplace.AutoApproveEntitlements,
		EmailRecipients:         c.Email.Recipients,
		SlackWebhook:            c.SlackWebhook,
	}
	override, ok := c.Products[product]
	if !ok {
		return s
	}
	if override.EventTopic != nil {
		s.EventTopic = *override.EventTopic
	}
	if override.AutoApproveEntitlements != nil {
		s.AutoApproveEntitlements = *override.AutoApproveEntitlements
	}
	if override.EmailRecipients != nil {
		s.EmailRecipients = override.EmailRecipients
	}
	if override.SlackWebhook != nil {
		s.SlackWebhook = *override.SlackWebhook
	}
	return s
}

// Redacted returns a loggable view of the configuration with secrets elided.
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"listen":                    c.Server.Listen,
		"log_level":                 c.Logging.Level,
		"marketplace_project":       c.Marketplace.Project,
		"audience":                  c.Marketplace.Audience,
		"auto_approve_entitlements": c.Marketplace.AutoApproveEntitlements,
		"sendgrid_configured":       c.Email.SendgridAPIKey != "",
		"email_recipients":          len(c.Email.Recipients),
		"slack_configured":          c.SlackWebhook != "",
		"event_topic":               c.Events.Topic,
		"sweep_schedule":            c.Events.SweepSchedule,
		"database_configured":       c.Database.DSN != "",
		"redis_configured":          c.Redis.Addr != "",
		"product_overrides":         len(c.Products),
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
