// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformSlack    = "slack"
	PlatformDiscord  = "discord"
)

// Supported reply generators.
const (
	GeneratorTemplate = "template"
	GeneratorOpenAI   = "openai"
)

// Supported store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Platform  string          `yaml:"platform"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Slack     SlackConfig     `yaml:"slack"`
	Discord   DiscordConfig   `yaml:"discord"`
	Support   SupportConfig   `yaml:"support"`
	Autoreply AutoreplyConfig `yaml:"autoreply"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Languages LanguagesConfig `yaml:"languages"`
	Status    StatusConfig    `yaml:"status"`
}

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token          string `yaml:"token"`
	APIBaseURL     string `yaml:"api_base_url"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
}

// SlackConfig holds Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"` // xapp-...
	BotToken string `yaml:"bot_token"` // xoxb-...
}

// DiscordConfig holds Gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SupportConfig identifies where user messages are relayed to.
type SupportConfig struct {
	GroupID string `yaml:"group_id"`
	TopicID string `yaml:"topic_id"` // optional forum topic / thread
}

// AutoreplyConfig controls the semi-autoreply approval flow.
type AutoreplyConfig struct {
	SemiAuto  *bool        `yaml:"semi_auto"`
	Generator string       `yaml:"generator"`
	OpenAI    OpenAIConfig `yaml:"openai"`
	Expiry    ExpiryConfig `yaml:"expiry"`
}

// OpenAIConfig configures the OpenAI-compatible reply generator.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ExpiryConfig enables automatic discarding of tickets nobody acted on.
// Both fields must be set for expiry to run.
type ExpiryConfig struct {
	TTL  time.Duration `yaml:"ttl"`
	Cron string        `yaml:"cron"`
}

// cronParser accepts the 5-field expressions the expiry scheduler runs.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// StoreConfig selects the database holding correlation entries and tickets.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
}

// LogConfig locates the append-only conversation log.
type LogConfig struct {
	TSVPath string `yaml:"tsv_path"`
}

// LanguagesConfig holds the fallback language for users who never chose one.
type LanguagesConfig struct {
	Default string `yaml:"default"`
}

// StatusConfig controls the HTTP status server.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// SemiAutoEnabled reports whether every user message spawns an autoreply ticket.
func (a AutoreplyConfig) SemiAutoEnabled() bool {
	return a.SemiAuto == nil || *a.SemiAuto
}

// ExpiryEnabled reports whether the expiry sweep should be scheduled.
func (e ExpiryConfig) ExpiryEnabled() bool {
	return e.TTL > 0 && strings.TrimSpace(e.Cron) != ""
}

// Load reads a YAML config file from path and returns a validated Config.
// Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.LookupEnv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) (string, bool) { return "", false })
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment variables the bot has
// always honoured: BOT_TOKEN, GROUP_ID, TOPIC_ID, SEMI_AUTOREPLY_MODE and
// TSV_FILE, plus OPENAI_API_KEY. BOT_TOKEN is applied to the configured
// platform.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BOT_TOKEN"); ok && v != "" {
		switch c.Platform {
		case PlatformSlack:
			c.Slack.BotToken = v
		case PlatformDiscord:
			c.Discord.BotToken = v
		default:
			c.Telegram.Token = v
		}
	}
	if v, ok := lookup("GROUP_ID"); ok && v != "" {
		c.Support.GroupID = v
	}
	if v, ok := lookup("TOPIC_ID"); ok && v != "" {
		c.Support.TopicID = v
	}
	if v, ok := lookup("SEMI_AUTOREPLY_MODE"); ok && v != "" {
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			return fmt.Errorf("config: SEMI_AUTOREPLY_MODE: %w", err)
		}
		c.Autoreply.SemiAuto = &b
	}
	if v, ok := lookup("TSV_FILE"); ok && v != "" {
		c.Log.TSVPath = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		c.Autoreply.OpenAI.APIKey = v
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = PlatformTelegram
	}
	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Autoreply.Generator == "" {
		c.Autoreply.Generator = GeneratorTemplate
	}
	if c.Autoreply.OpenAI.BaseURL == "" {
		c.Autoreply.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Autoreply.OpenAI.Model == "" {
		c.Autoreply.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = "switchboard.db"
	}
	if c.Store.Driver == DriverMySQL {
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" {
			c.Store.Database = "switchboard"
		}
	}
	if c.Log.TSVPath == "" {
		c.Log.TSVPath = "conversations.tsv"
	}
	if c.Languages.Default == "" {
		c.Languages.Default = "en"
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformTelegram:
		if c.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required")
		}
	case PlatformSlack:
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported", c.Platform))
	}
	if c.Support.GroupID == "" {
		errs = append(errs, "support.group_id is required")
	}
	switch c.Autoreply.Generator {
	case GeneratorTemplate:
	case GeneratorOpenAI:
		if c.Autoreply.OpenAI.APIKey == "" {
			errs = append(errs, "autoreply.openai.api_key is required for the openai generator")
		}
	default:
		errs = append(errs, fmt.Sprintf("autoreply.generator %q is not supported", c.Autoreply.Generator))
	}
	if c.Autoreply.Expiry.TTL < 0 {
		errs = append(errs, "autoreply.expiry.ttl must not be negative")
	}
	if (c.Autoreply.Expiry.TTL > 0) != (strings.TrimSpace(c.Autoreply.Expiry.Cron) != "") {
		errs = append(errs, "autoreply.expiry needs both ttl and cron")
	}
	if expr := strings.TrimSpace(c.Autoreply.Expiry.Cron); expr != "" {
		if _, err := cronParser.Parse(expr); err != nil {
			errs = append(errs, fmt.Sprintf("autoreply.expiry.cron %q: %v", expr, err))
		}
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		errs = append(errs, "status.port out of range")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
