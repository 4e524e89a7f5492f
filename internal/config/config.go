// Package config loads the application configuration from an optional JSON5
// file overlaid with TASKPILOT_ environment variables. Env vars win.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Config is the root configuration object, constructed once in the
// composition root and passed down explicitly.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	LLM      LLMConfig      `json:"llm"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Server   ServerConfig   `json:"server"`
	Sheets   SheetsConfig   `json:"sheets"`
	Calendar CalendarConfig `json:"calendar"`
	Events   EventsConfig   `json:"events"`
	Outbox   OutboxConfig   `json:"outbox"`
	Review   ReviewConfig   `json:"review"`
	Team     []StaticMember `json:"team"`

	// Timezone for schedules and user-facing timestamps, e.g. "Asia/Saigon".
	Timezone string `json:"timezone"`

	// EncryptionKey protects OAuth tokens at rest. Base64 or hex encoded
	// 32 bytes; empty disables encryption.
	EncryptionKey string `json:"encryption_key"`
}

type TelegramConfig struct {
	Token      string           `json:"token"`
	BossUserID string           `json:"boss_user_id"`
	BossChatID int64            `json:"boss_chat_id"`
	Proxy      string           `json:"proxy"`
	RoleChats  map[string]int64 `json:"role_chats"` // role -> routing group chat
}

type LLMConfig struct {
	APIKey    string `json:"api_key"`
	APIBase   string `json:"api_base"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (l LLMConfig) Timeout() time.Duration {
	if l.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

type PostgresConfig struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	WebhookSecret string `json:"webhook_secret"`
	AdminSecret   string `json:"admin_secret"`
	APIToken      string `json:"api_token"`

	// Requests per minute; zero disables the limiter.
	RateLimitAuth   int `json:"rate_limit_auth"`
	RateLimitPublic int `json:"rate_limit_public"`
}

type SheetsConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

type CalendarConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

func (c CalendarConfig) Enabled() bool { return c.BaseURL != "" }

// EventsConfig configures the outbound event webhook: task lifecycle events
// are POSTed to WebhookURL, signed with WebhookSecret.
type EventsConfig struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret"`
}

func (e EventsConfig) Enabled() bool { return e.WebhookURL != "" }

type OutboxConfig struct {
	Workers      int    `json:"workers"`
	FallbackPath string `json:"fallback_path"`
}

type ReviewConfig struct {
	Threshold int `json:"threshold"`
}

// StaticMember is the tier-3 assignee fallback defined in config.
type StaticMember struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	TransportID string `json:"transport_id"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RateLimitAuth:   120,
			RateLimitPublic: 300,
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			TimeoutMS: 30000,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Outbox: OutboxConfig{
			Workers:      2,
			FallbackPath: "dead-letters.log",
		},
		Review:   ReviewConfig{Threshold: 70},
		Timezone: "UTC",
	}
}

// Load reads config from an optional JSON5 file, then overlays env vars.
// A .env file in the working directory is honored first.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays TASKPILOT_ env vars. Env vars take precedence
// over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("TASKPILOT_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("TASKPILOT_BOSS_USER_ID", &c.Telegram.BossUserID)
	if v := os.Getenv("TASKPILOT_BOSS_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.BossChatID = n
		}
	}
	envStr("TASKPILOT_TELEGRAM_PROXY", &c.Telegram.Proxy)

	envStr("TASKPILOT_LLM_API_KEY", &c.LLM.APIKey)
	envStr("TASKPILOT_LLM_API_BASE", &c.LLM.APIBase)
	envStr("TASKPILOT_LLM_MODEL", &c.LLM.Model)
	envInt("TASKPILOT_LLM_TIMEOUT_MS", &c.LLM.TimeoutMS)

	envStr("TASKPILOT_POSTGRES_DSN", &c.Postgres.DSN)
	envStr("TASKPILOT_REDIS_URL", &c.Redis.URL)
	envStr("TASKPILOT_ENCRYPTION_KEY", &c.EncryptionKey)
	envStr("TASKPILOT_TIMEZONE", &c.Timezone)

	envStr("TASKPILOT_HOST", &c.Server.Host)
	envInt("TASKPILOT_PORT", &c.Server.Port)
	envStr("TASKPILOT_WEBHOOK_SECRET", &c.Server.WebhookSecret)
	envStr("TASKPILOT_ADMIN_SECRET", &c.Server.AdminSecret)
	envStr("TASKPILOT_API_TOKEN", &c.Server.APIToken)
	envInt("TASKPILOT_RATE_LIMIT_AUTH", &c.Server.RateLimitAuth)
	envInt("TASKPILOT_RATE_LIMIT_PUBLIC", &c.Server.RateLimitPublic)

	envStr("TASKPILOT_SHEETS_BASE_URL", &c.Sheets.BaseURL)
	envStr("TASKPILOT_SHEETS_API_KEY", &c.Sheets.APIKey)
	envStr("TASKPILOT_CALENDAR_BASE_URL", &c.Calendar.BaseURL)
	envStr("TASKPILOT_CALENDAR_API_KEY", &c.Calendar.APIKey)
	envStr("TASKPILOT_EVENTS_WEBHOOK_URL", &c.Events.WebhookURL)
	envStr("TASKPILOT_EVENTS_WEBHOOK_SECRET", &c.Events.WebhookSecret)

	envInt("TASKPILOT_OUTBOX_WORKERS", &c.Outbox.Workers)
	envStr("TASKPILOT_OUTBOX_FALLBACK_PATH", &c.Outbox.FallbackPath)
	envInt("TASKPILOT_REVIEW_THRESHOLD", &c.Review.Threshold)
}

// Validate checks the fields the process cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram token (TASKPILOT_TELEGRAM_TOKEN)")
	}
	if c.Telegram.BossUserID == "" {
		missing = append(missing, "boss user id (TASKPILOT_BOSS_USER_ID)")
	}
	if c.Postgres.DSN == "" {
		missing = append(missing, "postgres dsn (TASKPILOT_POSTGRES_DSN)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config incomplete: %s", strings.Join(missing, ", "))
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("bad timezone %q: %w", c.Timezone, err)
	}
	if c.EncryptionKey != "" {
		if _, err := c.EncryptionKeyBytes(); err != nil {
			return err
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("bad port %d", c.Server.Port)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// EncryptionKeyBytes decodes the key from base64 or hex.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(c.EncryptionKey); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := hex.DecodeString(c.EncryptionKey); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, fmt.Errorf("encryption key must decode to 32 bytes (base64 or hex)")
}

// MaskedCopy returns a copy safe for logging: secrets replaced with "***".
func (c *Config) MaskedCopy() *Config {
	cp := *c
	maskNonEmpty(&cp.Telegram.Token)
	maskNonEmpty(&cp.LLM.APIKey)
	maskNonEmpty(&cp.Postgres.DSN)
	maskNonEmpty(&cp.Redis.URL)
	maskNonEmpty(&cp.EncryptionKey)
	maskNonEmpty(&cp.Server.WebhookSecret)
	maskNonEmpty(&cp.Server.AdminSecret)
	maskNonEmpty(&cp.Server.APIToken)
	maskNonEmpty(&cp.Sheets.APIKey)
	maskNonEmpty(&cp.Calendar.APIKey)
	maskNonEmpty(&cp.Events.WebhookSecret)
	return &cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = "***"
	}
}
