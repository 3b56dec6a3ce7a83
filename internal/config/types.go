package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bandwatch/internal/logging"
)

// envToken overrides telegram.token when set, so the credential can stay out
// of the config file.
const envToken = "BANDWATCH_TELEGRAM_TOKEN"

type Config struct {
	Schedule ScheduleConfig `json:"schedule"`

	// Tags are watch tags: new releases are delivered to the chat.
	Tags []string `json:"tags"`
	// BlacklistTags are recorded and permanently suppressed from delivery.
	BlacklistTags []string `json:"blacklist_tags,omitempty"`

	Source   SourceConfig   `json:"source"`
	Telegram TelegramConfig `json:"telegram"`
	Store    StoreConfig    `json:"store"`
	Retry    RetryConfig    `json:"retry"`

	Logging logging.Config `json:"logging"`
}

type ScheduleConfig struct {
	// Times are pass firing times in "HH:MM" (24h) within Timezone.
	Times    []string `json:"times"`
	Timezone string   `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"
}

// SourceConfig controls how discover pages are fetched.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SourceConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// RequestDelay is the politeness delay between upstream requests.
	RequestDelay string `json:"request_delay,omitempty"`

	Browser BrowserConfig `json:"browser"`
}

type BrowserConfig struct {
	Enabled bool `json:"enabled"`
	// MaxExpansions caps how many times "view more" is triggered per page.
	MaxExpansions int `json:"max_expansions,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id"`
	// MaxDescriptionLength trims release descriptions; 0 drops them entirely.
	MaxDescriptionLength int `json:"max_description_length,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path"`
	// RetentionDays removes records older than this after each pass; 0 disables.
	RetentionDays int    `json:"retention_days,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // Go duration string
}

type RetryConfig struct {
	// Interval between retry-sweep runs over pending records.
	Interval string `json:"interval,omitempty"`
	// SendPause is the pause between consecutive successful deliveries.
	SendPause string `json:"send_pause,omitempty"`
}

func (c *Config) applyDefaults() {
	if len(c.Schedule.Times) == 0 {
		c.Schedule.Times = []string{"08:00", "14:00", "22:00"}
	}
	if strings.TrimSpace(c.Schedule.Timezone) == "" {
		c.Schedule.Timezone = "UTC"
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		c.Source.BaseURL = "https://bandcamp.com"
	}
	if strings.TrimSpace(c.Source.UserAgent) == "" {
		c.Source.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if strings.TrimSpace(c.Source.RequestDelay) == "" {
		c.Source.RequestDelay = "1500ms"
	}
	if c.Source.Browser.MaxExpansions <= 0 {
		c.Source.Browser.MaxExpansions = 5
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "./bandwatch.db"
	}
	if strings.TrimSpace(c.Store.BusyTimeout) == "" {
		c.Store.BusyTimeout = "5s"
	}
	if strings.TrimSpace(c.Retry.Interval) == "" {
		c.Retry.Interval = "20m"
	}
	if strings.TrimSpace(c.Retry.SendPause) == "" {
		c.Retry.SendPause = "2s"
	}
	if tok := strings.TrimSpace(os.Getenv(envToken)); tok != "" {
		c.Telegram.Token = tok
	}
	if c.Telegram.ChatID == 0 {
		if raw := strings.TrimSpace(os.Getenv("BANDWATCH_TELEGRAM_CHAT_ID")); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				c.Telegram.ChatID = id
			}
		}
	}
}

// Validate rejects configs that cannot run. It is also used as the gate for
// live reloads, so a broken edit never replaces a working config.
func (c *Config) Validate() error {
	if len(c.Tags) == 0 {
		return fmt.Errorf("tags: at least one watch tag is required")
	}
	for _, t := range c.Schedule.Times {
		if _, _, err := ParseHHMM(t); err != nil {
			return fmt.Errorf("schedule.times: %w", err)
		}
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (config or %s)", envToken)
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	for _, field := range []struct{ path, raw string }{
		{"source.request_delay", c.Source.RequestDelay},
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"retry.interval", c.Retry.Interval},
		{"retry.send_pause", c.Retry.SendPause},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	// The retry loop ticks forever on this interval; zero would mean a
	// busy-loop (or a ticker panic), so it must be strictly positive.
	if d, _ := ParseDurationField("retry.interval", c.Retry.Interval); d <= 0 {
		return fmt.Errorf("retry.interval must be positive")
	}
	return nil
}

// ParseHHMM parses "HH:MM" into hour and minute.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
