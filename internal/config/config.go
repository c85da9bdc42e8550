// Package config loads service settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/models"
	"chat-timeline/internal/timeline"
)

type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		Token       string `yaml:"token"`
		DebugRoutes bool   `yaml:"debug_routes"`
	} `yaml:"server"`
	Backend struct {
		BaseURL           string        `yaml:"base_url"`
		EventsURL         string        `yaml:"events_url"`
		Token             string        `yaml:"token"`
		Codec             string        `yaml:"codec"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"backend"`
	Timeline struct {
		UserID               string        `yaml:"user_id"`
		UserName             string        `yaml:"user_name"`
		ChannelID            string        `yaml:"channel_id"`
		ParentID             string        `yaml:"parent_id"`
		Direction            string        `yaml:"direction"` // older|newer
		FirstPageSize        int           `yaml:"first_page_size"`
		NextPageSize         int           `yaml:"next_page_size"`
		DisableDaySeparators bool          `yaml:"disable_day_separators"`
		StrictInvariants     bool          `yaml:"strict_invariants"`
		Timezone             string        `yaml:"timezone"`
		MaxRetries           int           `yaml:"max_retries"`
		RetryInterval        time.Duration `yaml:"retry_interval"`
	} `yaml:"timeline"`
	Telemetry struct {
		ServiceName       string `yaml:"service_name"`
		Environment       string `yaml:"environment"`
		OTLPEndpoint      string `yaml:"otlp_endpoint"`
		AMQPURL           string `yaml:"amqp_url"`
		Exchange          string `yaml:"exchange"`
		Codec             string `yaml:"codec"`
		ChangesRoutingKey string `yaml:"changes_routing_key"`
		AuditRoutingKey   string `yaml:"audit_routing_key"`
		WSRoutingKey      string `yaml:"ws_routing_key"`
		FeedBuffer        int    `yaml:"feed_buffer"`
	} `yaml:"telemetry"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Default returns the built-in settings.
func Default() Config {
	var c Config
	c.Server.Addr = ":8083"
	c.Backend.Codec = string(codec.JSON)
	c.Backend.Timeout = 10 * time.Second
	c.Backend.RequestsPerSecond = 5
	c.Backend.Burst = 5
	c.Timeline.Direction = "older"
	c.Timeline.FirstPageSize = timeline.DefaultFirstPageSize
	c.Timeline.NextPageSize = timeline.DefaultNextPageSize
	c.Timeline.Timezone = "Local"
	c.Timeline.MaxRetries = 3
	c.Timeline.RetryInterval = 250 * time.Millisecond
	c.Telemetry.ServiceName = "chat-timeline"
	c.Telemetry.Environment = "dev"
	c.Telemetry.Exchange = "chat.telemetry"
	c.Telemetry.Codec = string(codec.JSON)
	c.Telemetry.ChangesRoutingKey = "timeline.changes"
	c.Telemetry.AuditRoutingKey = "audit.timeline"
	c.Telemetry.WSRoutingKey = "ws_events.timeline"
	c.Telemetry.FeedBuffer = 256
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return c
}

// LoadDotEnv loads path into the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("TIMELINE_ADDR", c.Server.Addr)
	c.Server.Token = getEnv("TIMELINE_API_TOKEN", c.Server.Token)
	c.Backend.BaseURL = getEnv("CHAT_API_URL", c.Backend.BaseURL)
	c.Backend.EventsURL = getEnv("CHAT_EVENTS_URL", c.Backend.EventsURL)
	c.Backend.Token = getEnv("CHAT_API_TOKEN", c.Backend.Token)
	c.Backend.Codec = getEnv("CHAT_CODEC", c.Backend.Codec)
	c.Timeline.UserID = getEnv("TIMELINE_USER_ID", c.Timeline.UserID)
	c.Timeline.UserName = getEnv("TIMELINE_USER_NAME", c.Timeline.UserName)
	c.Timeline.ChannelID = getEnv("TIMELINE_CHANNEL_ID", c.Timeline.ChannelID)
	c.Timeline.ParentID = getEnv("TIMELINE_PARENT_ID", c.Timeline.ParentID)
	c.Timeline.Direction = getEnv("TIMELINE_DIRECTION", c.Timeline.Direction)
	c.Timeline.Timezone = getEnv("TIMELINE_TZ", c.Timeline.Timezone)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.AMQPURL = getEnv("AMQP_URL", c.Telemetry.AMQPURL)
	c.Telemetry.Exchange = getEnv("AMQP_EXCHANGE", c.Telemetry.Exchange)
	c.Telemetry.Environment = getEnv("APP_ENV", c.Telemetry.Environment)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	var err error
	if c.Server.DebugRoutes, err = getEnvBool("TIMELINE_DEBUG_ROUTES", c.Server.DebugRoutes); err != nil {
		return err
	}
	if c.Backend.RequestsPerSecond, err = getEnvFloat("CHAT_API_RPS", c.Backend.RequestsPerSecond); err != nil {
		return err
	}
	if c.Timeline.FirstPageSize, err = getEnvInt("TIMELINE_FIRST_PAGE_SIZE", c.Timeline.FirstPageSize); err != nil {
		return err
	}
	if c.Timeline.NextPageSize, err = getEnvInt("TIMELINE_NEXT_PAGE_SIZE", c.Timeline.NextPageSize); err != nil {
		return err
	}
	if c.Timeline.MaxRetries, err = getEnvInt("TIMELINE_MAX_RETRIES", c.Timeline.MaxRetries); err != nil {
		return err
	}
	if c.Timeline.RetryInterval, err = getEnvDuration("TIMELINE_RETRY_INTERVAL", c.Timeline.RetryInterval); err != nil {
		return err
	}
	if c.Timeline.StrictInvariants, err = getEnvBool("TIMELINE_STRICT", c.Timeline.StrictInvariants); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings needed to run the service.
func (c Config) Validate() error {
	var problems []string
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	}
	if c.Timeline.UserID == "" {
		problems = append(problems, "timeline.user_id is required")
	}
	if c.Timeline.ParentID != "" && c.Timeline.ChannelID == "" {
		problems = append(problems, "timeline.parent_id needs timeline.channel_id")
	}
	if _, err := c.TimelineDirection(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Timeline.FirstPageSize <= 0 || c.Timeline.NextPageSize <= 0 {
		problems = append(problems, "page sizes must be positive")
	}
	if _, err := codec.ParseFormat(c.Backend.Codec); err != nil {
		problems = append(problems, "backend.codec: "+err.Error())
	}
	if _, err := codec.ParseFormat(c.Telemetry.Codec); err != nil {
		problems = append(problems, "telemetry.codec: "+err.Error())
	}
	if _, err := time.LoadLocation(c.Timeline.Timezone); err != nil {
		problems = append(problems, "timeline.timezone: "+err.Error())
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) TimelineDirection() (timeline.Direction, error) {
	switch strings.ToLower(c.Timeline.Direction) {
	case "", "older":
		return timeline.Older, nil
	case "newer":
		return timeline.Newer, nil
	default:
		return timeline.Older, fmt.Errorf("timeline.direction %q: want older or newer", c.Timeline.Direction)
	}
}

// PresenterOptions maps the timeline section onto presenter options.
// Validate must have succeeded.
func (c Config) PresenterOptions() timeline.Options {
	direction, _ := c.TimelineDirection()
	location, err := time.LoadLocation(c.Timeline.Timezone)
	if err != nil {
		location = time.Local
	}
	return timeline.Options{
		CurrentUser:          models.User{ID: c.Timeline.UserID, Name: c.Timeline.UserName},
		Direction:            direction,
		FirstPageSize:        c.Timeline.FirstPageSize,
		NextPageSize:         c.Timeline.NextPageSize,
		DisableDaySeparators: c.Timeline.DisableDaySeparators,
		StrictInvariants:     c.Timeline.StrictInvariants,
		Location:             location,
	}
}

// EventsURL returns the websocket base, derived from the HTTP base when unset.
func (c Config) EventsURL() string {
	if c.Backend.EventsURL != "" {
		return c.Backend.EventsURL
	}
	return c.Backend.BaseURL
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
