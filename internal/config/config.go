package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfiguration marks errors caused by missing or invalid settings.
// These abort a run before any network call is made.
var ErrConfiguration = errors.New("configuration error")

// DefaultSchedule runs hourly so a backlog of months drains one month per
// hour; runs with nothing to do are skipped without any API calls.
const DefaultSchedule = "0 * * * *"

const (
	BackendSheets = "sheets"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	SlackToken              string
	ChannelID               string
	SpreadsheetID           string
	GoogleSheetsCredentials string
	SlackAPIBaseURL         string
	Timezone                string
	CheckpointBackend       string
	CheckpointPath          string
	AllowPartialMonths      bool
	CompletedMonthsOnly     bool
	Schedule                string
	RunTimeout              string
	Port                    string
	LogLevel                string
}

// Load reads the configuration from the environment, loading envFile first
// when it exists. An empty envFile means ".env".
func Load(envFile string) *Config {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	return fromEnv()
}

// Reload re-reads envFile, overriding variables already present in the
// process environment.
func Reload(envFile string) (*Config, error) {
	if err := godotenv.Overload(envFile); err != nil {
		return nil, fmt.Errorf("failed to reload %s: %w", envFile, err)
	}
	return fromEnv(), nil
}

func fromEnv() *Config {
	backend := strings.ToLower(getEnvOrDefault("CHECKPOINT_BACKEND", BackendSheets))

	return &Config{
		SlackToken:              os.Getenv("SLACK_TOKEN"),
		ChannelID:               os.Getenv("CHANNEL_ID"),
		SpreadsheetID:           os.Getenv("SPREADSHEET_ID"),
		GoogleSheetsCredentials: os.Getenv("GOOGLE_SHEETS_CREDENTIALS"),
		SlackAPIBaseURL:         strings.TrimRight(getEnvOrDefault("SLACK_API_BASE_URL", "https://slack.com/api"), "/"),
		Timezone:                getEnvOrDefault("TIMEZONE", "Asia/Tokyo"),
		CheckpointBackend:       backend,
		CheckpointPath:          getEnvOrDefault("CHECKPOINT_PATH", defaultCheckpointPath(backend)),
		AllowPartialMonths:      strings.EqualFold(os.Getenv("ALLOW_PARTIAL_MONTHS"), "true"),
		CompletedMonthsOnly:     strings.EqualFold(os.Getenv("COMPLETED_MONTHS_ONLY"), "true"),
		Schedule:                getEnvOrDefault("SCHEDULE", DefaultSchedule),
		RunTimeout:              os.Getenv("RUN_TIMEOUT"),
		Port:                    getEnvOrDefault("PORT", "8080"),
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
	}
}

// Validate reports every missing required key in a single error wrapping
// ErrConfiguration.
func (c *Config) Validate() error {
	var missing []string
	required := []struct {
		key, value string
	}{
		{"SLACK_TOKEN", c.SlackToken},
		{"CHANNEL_ID", c.ChannelID},
		{"SPREADSHEET_ID", c.SpreadsheetID},
		{"GOOGLE_SHEETS_CREDENTIALS", c.GoogleSheetsCredentials},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}

	switch c.CheckpointBackend {
	case BackendSheets, BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown CHECKPOINT_BACKEND %q", ErrConfiguration, c.CheckpointBackend)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.RunTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// RunTimeoutDuration parses RUN_TIMEOUT. Empty or zero means runs are not
// time limited.
func (c *Config) RunTimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.RunTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: invalid RUN_TIMEOUT %q", ErrConfiguration, c.RunTimeout)
	}
	return d, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid TIMEZONE %q: %v", ErrConfiguration, c.Timezone, err)
	}
	return loc, nil
}

func defaultCheckpointPath(backend string) string {
	if backend == BackendSQLite {
		return "/tmp/slack-archiver/checkpoint.db"
	}
	return "/tmp/slack-archiver/checkpoint.json"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
