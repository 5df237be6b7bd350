package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the call relay.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"
	EnvFile   string // optional dotenv file loaded before env overrides

	// Upstream realtime AI connection.
	OpenAIAPIKey       string
	RealtimeURL        string
	RealtimeModel      string
	Voice              string
	TranscriptionModel string
	PromptID           string
	PromptVersion      string
	ConnectTimeout     time.Duration
	MediaBufferSize    int // media frames held while the upstream connection opens
	ToolTimeout        time.Duration

	// StreamURL is the public wss:// address of this relay's media stream
	// endpoint, handed to the carrier by the inbound call webhook.
	StreamURL string

	// Twilio REST credentials for missed call notifications.
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	TwilioAPIURL      string
	TwilioSyncURL     string
	SyncService       string
	SyncMap           string
	OperatorPhone     string

	// Optional operator email for missed calls.
	SMTPHost      string
	SMTPPort      string
	SMTPFrom      string
	SMTPUsername  string
	SMTPPassword  string
	SMTPTLS       string
	OperatorEmail string

	// Waitlist persistence.
	DBDriver string // "sqlite" or "postgres"
	DataDir  string
	DBDSN    string

	// Optional transcript publishing.
	AMQPURL   string
	AMQPQueue string
}

// defaults
const (
	defaultHTTPPort           = 3002
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	defaultEnvFile            = ".env"
	defaultRealtimeURL        = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel      = "gpt-4o-realtime-preview-2024-10-01"
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"
	defaultPromptID           = "pmpt_692a9f2f6e148195850e91132c55366005098e88b3968255"
	defaultPromptVersion      = "1"
	defaultConnectTimeout     = 10 * time.Second
	defaultMediaBufferSize    = 50
	defaultToolTimeout        = 10 * time.Second
	defaultTwilioAPIURL       = "https://api.twilio.com/2010-04-01"
	defaultTwilioSyncURL      = "https://sync.twilio.com/v1"
	defaultSyncService        = "default"
	defaultSyncMap            = "callback"
	defaultSMTPPort           = "587"
	defaultSMTPTLS            = "starttls"
	defaultDBDriver           = "sqlite"
	defaultDataDir            = "./data"
	defaultAMQPQueue          = "call-transcripts"
)

// envPrefix is the prefix for call relay environment variables that have no
// conventional name of their own.
const envPrefix = "CALLRELAY_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > .env file > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callrelay", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for webhooks and the media stream endpoint")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.EnvFile, "env-file", defaultEnvFile, "dotenv file to load before reading environment overrides (ignored if missing)")

	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for the realtime connection")
	fs.StringVar(&cfg.RealtimeURL, "realtime-url", defaultRealtimeURL, "realtime websocket endpoint")
	fs.StringVar(&cfg.RealtimeModel, "realtime-model", defaultRealtimeModel, "realtime model name")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "assistant voice")
	fs.StringVar(&cfg.TranscriptionModel, "transcription-model", defaultTranscriptionModel, "input audio transcription model")
	fs.StringVar(&cfg.PromptID, "prompt-id", defaultPromptID, "stored prompt id referenced by the session")
	fs.StringVar(&cfg.PromptVersion, "prompt-version", defaultPromptVersion, "stored prompt version")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", defaultConnectTimeout, "timeout for opening the realtime connection")
	fs.IntVar(&cfg.MediaBufferSize, "media-buffer-size", defaultMediaBufferSize, "media frames buffered while the realtime connection opens (oldest dropped)")
	fs.DurationVar(&cfg.ToolTimeout, "tool-timeout", defaultToolTimeout, "timeout for a single tool call against the store")

	fs.StringVar(&cfg.StreamURL, "stream-url", "", "public wss:// URL of the media stream endpoint used in TwiML")

	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&cfg.TwilioPhoneNumber, "twilio-phone-number", "", "Twilio number SMS notifications are sent from")
	fs.StringVar(&cfg.TwilioAPIURL, "twilio-api-url", defaultTwilioAPIURL, "Twilio REST API base URL")
	fs.StringVar(&cfg.TwilioSyncURL, "twilio-sync-url", defaultTwilioSyncURL, "Twilio Sync API base URL")
	fs.StringVar(&cfg.SyncService, "sync-service", defaultSyncService, "Twilio Sync service holding the callback map")
	fs.StringVar(&cfg.SyncMap, "sync-map", defaultSyncMap, "Twilio Sync map holding the latest missed caller")
	fs.StringVar(&cfg.OperatorPhone, "operator-phone", "", "operator phone number notified of missed calls")

	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP host for operator missed call email (disabled if empty)")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "SMTP from address")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP TLS mode (none, starttls, tls)")
	fs.StringVar(&cfg.OperatorEmail, "operator-email", "", "operator email address notified of missed calls")

	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "waitlist store driver (sqlite, postgres)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "PostgreSQL connection string (required for postgres)")

	fs.StringVar(&cfg.AMQPURL, "amqp-url", "", "AMQP broker URL for transcript publishing (disabled if empty)")
	fs.StringVar(&cfg.AMQPQueue, "amqp-queue", defaultAMQPQueue, "AMQP queue transcripts are published to")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// The env file only fills variables that are not already set, so real
	// environment variables keep precedence over it.
	if err := loadEnvFile(fs, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadEnvFile loads the configured dotenv file. A missing default file is not
// an error; a missing file named explicitly is.
func loadEnvFile(flags *flag.FlagSet, cfg *Config) error {
	path := cfg.EnvFile
	explicit := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "env-file" {
			explicit = true
		}
	})
	if !explicit {
		if v, ok := os.LookupEnv(envPrefix + "ENV_FILE"); ok && v != "" {
			path = v
			explicit = true
		}
	}
	if path == "" {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	cfg.EnvFile = path
	return nil
}

// envMap maps flag names to the environment variable that overrides them.
// Secrets and addresses use the names the hosting platform already exports.
var envMap = map[string]string{
	"http-port":           "PORT",
	"log-level":           envPrefix + "LOG_LEVEL",
	"log-format":          envPrefix + "LOG_FORMAT",
	"openai-api-key":      "OPENAI_API_KEY",
	"realtime-url":        envPrefix + "REALTIME_URL",
	"realtime-model":      envPrefix + "REALTIME_MODEL",
	"voice":               envPrefix + "VOICE",
	"transcription-model": envPrefix + "TRANSCRIPTION_MODEL",
	"prompt-id":           envPrefix + "PROMPT_ID",
	"prompt-version":      envPrefix + "PROMPT_VERSION",
	"connect-timeout":     envPrefix + "CONNECT_TIMEOUT",
	"media-buffer-size":   envPrefix + "MEDIA_BUFFER_SIZE",
	"tool-timeout":        envPrefix + "TOOL_TIMEOUT",
	"stream-url":          "REALTIME_WEBSOCKET_URL",
	"twilio-account-sid":  "TWILIO_ACCOUNT_SID",
	"twilio-auth-token":   "TWILIO_AUTH_TOKEN",
	"twilio-phone-number": "TWILIO_PHONE_NUMBER",
	"twilio-api-url":      envPrefix + "TWILIO_API_URL",
	"twilio-sync-url":     envPrefix + "TWILIO_SYNC_URL",
	"sync-service":        envPrefix + "SYNC_SERVICE",
	"sync-map":            envPrefix + "SYNC_MAP",
	"operator-phone":      "MASSEUR_PHONE",
	"smtp-host":           envPrefix + "SMTP_HOST",
	"smtp-port":           envPrefix + "SMTP_PORT",
	"smtp-from":           envPrefix + "SMTP_FROM",
	"smtp-username":       envPrefix + "SMTP_USERNAME",
	"smtp-password":       envPrefix + "SMTP_PASSWORD",
	"smtp-tls":            envPrefix + "SMTP_TLS",
	"operator-email":      envPrefix + "OPERATOR_EMAIL",
	"db-driver":           envPrefix + "DB_DRIVER",
	"data-dir":            envPrefix + "DATA_DIR",
	"db-dsn":              envPrefix + "DB_DSN",
	"amqp-url":            envPrefix + "AMQP_URL",
	"amqp-queue":          envPrefix + "AMQP_QUEUE",
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		f := fs.Lookup(flagName)
		if f == nil {
			continue
		}
		// flag.Value.Set gives ints and durations the same parsing as the
		// command line. Unparseable values keep the default.
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid environment override", "env", envVar, "error", err)
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MediaBufferSize < 1 || c.MediaBufferSize > 1000 {
		return fmt.Errorf("media-buffer-size must be between 1 and 1000, got %d", c.MediaBufferSize)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("tool-timeout must be positive, got %s", c.ToolTimeout)
	}

	if c.StreamURL != "" && !strings.HasPrefix(c.StreamURL, "wss://") && !strings.HasPrefix(c.StreamURL, "ws://") {
		return fmt.Errorf("stream-url must be a ws:// or wss:// URL, got %q", c.StreamURL)
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db-dsn is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[strings.ToLower(c.SMTPTLS)] {
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)

	return nil
}

// TwilioConfigured returns true if the REST credentials and sender number
// needed for missed call SMS are present.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioPhoneNumber != ""
}

// EmailConfigured returns true if operator missed call email is enabled.
func (c *Config) EmailConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != "" && c.OperatorEmail != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
