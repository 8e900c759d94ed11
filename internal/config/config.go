// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the sync engine's
// settings: history paging, reconciliation tolerance, typing-presence
// pacing, responder cooldown, generation backend, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-chat-client/internal/sysutil"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-chat-client")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GenConfig defines the reply-generation collaborator settings.
type GenConfig struct {
	APIKey  string // OPENAI_API_KEY; empty selects the canned generator
	BaseURL string // OPENAI_BASE_URL; empty for the default endpoint
	Model   string // OPENAI_MODEL
}

// Config holds all configuration values for the client.
type Config struct {
	// Identity
	UserID   string // local user identifier
	UserName string // local display name
	Room     string // room opened at startup

	// Logging / metrics
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	MetricsAddr string // listen address for /metrics; "" disables

	// Store
	DBPath string // SQLite path for the reference store

	// Timeline
	PageLimit       int           // bounded history page (>= 1)
	MatchTolerance  time.Duration // optimistic-match heuristic window
	MaxContentRunes int           // outgoing content cap; 0 disables

	// Presence
	TypingWindow    time.Duration // self-stop after last keystroke
	PresenceTimeout time.Duration // remote entry staleness bound
	SweepInterval   time.Duration // expiry sweep cadence

	// Responder
	Mention          string        // mention token; "" disables the responder
	BotName          string        // display name on automated messages
	Cooldown         time.Duration // session-wide trigger rate limit
	ResponderDelay   time.Duration // simulated latency before a reply
	ContextLimit     int           // recent messages fed to generation
	IncludeAutomated bool          // keep prior bot replies in context

	// Generation
	Gen GenConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Identity
		UserID:   getenv("USER_ID", "local"),
		UserName: getenv("USER_NAME", "You"),
		Room:     getenv("ROOM", "lobby"),

		// Logging / metrics
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		MetricsAddr: getenv("METRICS_ADDR", ""),

		// Store
		DBPath: getenv("DB_PATH", "chat.db"),

		// Timeline
		PageLimit:       getint("PAGE_LIMIT", 50),
		MatchTolerance:  getdur("MATCH_TOLERANCE", 5*time.Second),
		MaxContentRunes: getint("MAX_CONTENT_RUNES", 4000),

		// Presence
		TypingWindow:    getdur("TYPING_WINDOW", 3*time.Second),
		PresenceTimeout: getdur("PRESENCE_TIMEOUT", 5*time.Second),
		SweepInterval:   getdur("SWEEP_INTERVAL", time.Second),

		// Responder
		Mention:          getenv("MENTION_TOKEN", "@bot"),
		BotName:          getenv("BOT_NAME", "bot"),
		Cooldown:         getdur("RESPONDER_COOLDOWN", time.Minute),
		ResponderDelay:   getdur("RESPONDER_DELAY", 1500*time.Millisecond),
		ContextLimit:     getint("CONTEXT_LIMIT", 12),
		IncludeAutomated: getbool("INCLUDE_AUTOMATED_CONTEXT", false),

		// Generation
		Gen: GenConfig{
			APIKey:  getenv("OPENAI_API_KEY", ""),
			BaseURL: getenv("OPENAI_BASE_URL", ""),
			Model:   getenv("OPENAI_MODEL", ""),
		},

		// Observability
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-client"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("config: USER_ID must not be empty")
	}
	if c.PageLimit < 1 {
		return errors.New("config: PAGE_LIMIT must be >= 1")
	}
	if c.MatchTolerance <= 0 {
		return errors.New("config: MATCH_TOLERANCE must be positive")
	}
	if c.TypingWindow <= 0 || c.PresenceTimeout <= 0 || c.SweepInterval <= 0 {
		return errors.New("config: presence durations must be positive")
	}
	if c.Cooldown < 0 || c.ResponderDelay < 0 {
		return errors.New("config: responder durations must not be negative")
	}
	if c.ContextLimit < 1 {
		return errors.New("config: CONTEXT_LIMIT must be >= 1")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return errors.New("config: OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// --- env helpers ---

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return sysutil.IsTruthy(v)
	}
	return def
}

func getint(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
