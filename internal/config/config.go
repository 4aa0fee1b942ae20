// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	StateStore  string // "sqlite" or "memory"
	DBPath      string
	State       StateConfig
	Bot         BotConfig
	RateLimit   RateLimitConfig
	SSE         SSEConfig
	Transcript  TranscriptConfig
	Detector    DetectorConfig
	Overlay     OverlayConfig
	Timeout     TimeoutConfig
}

// StateConfig controls conversation state retention.
type StateConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// BotConfig controls the welcome bot.
type BotConfig struct {
	GreetingDelay time.Duration
	CardFile      string
}

// RateLimitConfig controls per-user activity throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the outbound activity stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
	ReplayQueueSize    int
	WriteTimeout       time.Duration // per event; a stalled stream is dropped
}

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// DetectorConfig points at the face model service.
type DetectorConfig struct {
	Addr      string
	Image     string // run the model service as a Docker sidecar when set
	Runtime   string // Docker runtime: "" = default (runc), "runsc" = gVisor
	ModelsURI string
	ModelsDir string // host directory mounted into the sidecar
}

// OverlayConfig tunes the overlay loop.
type OverlayConfig struct {
	Tick           time.Duration
	InputSize      int
	ScoreThreshold float64
	// MaxDimension bounds the display size and frame size sent by the page.
	MaxDimension int
}

// TimeoutConfig holds miscellaneous timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "3978"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		StateStore:  strings.ToLower(getEnv("STATE_STORE", StoreSQLite)),
		DBPath:      getEnv("DB_PATH", "./data/replyhelper.db"),
		State: StateConfig{
			TTL:           getEnvDuration("STATE_TTL", 30*24*time.Hour),
			SweepInterval: getEnvDuration("STATE_SWEEP_INTERVAL", time.Hour),
		},
		Bot: BotConfig{
			GreetingDelay: getEnvDuration("BOT_GREETING_DELAY", 3*time.Second),
			CardFile:      getEnv("BOT_CARD_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			ReplayQueueSize:    getEnvInt("SSE_REPLAY_QUEUE_SIZE", 100),
			WriteTimeout:       getEnvDuration("SSE_WRITE_TIMEOUT", 10*time.Second),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000),
		},
		Detector: DetectorConfig{
			Addr:      getEnv("DETECTOR_ADDR", ""),
			Image:     getEnv("DETECTOR_IMAGE", ""),
			Runtime:   getEnv("DETECTOR_RUNTIME", ""),
			ModelsURI: getEnv("MODELS_URI", "/models"),
			ModelsDir: getEnv("MODELS_DIR", "./models"),
		},
		Overlay: OverlayConfig{
			Tick:           getEnvDuration("OVERLAY_TICK", 100*time.Millisecond),
			InputSize:      getEnvInt("OVERLAY_INPUT_SIZE", 416),
			ScoreThreshold: getEnvFloat("OVERLAY_SCORE_THRESHOLD", 0.5),
			MaxDimension:   getEnvInt("OVERLAY_MAX_DIMENSION", 4096),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StateStore {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STATE_STORE must be %q or %q, got %q", StoreSQLite, StoreMemory, c.StateStore)
	}
	if c.Bot.GreetingDelay < 0 {
		return fmt.Errorf("BOT_GREETING_DELAY must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Overlay.Tick <= 0 {
		return fmt.Errorf("OVERLAY_TICK must be > 0")
	}
	if c.Overlay.ScoreThreshold < 0 || c.Overlay.ScoreThreshold > 1 {
		return fmt.Errorf("OVERLAY_SCORE_THRESHOLD must be within [0, 1]")
	}
	if c.Overlay.MaxDimension <= 0 {
		return fmt.Errorf("OVERLAY_MAX_DIMENSION must be > 0")
	}
	if c.SSE.WriteTimeout <= 0 {
		return fmt.Errorf("SSE_WRITE_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// OverlayEnabled reports whether a face model service is configured.
func (c *Config) OverlayEnabled() bool {
	return c.Detector.Addr != "" || c.Detector.Image != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
