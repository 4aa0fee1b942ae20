package config

import (
	"os"
	"testing"
	"time"
)

// unsetEnv clears keys for the duration of the test.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetEnv(t, "PORT", "FRONTEND_URL", "STATE_STORE", "DB_PATH", "BOT_GREETING_DELAY",
		"OVERLAY_TICK", "OVERLAY_MAX_DIMENSION", "DETECTOR_ADDR", "DETECTOR_IMAGE", "TRANSCRIPT_LOG_DIR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "3978" {
		t.Errorf("expected default port 3978, got %q", cfg.Port)
	}
	if cfg.Bot.GreetingDelay != 3*time.Second {
		t.Errorf("expected greeting delay 3s, got %v", cfg.Bot.GreetingDelay)
	}
	if cfg.Overlay.Tick != 100*time.Millisecond {
		t.Errorf("expected overlay tick 100ms, got %v", cfg.Overlay.Tick)
	}
	if cfg.Overlay.MaxDimension != 4096 {
		t.Errorf("expected max dimension 4096, got %d", cfg.Overlay.MaxDimension)
	}
	if cfg.OverlayEnabled() {
		t.Error("overlay should be disabled without a detector")
	}
	if !cfg.IsDevelopment() {
		t.Error("empty FRONTEND_URL should mean development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STATE_STORE", "MEMORY")
	t.Setenv("BOT_GREETING_DELAY", "0s")
	t.Setenv("OVERLAY_TICK", "250ms")
	t.Setenv("OVERLAY_SCORE_THRESHOLD", "0.3")
	t.Setenv("DETECTOR_ADDR", "localhost:50052")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "off")
	t.Setenv("FRONTEND_URL", "https://bot.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StateStore != StoreMemory {
		t.Errorf("expected memory store, got %q", cfg.StateStore)
	}
	if cfg.Bot.GreetingDelay != 0 {
		t.Errorf("expected zero greeting delay, got %v", cfg.Bot.GreetingDelay)
	}
	if cfg.Overlay.Tick != 250*time.Millisecond {
		t.Errorf("expected tick 250ms, got %v", cfg.Overlay.Tick)
	}
	if cfg.Overlay.ScoreThreshold != 0.3 {
		t.Errorf("expected threshold 0.3, got %v", cfg.Overlay.ScoreThreshold)
	}
	if !cfg.OverlayEnabled() {
		t.Error("overlay should be enabled with DETECTOR_ADDR")
	}
	if cfg.Transcript.Enabled {
		t.Error("transcript logging should be disabled")
	}
	if cfg.IsDevelopment() {
		t.Error("public FRONTEND_URL should not be development")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:       "3978",
			StateStore: StoreSQLite,
			DBPath:     "db.sqlite",
			RateLimit:  RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second},
			SSE:        SSEConfig{MaxRequestBodySize: 1, WriteTimeout: time.Second},
			Transcript: TranscriptConfig{QueueSize: 1},
			Overlay:    OverlayConfig{Tick: time.Millisecond, ScoreThreshold: 0.5, MaxDimension: 4096},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.StateStore = "redis" }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.DBPath = "" }, wantErr: true},
		{name: "memory without path", mutate: func(c *Config) { c.StateStore = StoreMemory; c.DBPath = "" }},
		{name: "negative delay", mutate: func(c *Config) { c.Bot.GreetingDelay = -time.Second }, wantErr: true},
		{name: "zero tick", mutate: func(c *Config) { c.Overlay.Tick = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.Overlay.ScoreThreshold = 1.5 }, wantErr: true},
		{name: "zero max dimension", mutate: func(c *Config) { c.Overlay.MaxDimension = 0 }, wantErr: true},
		{name: "zero stream write timeout", mutate: func(c *Config) { c.SSE.WriteTimeout = 0 }, wantErr: true},
		{name: "transcript without dir", mutate: func(c *Config) { c.Transcript.Enabled = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
