// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// ClientURL is the web chat client the browser sessions drive.
	ClientURL string

	BrowserBin string
	Headless   bool

	NavigationTimeout   time.Duration
	PairingWait         time.Duration
	PairingRetryEvery   time.Duration
	PairingMaxAttempts  int
	PairingAttemptLimit int
	DetectInterval      time.Duration
	PollInterval        time.Duration
	SessionTTL          time.Duration
	ReaperInterval      time.Duration
	HistoryDepth        int

	Responder ResponderConfig
}

// ResponderConfig controls the AI reply generator.
type ResponderConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	FallbackReply string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/relaybot.db"),

		ClientURL:  getEnv("CLIENT_URL", "https://web.whatsapp.com"),
		BrowserBin: getEnv("BROWSER_BIN", ""),
		Headless:   getEnvBool("BROWSER_HEADLESS", true),

		NavigationTimeout:  getEnvDuration("NAVIGATION_TIMEOUT", 45*time.Second),
		PairingWait:        getEnvDuration("PAIRING_WAIT", 15*time.Second),
		PairingRetryEvery:  getEnvDuration("PAIRING_RETRY_INTERVAL", 2*time.Second),
		PairingMaxAttempts: getEnvInt("PAIRING_MAX_ATTEMPTS", 5),
		// How many detection readings a session waiting for pairing gets
		// before its watcher gives up.
		PairingAttemptLimit: getEnvInt("PAIRING_ATTEMPT_LIMIT", 150),
		DetectInterval:     getEnvDuration("DETECT_INTERVAL", 2*time.Second),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 3*time.Second),
		SessionTTL:         getEnvDuration("SESSION_TTL", 60*time.Minute),
		ReaperInterval:     getEnvDuration("REAPER_INTERVAL", time.Minute),
		HistoryDepth:       getEnvInt("HISTORY_DEPTH", 10),

		Responder: ResponderConfig{
			APIKey:        getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:       getEnv("ANTHROPIC_BASE_URL", ""),
			Model:         getEnv("RESPONDER_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:     getEnvInt("RESPONDER_MAX_TOKENS", 1024),
			FallbackReply: getEnv("RESPONDER_FALLBACK_REPLY", "Sorry, I can't answer right now. Please try again later."),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ClientURL == "" {
		return fmt.Errorf("CLIENT_URL cannot be empty")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("NAVIGATION_TIMEOUT must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.PairingMaxAttempts <= 0 {
		return fmt.Errorf("PAIRING_MAX_ATTEMPTS must be > 0")
	}
	if c.PairingAttemptLimit <= 0 {
		return fmt.Errorf("PAIRING_ATTEMPT_LIMIT must be > 0")
	}
	if c.HistoryDepth < 0 {
		return fmt.Errorf("HISTORY_DEPTH must be >= 0")
	}
	if c.Responder.FallbackReply == "" {
		return fmt.Errorf("RESPONDER_FALLBACK_REPLY cannot be empty")
	}
	if c.Responder.MaxTokens <= 0 {
		return fmt.Errorf("RESPONDER_MAX_TOKENS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
