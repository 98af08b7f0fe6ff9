// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	voiceagent "github.com/agentplexus/twilio-voice-agent"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the bridge configuration.
type Config struct {
	Port   int
	Server string // public host, no scheme
	APIKey string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	DeepgramAPIKey   string
	DeepgramAgentURL string

	AgentLanguage      string
	AgentListenModel   string
	AgentThinkProvider string
	AgentThinkModel    string
	AgentSpeakModel    string

	// Templates; {{name}} placeholders resolve per call.
	SystemPrompt string
	Greeting     string

	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration

	FallbackMessage   string
	EnableEndCallTool bool

	// ValidateSignature checks X-Twilio-Signature on webhooks.
	ValidateSignature bool

	SessionStore  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	ShutdownGracePeriod time.Duration

	LogLevel  slog.Level
	LogFormat string
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Port:                envIntOr("PORT", 3000),
		Server:              strings.TrimSuffix(stripScheme(envOr("SERVER", "")), "/"),
		APIKey:              envOr("API_KEY", ""),
		TwilioAccountSID:    envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:   envOr("TWILIO_PHONE_NUMBER", ""),
		DeepgramAPIKey:      envOr("DEEPGRAM_API_KEY", ""),
		DeepgramAgentURL:    envOr("DEEPGRAM_AGENT_URL", voiceagent.DefaultAgentURL),
		AgentLanguage:       envOr("AGENT_LANGUAGE", "en"),
		AgentListenModel:    envOr("AGENT_LISTEN_MODEL", "nova-3"),
		AgentThinkProvider:  envOr("AGENT_THINK_PROVIDER", "open_ai"),
		AgentThinkModel:     envOr("AGENT_THINK_MODEL", "gpt-4o-mini"),
		AgentSpeakModel:     envOr("AGENT_SPEAK_MODEL", "aura-2-thalia-en"),
		SystemPrompt:        expandNewlines(envOr("AI_SYSTEM_PROMPT", "You are a friendly AI assistant.")),
		Greeting:            expandNewlines(envOr("AI_GREETING", "Hello! How can I help you today?")),
		KeepAliveInterval:   envDurationOr("AGENT_KEEPALIVE_INTERVAL", 5*time.Second),
		HandshakeTimeout:    envDurationOr("AGENT_HANDSHAKE_TIMEOUT", 5*time.Second),
		FallbackMessage:     os.Getenv("FALLBACK_MESSAGE"),
		EnableEndCallTool:   envBoolOr("ENABLE_END_CALL_TOOL", true),
		ValidateSignature:   envBoolOr("VALIDATE_TWILIO_SIGNATURE", false),
		SessionStore:        strings.ToLower(envOr("SESSION_STORE", StoreMemory)),
		RedisAddr:           envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             envIntOr("REDIS_DB", 0),
		SessionTTL:          envDurationOr("SESSION_TTL", 2*time.Hour),
		ShutdownGracePeriod: envDurationOr("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		LogFormat:           strings.ToLower(envOr("LOG_FORMAT", "text")),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or out-of-range setting.
func (c Config) Validate() error {
	required := []struct {
		key, value string
	}{
		{"SERVER", c.Server},
		{"TWILIO_ACCOUNT_SID", c.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", c.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", c.TwilioPhoneNumber},
		{"DEEPGRAM_API_KEY", c.DeepgramAPIKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("AGENT_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("AGENT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be >= 0")
	}

	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SESSION_STORE=redis")
		}
		if c.SessionTTL <= 0 {
			return fmt.Errorf("SESSION_TTL must be > 0")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be one of memory|redis")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of text|json")
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func stripScheme(host string) string {
	for _, scheme := range []string{"https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(host, scheme) {
			return strings.TrimPrefix(host, scheme)
		}
	}
	return host
}

// expandNewlines turns literal \n sequences into newlines so multi-line
// prompts fit on one .env line.
func expandNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
