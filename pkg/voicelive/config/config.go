package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	// Operator API auth (the diagnostics/session surface, not platform auth).
	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// Speech service.
	SpeechWSURL        string
	CredentialURL      string
	ConnectTimeout     time.Duration
	SpeechWriteTimeout time.Duration

	// Menu context.
	MenuBaseURL      string
	MenuFetchTimeout time.Duration
	MenuCacheTTL     time.Duration
	RedisAddr        string // empty => in-memory menu cache

	// Order service (cart mutations). Defaults to MenuBaseURL when unset.
	OrderBaseURL string

	// Session budgets. All deployment-tunable; nothing is hardcoded at use
	// sites.
	MaxPayloadBytes     int
	MaxInstructionBytes int
	FinalizationTimeout time.Duration
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
	MaxSessionLifetime  time.Duration

	// Optional voice-order log (Postgres). Empty => disabled.
	DatabaseURL string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICELIVE_ADDR", ":8090"),
		AuthMode:            AuthMode(envOr("VOICELIVE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:             make(map[string]struct{}),
		SpeechWSURL:         envOr("VOICELIVE_SPEECH_WS_URL", "wss://speech.tablekit.dev/v1/realtime"),
		CredentialURL:       envOr("VOICELIVE_CREDENTIAL_URL", "https://speech.tablekit.dev/v1/realtime/credentials"),
		ConnectTimeout:      envDurationOr("VOICELIVE_CONNECT_TIMEOUT", 10*time.Second),
		SpeechWriteTimeout:  envDurationOr("VOICELIVE_SPEECH_WRITE_TIMEOUT", 5*time.Second),
		MenuBaseURL:         envOr("VOICELIVE_MENU_BASE_URL", "http://localhost:8080"),
		MenuFetchTimeout:    envDurationOr("VOICELIVE_MENU_FETCH_TIMEOUT", 5*time.Second),
		MenuCacheTTL:        envDurationOr("VOICELIVE_MENU_CACHE_TTL", 60*time.Second),
		RedisAddr:           envOr("VOICELIVE_REDIS_ADDR", ""),
		OrderBaseURL:        envOr("VOICELIVE_ORDER_BASE_URL", ""),
		MaxPayloadBytes:     envIntOr("VOICELIVE_MAX_PAYLOAD_BYTES", 50000),
		MaxInstructionBytes: envIntOr("VOICELIVE_MAX_INSTRUCTION_BYTES", 32000),
		FinalizationTimeout: envDurationOr("VOICELIVE_FINALIZATION_TIMEOUT", 10*time.Second),
		InactivityThreshold: envDurationOr("VOICELIVE_INACTIVITY_THRESHOLD", 90*time.Second),
		SweepInterval:       envDurationOr("VOICELIVE_SWEEP_INTERVAL", 30*time.Second),
		MaxSessionLifetime:  envDurationOr("VOICELIVE_MAX_SESSION_LIFETIME", 30*time.Minute),
		DatabaseURL:         envOr("VOICELIVE_DATABASE_URL", ""),
		ReadHeaderTimeout:   envDurationOr("VOICELIVE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICELIVE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICELIVE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOICELIVE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	if strings.TrimSpace(cfg.SpeechWSURL) == "" {
		return Config{}, fmt.Errorf("VOICELIVE_SPEECH_WS_URL must not be empty")
	}
	if strings.TrimSpace(cfg.CredentialURL) == "" {
		return Config{}, fmt.Errorf("VOICELIVE_CREDENTIAL_URL must not be empty")
	}
	if strings.TrimSpace(cfg.MenuBaseURL) == "" {
		return Config{}, fmt.Errorf("VOICELIVE_MENU_BASE_URL must not be empty")
	}
	if cfg.OrderBaseURL == "" {
		cfg.OrderBaseURL = cfg.MenuBaseURL
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.SpeechWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_SPEECH_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MenuFetchTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_MENU_FETCH_TIMEOUT must be > 0")
	}
	if cfg.MenuCacheTTL <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_MENU_CACHE_TTL must be > 0")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_MAX_PAYLOAD_BYTES must be > 0")
	}
	if cfg.MaxInstructionBytes <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_MAX_INSTRUCTION_BYTES must be > 0")
	}
	if cfg.MaxInstructionBytes > cfg.MaxPayloadBytes {
		return Config{}, fmt.Errorf("VOICELIVE_MAX_INSTRUCTION_BYTES must be <= VOICELIVE_MAX_PAYLOAD_BYTES")
	}
	if cfg.FinalizationTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_FINALIZATION_TIMEOUT must be > 0")
	}
	if cfg.InactivityThreshold <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_INACTIVITY_THRESHOLD must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.MaxSessionLifetime <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_MAX_SESSION_LIFETIME must be > 0")
	}
	if cfg.MaxSessionLifetime < cfg.InactivityThreshold {
		return Config{}, fmt.Errorf("VOICELIVE_MAX_SESSION_LIFETIME must be >= VOICELIVE_INACTIVITY_THRESHOLD")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICELIVE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOICELIVE_API_KEYS must be set when VOICELIVE_AUTH_MODE=required")
	}

	return cfg, nil
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

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
