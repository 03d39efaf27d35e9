package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the stillpoint voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	GeminiAPIKey   string
	GeminiRESTBase string
	GeminiWSBase   string
	GeminiModel    string
	GeminiVoice    string
	GeminiTokenTTL time.Duration

	TTSModel string

	// Playback/silence tuning. Defaults mirror the browser client this
	// service replaced.
	FlushSettleMargin     time.Duration
	BilateralPollInterval time.Duration
	ChunkGapThreshold     time.Duration
	DrainMargin           time.Duration

	// Bilateral side-activity tuning.
	BilateralDuration       time.Duration
	ReminderFirstOffset     time.Duration
	ReminderSecondOffset    time.Duration
	BilateralFallbackDelay  time.Duration
	BilateralTriggerPhrases []string

	// Reminder texts spoken when the activity starts via keyword fallback.
	FallbackReminderFirst  string
	FallbackReminderSecond string

	// StyleInstructions maps each communication style to the opaque system
	// instruction locked into the session token.
	StyleInstructions map[string]string

	MeditationTrailingPause time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "stillpoint"),
		AllowAnyOrigin:   false,
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiRESTBase:   envOrDefault("GEMINI_REST_BASE", "https://generativelanguage.googleapis.com"),
		GeminiWSBase:     envOrDefault("GEMINI_WS_BASE", "wss://generativelanguage.googleapis.com"),
		GeminiModel:      envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-12-2025"),
		GeminiVoice:      envOrDefault("GEMINI_LIVE_VOICE", "Algenib"),
		TTSModel:         envOrDefault("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		GeminiTokenTTL:           30 * time.Minute,

		FlushSettleMargin:     200 * time.Millisecond,
		BilateralPollInterval: 250 * time.Millisecond,
		ChunkGapThreshold:     time.Second,
		DrainMargin:           50 * time.Millisecond,

		BilateralDuration:      35 * time.Second,
		ReminderFirstOffset:    5 * time.Second,
		ReminderSecondOffset:   18 * time.Second,
		BilateralFallbackDelay: 30 * time.Second,

		MeditationTrailingPause: 3 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GeminiTokenTTL, err = durationFromEnv("GEMINI_TOKEN_TTL", cfg.GeminiTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.FlushSettleMargin, err = durationFromEnv("APP_FLUSH_SETTLE_MARGIN", cfg.FlushSettleMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.BilateralPollInterval, err = durationFromEnv("APP_BILATERAL_POLL_INTERVAL", cfg.BilateralPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkGapThreshold, err = durationFromEnv("APP_CHUNK_GAP_THRESHOLD", cfg.ChunkGapThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainMargin, err = durationFromEnv("APP_DRAIN_MARGIN", cfg.DrainMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.BilateralDuration, err = durationFromEnv("APP_BILATERAL_DURATION", cfg.BilateralDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.ReminderFirstOffset, err = durationFromEnv("APP_REMINDER_FIRST_OFFSET", cfg.ReminderFirstOffset)
	if err != nil {
		return Config{}, err
	}
	cfg.ReminderSecondOffset, err = durationFromEnv("APP_REMINDER_SECOND_OFFSET", cfg.ReminderSecondOffset)
	if err != nil {
		return Config{}, err
	}
	cfg.BilateralFallbackDelay, err = durationFromEnv("APP_BILATERAL_FALLBACK_DELAY", cfg.BilateralFallbackDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MeditationTrailingPause, err = durationFromEnv("APP_MEDITATION_TRAILING_PAUSE", cfg.MeditationTrailingPause)
	if err != nil {
		return Config{}, err
	}

	cfg.BilateralTriggerPhrases = phrasesFromEnv("APP_BILATERAL_TRIGGER_PHRASES", defaultTriggerPhrases())
	cfg.FallbackReminderFirst = envOrDefault("APP_BILATERAL_FALLBACK_REMINDER_5S", "החזק את הזיכרון")
	cfg.FallbackReminderSecond = envOrDefault("APP_BILATERAL_FALLBACK_REMINDER_18S", "תמשיך לעקוב")
	cfg.StyleInstructions = styleInstructionsFromEnv()

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.BilateralPollInterval <= 0 {
		return Config{}, fmt.Errorf("APP_BILATERAL_POLL_INTERVAL must be positive")
	}
	if cfg.ChunkGapThreshold <= 0 {
		return Config{}, fmt.Errorf("APP_CHUNK_GAP_THRESHOLD must be positive")
	}
	if cfg.BilateralDuration <= 0 {
		return Config{}, fmt.Errorf("APP_BILATERAL_DURATION must be positive")
	}
	if cfg.ReminderSecondOffset <= cfg.ReminderFirstOffset {
		return Config{}, fmt.Errorf("APP_REMINDER_SECOND_OFFSET must be after APP_REMINDER_FIRST_OFFSET")
	}

	return cfg, nil
}

// styleInstructionsFromEnv collects the per-style system instructions. The
// wording is deployment content, not code; empty entries leave the model on
// its defaults for that style.
func styleInstructionsFromEnv() map[string]string {
	out := make(map[string]string)
	for _, style := range []string{"sensitive", "practical", "spiritual", "provocative"} {
		key := "GEMINI_STYLE_INSTRUCTION_" + strings.ToUpper(style)
		if v := stringsTrimSpace(key); v != "" {
			out[style] = v
		}
	}
	return out
}

// defaultTriggerPhrases are the Hebrew cues the assistant speaks right before
// the bilateral exercise ("red ball", "follow").
func defaultTriggerPhrases() []string {
	return []string{"כדור אדום", "עקוב אחרי"}
}

func phrasesFromEnv(key string, fallback []string) []string {
	raw := stringsTrimSpace(key)
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
