// Package config loads the relay's configuration from the environment once
// at startup. Every component receives its slice of this value explicitly;
// nothing reads the environment after boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Client websocket limits and keepalive.
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration

	Conversation ConversationConfig
	Synthesis    SynthesisConfig
	STT          STTConfig

	// Optional Postgres DSN for conversation context; empty disables
	// persistence.
	StoreDSN     string
	HistoryLimit int
	StoreTimeout time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogVerbose bool
}

// ConversationConfig points at the conversational upstream and carries the
// one-time session configuration sent after creation is confirmed.
type ConversationConfig struct {
	URL    string
	APIKey string
	Model  string

	Persona                string
	TurnDetectionThreshold float64
	TurnSilenceMS          int
	TranscriptionModel     string
}

type SynthesisConfig struct {
	URL            string
	APIKey         string
	VoiceID        string
	ModelID        string
	OutputEncoding string
	ReconnectDelay time.Duration
}

type STTConfig struct {
	Enabled bool

	OpenAIAPIKey string
	OpenAIModel  string

	DeepgramAPIKey string
	DeepgramModel  string

	FailoverOn429 bool
	FailoverOn5xx bool
	ForceFailover bool

	MaxAudioBytes      int
	MaxCaptureDuration time.Duration
	RequestTimeout     time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:            envOr("RELAY_ADDR", ":8080"),
		MaxMessageBytes: envInt64Or("RELAY_MAX_MESSAGE_BYTES", 1<<20),
		PingInterval:    envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:    envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadTimeout:     envDurationOr("RELAY_WS_READ_TIMEOUT", 0),

		Conversation: ConversationConfig{
			URL:                    envOr("RELAY_CONVERSATION_URL", ""),
			APIKey:                 strings.TrimSpace(os.Getenv("RELAY_CONVERSATION_API_KEY")),
			Model:                  envOr("RELAY_CONVERSATION_MODEL", "gpt-4o-realtime-preview"),
			Persona:                strings.TrimSpace(os.Getenv("RELAY_PERSONA")),
			TurnDetectionThreshold: envFloat64Or("RELAY_TURN_DETECTION_THRESHOLD", 0.5),
			TurnSilenceMS:          envIntOr("RELAY_TURN_SILENCE_MS", 500),
			TranscriptionModel:     envOr("RELAY_CONVERSATION_TRANSCRIPTION_MODEL", "whisper-1"),
		},

		Synthesis: SynthesisConfig{
			URL:            envOr("RELAY_SYNTHESIS_URL", ""),
			APIKey:         strings.TrimSpace(os.Getenv("RELAY_SYNTHESIS_API_KEY")),
			VoiceID:        envOr("RELAY_SYNTHESIS_VOICE_ID", ""),
			ModelID:        envOr("RELAY_SYNTHESIS_MODEL_ID", "eleven_flash_v2_5"),
			OutputEncoding: envOr("RELAY_SYNTHESIS_OUTPUT_ENCODING", "pcm_24000"),
			ReconnectDelay: envDurationOr("RELAY_SYNTHESIS_RECONNECT_DELAY", 250*time.Millisecond),
		},

		STT: STTConfig{
			Enabled:            envBoolOr("RELAY_STT_ENABLED", true),
			OpenAIAPIKey:       strings.TrimSpace(os.Getenv("RELAY_STT_OPENAI_API_KEY")),
			OpenAIModel:        envOr("RELAY_STT_OPENAI_MODEL", "whisper-1"),
			DeepgramAPIKey:     strings.TrimSpace(os.Getenv("RELAY_STT_DEEPGRAM_API_KEY")),
			DeepgramModel:      envOr("RELAY_STT_DEEPGRAM_MODEL", "nova-2"),
			FailoverOn429:      envBoolOr("RELAY_STT_FAILOVER_ON_429", true),
			FailoverOn5xx:      envBoolOr("RELAY_STT_FAILOVER_ON_5XX", false),
			ForceFailover:      envBoolOr("RELAY_STT_FORCE_FAILOVER", false),
			MaxAudioBytes:      envIntOr("RELAY_STT_MAX_AUDIO_BYTES", 10<<20),
			MaxCaptureDuration: envDurationOr("RELAY_STT_MAX_CAPTURE_DURATION", 2*time.Minute),
			RequestTimeout:     envDurationOr("RELAY_STT_REQUEST_TIMEOUT", 30*time.Second),
		},

		StoreDSN:     strings.TrimSpace(os.Getenv("RELAY_STORE_DSN")),
		HistoryLimit: envIntOr("RELAY_HISTORY_LIMIT", 20),
		StoreTimeout: envDurationOr("RELAY_STORE_TIMEOUT", 5*time.Second),

		ReadHeaderTimeout:   envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 20*time.Second),

		LogVerbose: envBoolOr("RELAY_LOG_VERBOSE", false),
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("RELAY_ADDR must not be empty")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.Conversation.APIKey == "" {
		return Config{}, fmt.Errorf("RELAY_CONVERSATION_API_KEY must be set")
	}
	if cfg.Conversation.TurnDetectionThreshold <= 0 || cfg.Conversation.TurnDetectionThreshold > 1 {
		return Config{}, fmt.Errorf("RELAY_TURN_DETECTION_THRESHOLD must be in (0, 1]")
	}
	if cfg.Conversation.TurnSilenceMS <= 0 {
		return Config{}, fmt.Errorf("RELAY_TURN_SILENCE_MS must be > 0")
	}
	if cfg.Synthesis.APIKey == "" {
		return Config{}, fmt.Errorf("RELAY_SYNTHESIS_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.Synthesis.VoiceID) == "" {
		return Config{}, fmt.Errorf("RELAY_SYNTHESIS_VOICE_ID must be set")
	}
	if cfg.Synthesis.ReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("RELAY_SYNTHESIS_RECONNECT_DELAY must be > 0")
	}
	if cfg.STT.Enabled {
		if cfg.STT.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("RELAY_STT_OPENAI_API_KEY must be set when RELAY_STT_ENABLED=true")
		}
		if cfg.STT.MaxAudioBytes <= 0 {
			return Config{}, fmt.Errorf("RELAY_STT_MAX_AUDIO_BYTES must be > 0")
		}
		if cfg.STT.MaxCaptureDuration <= 0 {
			return Config{}, fmt.Errorf("RELAY_STT_MAX_CAPTURE_DURATION must be > 0")
		}
		if cfg.STT.RequestTimeout <= 0 {
			return Config{}, fmt.Errorf("RELAY_STT_REQUEST_TIMEOUT must be > 0")
		}
		if (cfg.STT.FailoverOn429 || cfg.STT.FailoverOn5xx || cfg.STT.ForceFailover) && cfg.STT.DeepgramAPIKey == "" {
			return Config{}, fmt.Errorf("RELAY_STT_DEEPGRAM_API_KEY must be set when failover is enabled")
		}
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("RELAY_HISTORY_LIMIT must be > 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_STORE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
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

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
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

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
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
