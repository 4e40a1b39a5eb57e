package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Speech server
	ServerURL string // WebSocket conversation endpoint, e.g. ws://host:3000/conversation
	VoicesURL string // HTTP voice catalog endpoint; derived from ServerURL when empty

	// Voice activity detection
	VoiceThreshold       float64       // normalized [0,1] volume needed to count as speech
	SpeechStartFrames    int           // consecutive voiced ticks before recording starts
	SilenceConfirmFrames int           // consecutive silent ticks that commit/discard immediately
	SilenceTimeout       time.Duration // silence deadline that commits/discards a recording
	MinUtteranceDuration time.Duration // shorter recordings are discarded, not sent
	MinUtteranceBytes    int           // smaller blobs are dropped before transport
	TickInterval         time.Duration // volume sampling cadence

	// Audio capture
	SampleRate     int
	AnalyserWindow int     // samples per volume estimate
	Smoothing      float64 // exponential smoothing factor for the volume signal
	UseClassifier  bool    // gate voiced ticks through the WebRTC speech classifier
	ClassifierMode int     // WebRTC VAD aggressiveness 0-3
	DefaultVoiceID string

	// Transport
	MaxRetryAttempts  int
	HeartbeatInterval time.Duration
	HandshakeDelay    time.Duration // settle delay between handshake steps
	AudioInitDelay    time.Duration // delay between start_conversation and capture init
	DialTimeout       time.Duration

	// History
	HistoryDir string

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := &Config{
		ServerURL: os.Getenv("VOICE_SERVER_URL"),
		VoicesURL: os.Getenv("VOICE_CATALOG_URL"),

		VoiceThreshold:       getFloatEnvOrDefault("VOICE_THRESHOLD", 0.06),
		SpeechStartFrames:    getIntEnvOrDefault("SPEECH_START_FRAMES", 3),
		SilenceConfirmFrames: getIntEnvOrDefault("SILENCE_CONFIRM_FRAMES", 8),
		SilenceTimeout:       getDurationEnvOrDefault("SILENCE_TIMEOUT_MS", 600) * time.Millisecond,
		MinUtteranceDuration: getDurationEnvOrDefault("MIN_UTTERANCE_MS", 200) * time.Millisecond,
		MinUtteranceBytes:    getIntEnvOrDefault("MIN_UTTERANCE_BYTES", 800),
		TickInterval:         getDurationEnvOrDefault("TICK_INTERVAL_MS", 16) * time.Millisecond,

		SampleRate:     getIntEnvOrDefault("SAMPLE_RATE", 16000),
		AnalyserWindow: getIntEnvOrDefault("ANALYSER_WINDOW", 256),
		Smoothing:      getFloatEnvOrDefault("ANALYSER_SMOOTHING", 0.8),
		UseClassifier:  getBoolEnvOrDefault("USE_SPEECH_CLASSIFIER", false),
		ClassifierMode: getIntEnvOrDefault("SPEECH_CLASSIFIER_MODE", 2),
		DefaultVoiceID: getEnvOrDefault("DEFAULT_VOICE_ID", "female"),

		MaxRetryAttempts:  getIntEnvOrDefault("MAX_RETRY_ATTEMPTS", 3),
		HeartbeatInterval: getDurationEnvOrDefault("HEARTBEAT_INTERVAL_MS", 30000) * time.Millisecond,
		HandshakeDelay:    getDurationEnvOrDefault("HANDSHAKE_DELAY_MS", 300) * time.Millisecond,
		AudioInitDelay:    getDurationEnvOrDefault("AUDIO_INIT_DELAY_MS", 500) * time.Millisecond,
		DialTimeout:       getDurationEnvOrDefault("DIAL_TIMEOUT_MS", 10000) * time.Millisecond,

		HistoryDir: getEnvOrDefault("HISTORY_DIR", "./data"),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("VOICE_SERVER_URL is required")
	}

	if c.VoiceThreshold <= 0 || c.VoiceThreshold >= 1 {
		return fmt.Errorf("VOICE_THRESHOLD must be in (0,1), got %v", c.VoiceThreshold)
	}

	if c.SpeechStartFrames < 1 {
		return fmt.Errorf("SPEECH_START_FRAMES must be at least 1")
	}

	if c.SilenceConfirmFrames < 1 {
		return fmt.Errorf("SILENCE_CONFIRM_FRAMES must be at least 1")
	}

	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must not be negative")
	}

	if c.SampleRate != 8000 && c.SampleRate != 16000 && c.SampleRate != 32000 && c.SampleRate != 48000 {
		return fmt.Errorf("SAMPLE_RATE must be 8000, 16000, 32000 or 48000, got %d", c.SampleRate)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue int) time.Duration {
	return time.Duration(getIntEnvOrDefault(key, defaultValue))
}
