// Package config resolves service settings from .env, the environment and
// an optional config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chadiek/voicecall/internal/stream"
	"github.com/chadiek/voicecall/internal/vad"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress   string
	PublicBaseURL string
	// DefaultInstructions seed calls registered without their own.
	DefaultInstructions string
	Greeting            string

	Twilio     TwilioConfig
	AssemblyAI AssemblyAIConfig
	LLM        LLMConfig
	TTS        TTSConfig
	Supabase   SupabaseConfig
	Stream     StreamConfig
	Logging    LoggingConfig

	// DatabaseURL selects Postgres persistence; empty keeps everything in memory.
	DatabaseURL    string
	WorkerPoolSize int
	ScoreEvery     int
	CallRetention  time.Duration
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	RecordCalls bool
}

type AssemblyAIConfig struct {
	APIKey string
}

type LLMConfig struct {
	Provider string
	Model    string
	BaseURL  string
	// AnalysisModel is used for call analysis; it defaults to Model.
	AnalysisModel string
	OpenAIKey     string
	CerebrasKey   string
	GeminiKey     string
}

type TTSConfig struct {
	Provider          string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string
}

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

type StreamConfig struct {
	SilenceThreshold  float64
	MinSpeechFrames   int
	EndSilenceFrames  int
	ReceiveTimeout    time.Duration
	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	SendChunkSize     int
	SendPacing        time.Duration
	SendPoll          time.Duration
	GracePeriod       time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

const (
	ProviderOpenAI     = "openai"
	ProviderCerebras   = "cerebras"
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"
	ProviderDeepgram   = "deepgram"
)

// SetDefaults registers every key with its default so AutomaticEnv and
// config files can override it.
func SetDefaults(v *viper.Viper) {
	sc := stream.DefaultConfig()
	defaults := map[string]any{
		"HTTP_ADDRESS":         ":8080",
		"PUBLIC_BASE_URL":      "",
		"DEFAULT_INSTRUCTIONS": "You are a friendly customer calling a support line. Keep replies short and conversational.",
		"CALL_GREETING":        "Connecting you now.",

		"TWILIO_ACCOUNT_SID":  "",
		"TWILIO_AUTH_TOKEN":   "",
		"TWILIO_PHONE_NUMBER": "",
		"TWILIO_RECORD_CALLS": false,

		"ASSEMBLYAI_API_KEY": "",

		"LLM_PROVIDER":       ProviderOpenAI,
		"LLM_MODEL":          "",
		"LLM_BASE_URL":       "",
		"LLM_ANALYSIS_MODEL": "",
		"OPENAI_API_KEY":     "",
		"CEREBRAS_API_KEY":   "",
		"GEMINI_API_KEY":     "",

		"TTS_PROVIDER":        ProviderElevenLabs,
		"ELEVENLABS_API_KEY":  "",
		"ELEVENLABS_VOICE_ID": "",
		"DEEPGRAM_API_KEY":    "",
		"DEEPGRAM_MODEL":      "aura-2-thalia-en",

		"SUPABASE_URL":              "",
		"SUPABASE_SERVICE_ROLE_KEY": "",
		"SUPABASE_BUCKET":           "recordings",

		"VAD_SILENCE_THRESHOLD":     sc.VAD.SilenceThreshold,
		"VAD_MIN_SPEECH_FRAMES":     sc.VAD.MinSpeechFrames,
		"VAD_END_SILENCE_FRAMES":    sc.VAD.EndOfSpeechFrames,
		"STREAM_RECEIVE_TIMEOUT":    sc.ReceiveTimeout,
		"STREAM_INACTIVITY_TIMEOUT": sc.InactivityTimeout,
		"STREAM_HEARTBEAT_INTERVAL": sc.HeartbeatInterval,
		"STREAM_SEND_CHUNK_SIZE":    sc.SendChunkSize,
		"STREAM_SEND_PACING":        sc.SendPacing,
		"STREAM_SEND_POLL":          sc.SendPoll,
		"STREAM_GRACE_PERIOD":       sc.GracePeriod,

		"DATABASE_URL":         "",
		"WORKER_POOL_SIZE":     5,
		"ANALYSIS_SCORE_EVERY": 2,
		"CALL_RETENTION":       time.Hour,

		"LOG_LEVEL":  "info",
		"LOG_FORMAT": "text",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads .env (if present), then resolves every key through v. A config
// file set on v with SetConfigFile is read when it exists.
func Load(v *viper.Viper, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	SetDefaults(v)
	v.AutomaticEnv()
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		HTTPAddress:         v.GetString("HTTP_ADDRESS"),
		PublicBaseURL:       strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		DefaultInstructions: v.GetString("DEFAULT_INSTRUCTIONS"),
		Greeting:            v.GetString("CALL_GREETING"),
		Twilio: TwilioConfig{
			AccountSID:  v.GetString("TWILIO_ACCOUNT_SID"),
			AuthToken:   v.GetString("TWILIO_AUTH_TOKEN"),
			PhoneNumber: v.GetString("TWILIO_PHONE_NUMBER"),
			RecordCalls: v.GetBool("TWILIO_RECORD_CALLS"),
		},
		AssemblyAI: AssemblyAIConfig{APIKey: v.GetString("ASSEMBLYAI_API_KEY")},
		LLM: LLMConfig{
			Provider:      strings.ToLower(v.GetString("LLM_PROVIDER")),
			Model:         v.GetString("LLM_MODEL"),
			BaseURL:       v.GetString("LLM_BASE_URL"),
			AnalysisModel: v.GetString("LLM_ANALYSIS_MODEL"),
			OpenAIKey:     v.GetString("OPENAI_API_KEY"),
			CerebrasKey:   v.GetString("CEREBRAS_API_KEY"),
			GeminiKey:     v.GetString("GEMINI_API_KEY"),
		},
		TTS: TTSConfig{
			Provider:          strings.ToLower(v.GetString("TTS_PROVIDER")),
			ElevenLabsKey:     v.GetString("ELEVENLABS_API_KEY"),
			ElevenLabsVoiceID: v.GetString("ELEVENLABS_VOICE_ID"),
			DeepgramKey:       v.GetString("DEEPGRAM_API_KEY"),
			DeepgramModel:     v.GetString("DEEPGRAM_MODEL"),
		},
		Supabase: SupabaseConfig{
			URL:            v.GetString("SUPABASE_URL"),
			ServiceRoleKey: v.GetString("SUPABASE_SERVICE_ROLE_KEY"),
			Bucket:         v.GetString("SUPABASE_BUCKET"),
		},
		Stream: StreamConfig{
			SilenceThreshold:  v.GetFloat64("VAD_SILENCE_THRESHOLD"),
			MinSpeechFrames:   v.GetInt("VAD_MIN_SPEECH_FRAMES"),
			EndSilenceFrames:  v.GetInt("VAD_END_SILENCE_FRAMES"),
			ReceiveTimeout:    v.GetDuration("STREAM_RECEIVE_TIMEOUT"),
			InactivityTimeout: v.GetDuration("STREAM_INACTIVITY_TIMEOUT"),
			HeartbeatInterval: v.GetDuration("STREAM_HEARTBEAT_INTERVAL"),
			SendChunkSize:     v.GetInt("STREAM_SEND_CHUNK_SIZE"),
			SendPacing:        v.GetDuration("STREAM_SEND_PACING"),
			SendPoll:          v.GetDuration("STREAM_SEND_POLL"),
			GracePeriod:       v.GetDuration("STREAM_GRACE_PERIOD"),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		DatabaseURL:    v.GetString("DATABASE_URL"),
		WorkerPoolSize: v.GetInt("WORKER_POOL_SIZE"),
		ScoreEvery:     v.GetInt("ANALYSIS_SCORE_EVERY"),
		CallRetention:  v.GetDuration("CALL_RETENTION"),
	}
	if cfg.LLM.AnalysisModel == "" {
		cfg.LLM.AnalysisModel = cfg.LLM.Model
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.warnMissing(logger)
	return cfg, nil
}

// Validate rejects settings the service cannot run with. Missing vendor
// keys are not errors; the affected feature fails at call time instead.
func (c *Config) Validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("HTTP_ADDRESS cannot be empty")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderCerebras, ProviderGemini:
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of openai, cerebras, gemini, got %q", c.LLM.Provider)
	}
	switch c.TTS.Provider {
	case ProviderElevenLabs, ProviderDeepgram:
	default:
		return fmt.Errorf("TTS_PROVIDER must be one of elevenlabs, deepgram, got %q", c.TTS.Provider)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", c.WorkerPoolSize)
	}
	if c.ScoreEvery < 1 {
		return fmt.Errorf("ANALYSIS_SCORE_EVERY must be at least 1, got %d", c.ScoreEvery)
	}
	if c.CallRetention <= 0 {
		return fmt.Errorf("CALL_RETENTION must be positive, got %s", c.CallRetention)
	}
	if err := c.StreamSettings().Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", l.Format)
	}
	return nil
}

// NewLogger builds the process logger.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// StreamSettings builds the coordinator configuration.
func (c *Config) StreamSettings() stream.Config {
	sc := stream.DefaultConfig()
	sc.VAD = vad.DefaultConfig()
	sc.VAD.SilenceThreshold = c.Stream.SilenceThreshold
	sc.VAD.MinSpeechFrames = c.Stream.MinSpeechFrames
	sc.VAD.EndOfSpeechFrames = c.Stream.EndSilenceFrames
	sc.ReceiveTimeout = c.Stream.ReceiveTimeout
	sc.InactivityTimeout = c.Stream.InactivityTimeout
	sc.HeartbeatInterval = c.Stream.HeartbeatInterval
	sc.SendChunkSize = c.Stream.SendChunkSize
	sc.SendPacing = c.Stream.SendPacing
	sc.SendPoll = c.Stream.SendPoll
	sc.GracePeriod = c.Stream.GracePeriod
	return sc
}

// LLMKey returns the API key for the configured provider.
func (c *Config) LLMKey() string {
	switch c.LLM.Provider {
	case ProviderCerebras:
		return c.LLM.CerebrasKey
	case ProviderGemini:
		return c.LLM.GeminiKey
	default:
		return c.LLM.OpenAIKey
	}
}

func (c *Config) warnMissing(logger *slog.Logger) {
	if c.AssemblyAI.APIKey == "" {
		logger.Warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if c.LLMKey() == "" {
		logger.Warn("LLM API key not set - replies will not work", "provider", c.LLM.Provider)
	}
	switch c.TTS.Provider {
	case ProviderElevenLabs:
		if c.TTS.ElevenLabsKey == "" || c.TTS.ElevenLabsVoiceID == "" {
			logger.Warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	case ProviderDeepgram:
		if c.TTS.DeepgramKey == "" {
			logger.Warn("DEEPGRAM_API_KEY not set - TTS will not work")
		}
	}
	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		logger.Warn("Twilio credentials not set - calls and webhook verification will not work")
	}
	if c.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set - using in-memory store")
	}
	logger.Info("config loaded", "http_address", c.HTTPAddress, "llm_provider", c.LLM.Provider, "tts_provider", c.TTS.Provider)
}
