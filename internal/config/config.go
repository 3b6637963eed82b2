package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice turn service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DataDir string

	WorkerConcurrency int
	QueueCapacity     int

	SystemPrompt    string
	MaxHistoryTurns int

	RecallTopK           int
	RecallCandidateLimit int

	SpeechProvider string

	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WhisperThreads   int
	WhisperBeamSize  int

	PiperBin       string
	PiperModelPath string
	PiperSpeaker   int

	BrainBaseURL   string
	BrainModel     string
	BrainAPIKey    string
	BrainTimeout   time.Duration
	BrainMaxTokens int

	EmbeddingsProvider string
	EmbeddingsBaseURL  string
	EmbeddingsModel    string
	EmbeddingsAPIKey   string
	EmbeddingsTimeout  time.Duration

	DatabaseURL string
	ChromemPath string

	ASRTimeout time.Duration
	TTSTimeout time.Duration

	SNCFAPIKey string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "margaux"),
		DataDir:          envOrDefault("APP_DATA_DIR", "data"),
		// One executor keeps turns strictly serialized; raise for parallel sessions.
		WorkerConcurrency: 1,
		QueueCapacity:     1024,
		SystemPrompt: envOrDefault("PIPELINE_SYSTEM_PROMPT",
			"You are a local voice assistant. Be concise and helpful."),
		MaxHistoryTurns:      8,
		RecallTopK:           6,
		RecallCandidateLimit: 200,
		SpeechProvider:       envOrDefault("SPEECH_PROVIDER", "auto"),
		WhisperCLI:           envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		WhisperModelPath:     envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-small.bin"),
		WhisperLanguage:      envOrDefault("LOCAL_WHISPER_LANGUAGE", "fr"),
		WhisperThreads:       0,
		WhisperBeamSize:      5,
		PiperBin:             envOrDefault("LOCAL_PIPER_BIN", "piper"),
		PiperModelPath:       envOrDefault("LOCAL_PIPER_MODEL_PATH", ".models/piper/fr_FR-upmc-medium.onnx"),
		PiperSpeaker:         -1,
		BrainBaseURL:         envOrDefault("BRAIN_BASE_URL", "http://127.0.0.1:8080"),
		BrainModel:           stringsTrimSpace("BRAIN_MODEL"),
		BrainAPIKey:          stringsTrimSpace("BRAIN_API_KEY"),
		BrainTimeout:         5 * time.Minute,
		BrainMaxTokens:       300,
		EmbeddingsProvider:   envOrDefault("EMBEDDINGS_PROVIDER", "auto"),
		EmbeddingsBaseURL:    stringsTrimSpace("EMBEDDINGS_BASE_URL"),
		EmbeddingsModel:      envOrDefault("EMBEDDINGS_MODEL", "text-embedding-3-small"),
		EmbeddingsAPIKey:     stringsTrimSpace("EMBEDDINGS_API_KEY"),
		EmbeddingsTimeout:    20 * time.Second,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		ChromemPath:          stringsTrimSpace("MEMORY_CHROMEM_PATH"),
		ASRTimeout:           2 * time.Minute,
		TTSTimeout:           2 * time.Minute,
		SNCFAPIKey:           stringsTrimSpace("SNCF_API_KEY"),
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerConcurrency, err = intFromEnv("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueCapacity, err = intFromEnv("WORKER_QUEUE_CAPACITY", cfg.QueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxHistoryTurns, err = intFromEnv("PIPELINE_MAX_HISTORY_TURNS", cfg.MaxHistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.RecallTopK, err = intFromEnv("MEMORY_RECALL_TOP_K", cfg.RecallTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.RecallCandidateLimit, err = intFromEnv("MEMORY_RECALL_CANDIDATES", cfg.RecallCandidateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.WhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperBeamSize, err = intFromEnv("LOCAL_WHISPER_BEAM_SIZE", cfg.WhisperBeamSize)
	if err != nil {
		return Config{}, err
	}
	cfg.PiperSpeaker, err = intFromEnv("LOCAL_PIPER_SPEAKER", cfg.PiperSpeaker)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainMaxTokens, err = intFromEnv("BRAIN_MAX_TOKENS", cfg.BrainMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainTimeout, err = durationFromEnv("BRAIN_TIMEOUT", cfg.BrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingsTimeout, err = durationFromEnv("EMBEDDINGS_TIMEOUT", cfg.EmbeddingsTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRTimeout, err = durationFromEnv("ASR_TIMEOUT", cfg.ASRTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.WorkerConcurrency <= 0 {
		return Config{}, fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if cfg.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("WORKER_QUEUE_CAPACITY must be positive")
	}
	if cfg.MaxHistoryTurns <= 0 {
		return Config{}, fmt.Errorf("PIPELINE_MAX_HISTORY_TURNS must be positive")
	}
	if cfg.RecallTopK <= 0 {
		return Config{}, fmt.Errorf("MEMORY_RECALL_TOP_K must be positive")
	}
	if cfg.RecallCandidateLimit < cfg.RecallTopK {
		return Config{}, fmt.Errorf("MEMORY_RECALL_CANDIDATES must be at least MEMORY_RECALL_TOP_K")
	}
	if cfg.WhisperThreads < 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if cfg.WhisperBeamSize <= 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_BEAM_SIZE must be positive")
	}
	if cfg.BrainMaxTokens <= 0 {
		return Config{}, fmt.Errorf("BRAIN_MAX_TOKENS must be positive")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("APP_DATA_DIR must not be empty")
	}

	return cfg, nil
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

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
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
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}
