// Package config handles platform configuration
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	LogLevel    string
	DataDir     string
	DBPath      string
	PromptsPath string

	// Speech-to-text service
	STTEndpoint     string
	STTAppID        string
	STTAccessKey    string
	STTPollInterval time.Duration
	STTPollAttempts int
	STTCallTimeout  time.Duration

	// Generation service
	LLMEndpoint    string
	LLMAPIKey      string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMCallTimeout time.Duration

	// Media chunking
	SegmentSeconds        int
	SegmentOverlapSeconds int
	SplitConcurrency      int
	TranscribeConcurrency int

	// Shared retry policy for all external calls
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

func Load() *Config {
	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DataDir:     getEnv("DATA_DIR", "data"),
		DBPath:      getEnv("DB_PATH", "data/lectern.db"),
		PromptsPath: getEnv("PROMPTS_PATH", "prompts.yml"),

		STTEndpoint:     getEnv("STT_ENDPOINT", "https://openspeech.bytedance.com/api/v3/auc/bigmodel"),
		STTAppID:        getEnv("STT_APP_ID", ""),
		STTAccessKey:    getEnv("STT_ACCESS_KEY", ""),
		STTPollInterval: getEnvDuration("STT_POLL_INTERVAL", 2*time.Second),
		STTPollAttempts: getEnvInt("STT_POLL_ATTEMPTS", 60),
		STTCallTimeout:  getEnvDuration("STT_CALL_TIMEOUT", 3*time.Minute),

		LLMEndpoint:    getEnv("LLM_ENDPOINT", "https://api.deepseek.com/v1"),
		LLMAPIKey:      getEnv("LLM_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "deepseek-chat"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4000),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMCallTimeout: getEnvDuration("LLM_CALL_TIMEOUT", 5*time.Minute),

		SegmentSeconds:        getEnvInt("SEGMENT_SECONDS", 600),
		SegmentOverlapSeconds: getEnvInt("SEGMENT_OVERLAP_SECONDS", 0),
		SplitConcurrency:      getEnvInt("SPLIT_CONCURRENCY", 4),
		TranscribeConcurrency: getEnvInt("TRANSCRIBE_CONCURRENCY", 4),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
