// Package config handles screenwatch configuration
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvFileVar names the variable pointing at an optional .env file.
const EnvFileVar = "SCREENWATCH_ENV_FILE"

type Config struct {
	HTTPAddr     string
	HealthAddr   string
	DetectionURL string
	Transports   []string
	LogLevel     string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	BackgroundRetry   time.Duration

	SampleInterval time.Duration
	FrameWidth     int
	FrameHeight    int
	JPEGQuality    int
	MaxFrameBytes  int
	FrameDedupe    bool

	ResultHistory int
}

// Load reads configuration from the environment. Values from a .env file fill
// in anything the process environment does not already set.
func Load() *Config {
	loadEnvFile()

	return &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8090"),
		HealthAddr:   getEnv("HEALTH_ADDR", ":8091"),
		DetectionURL: getEnv("DETECTION_URL", "http://127.0.0.1:5000"),
		Transports:   getEnvList("TRANSPORTS", []string{"websocket", "polling"}),
		LogLevel:     getEnv("LOG_LEVEL", "debug"),

		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getEnvMillis("RECONNECT_DELAY_MS", 1000),
		ConnectTimeout:    getEnvMillis("CONNECT_TIMEOUT_MS", 10000),
		BackgroundRetry:   time.Duration(getEnvInt("BACKGROUND_RETRY_S", 30)) * time.Second,

		SampleInterval: getEnvMillis("SAMPLE_INTERVAL_MS", 1000),
		FrameWidth:     getEnvInt("FRAME_WIDTH", 320),
		FrameHeight:    getEnvInt("FRAME_HEIGHT", 240),
		JPEGQuality:    getEnvInt("JPEG_QUALITY", 50),
		MaxFrameBytes:  getEnvInt("MAX_FRAME_BYTES", 256*1024),
		FrameDedupe:    getEnvBool("FRAME_DEDUPE", false),

		ResultHistory: getEnvInt("RESULT_HISTORY", 256),
	}
}

// SlogLevel maps LogLevel onto a slog level, defaulting to debug.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func loadEnvFile() {
	path := getEnv(EnvFileVar, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		slog.Warn("failed to load env file", "path", path, "error", err)
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

func getEnvMillis(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Millisecond
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
