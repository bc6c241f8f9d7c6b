package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds settings for the broker runtime.
type ServerConfig struct {
	ListenAddr string
	Env        string
	Database   DatabaseConfig
	JWT        JWTConfig
	RedisURL   string

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
	SendQueueSize int
}

// ClientConfig holds settings for the terminal client.
type ClientConfig struct {
	ServerURL string
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// LoadServerConfig builds the server configuration from environment variables
// with sensible defaults. A .env file in the working directory is loaded
// first when present.
func LoadServerConfig() ServerConfig {
	_ = godotenv.Load()

	return ServerConfig{
		ListenAddr:    envOrDefault("CHATD_LISTEN_ADDR", ":8080"),
		Env:           envOrDefault("CHATD_ENV", "development"),
		Database:      DatabaseConfig{Path: envOrDefault("CHATD_DB_PATH", "chatd.db")},
		JWT:           loadJWTConfig(),
		RedisURL:      os.Getenv("CHATD_REDIS_URL"),
		ReadTimeout:   envDuration("CHATD_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:  envDuration("CHATD_WRITE_TIMEOUT", 10*time.Second),
		PingInterval:  envDuration("CHATD_PING_INTERVAL", 45*time.Second),
		MaxFrameBytes: int64(envInt("CHATD_MAX_FRAME_BYTES", 1<<16)),
		SendQueueSize: envInt("CHATD_SEND_QUEUE_SIZE", 64),
	}
}

// LoadClientConfig builds the client configuration from environment variables.
func LoadClientConfig() ClientConfig {
	_ = godotenv.Load()

	return ClientConfig{
		ServerURL: envOrDefault("CHATD_SERVER_URL", "http://localhost:8080"),
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c ServerConfig) IsDevelopment() bool {
	return c.Env == "development"
}

func loadJWTConfig() JWTConfig {
	return JWTConfig{
		Secret:     envOrDefault("CHATD_JWT_SECRET", "replace-me"),
		Issuer:     envOrDefault("CHATD_JWT_ISSUER", "chatd"),
		Expiration: envDuration("CHATD_JWT_EXPIRATION", 24*time.Hour),
	}
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return value
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(key string, def int) int {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return def
}
