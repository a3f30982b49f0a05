package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server ServerConfig
	DB     DBConfig
	Feeds  FeedConfig
	Auth   AuthConfig
}

type ServerConfig struct {
	Port string
}

type DBConfig struct {
	// DatabaseURL selects the postgres backend when set; otherwise a
	// local sqlite file under DataDir is used.
	DatabaseURL string
	DataDir     string
}

type FeedConfig struct {
	// TTL is the age after which a feed is considered stale.
	TTL time.Duration
	// RefreshInterval is how often the scheduler sweeps for stale feeds.
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	RefreshWorkers  int
}

type AuthConfig struct {
	SessionSecret string
	AdminUsername string
	AdminPassword string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		DB: DBConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			DataDir:     getEnv("DATA_DIR", "./data"),
		},
		Feeds: FeedConfig{
			TTL:             getDuration("FEED_TTL", time.Hour),
			RefreshInterval: getDuration("FEED_REFRESH_INTERVAL", 5*time.Minute),
			FetchTimeout:    getDuration("FEED_FETCH_TIMEOUT", 30*time.Second),
			RefreshWorkers:  getInt("REFRESH_WORKERS", 4),
		},
		Auth: AuthConfig{
			SessionSecret: os.Getenv("SESSION_SECRET"),
			AdminUsername: os.Getenv("ADMIN_USERNAME"),
			AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
