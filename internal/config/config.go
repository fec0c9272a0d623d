package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	StoreDriver string
	SQLitePath  string
	DatabaseURL string
	RedisURL    string

	JWTSecret           string
	AccessTokenMinutes  int
	EncryptKey          string
	PreviousEncryptKeys []string

	CORSOrigins []string
	Debug       bool
	LogLevel    string

	MaxRoomMembers   int
	MaxMessageLength int
	HistoryPageSize  int
	SyncRoomLimit    int
	EventTimeout     time.Duration
	WSSendBuffer     int
}

// Load reads configuration from the environment. When envFile is non-empty
// it is loaded first; variables already present in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "marketchat")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		AppName: getEnv("APP_NAME", "marketchat realtime"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
		SQLitePath:  getEnv("SQLITE_PATH", "marketchat.db"),
		DatabaseURL: getEnv("DATABASE_URL", u.String()),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		AccessTokenMinutes:  getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),
		EncryptKey:          os.Getenv("ENCRYPTION_KEY"),
		PreviousEncryptKeys: getEnvAsList("ENCRYPTION_PREVIOUS_KEYS", nil),

		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		Debug:       getEnvAsBool("DEBUG", true),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		MaxRoomMembers:   getEnvAsInt("MAX_ROOM_MEMBERS", domain.DefaultMaxRoomMembers),
		MaxMessageLength: getEnvAsInt("MAX_MESSAGE_LENGTH", 5000),
		HistoryPageSize:  getEnvAsInt("HISTORY_PAGE_SIZE", 50),
		SyncRoomLimit:    getEnvAsInt("SYNC_ROOM_LIMIT", 500),
		EventTimeout:     getEnvAsDuration("EVENT_TIMEOUT", 5*time.Second),
		WSSendBuffer:     getEnvAsInt("WS_SEND_BUFFER", 128),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch cfg.StoreDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.StoreDriver)
	}
	if cfg.MaxRoomMembers < 2 {
		return nil, fmt.Errorf("MAX_ROOM_MEMBERS must be at least 2")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) IsDevelopment() bool {
	return c.Debug || c.Env == "development"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
