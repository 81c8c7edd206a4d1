package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	Addr             string
	LogLevel         string
	LogFormat        string
	SecretKey        string
	DatabasePath     string
	DatabasePoolSize int
	SSEHeartbeat     time.Duration
	ShutdownTimeout  time.Duration
	AllowedOrigins   []string
}

// Load reads .env if present, then the environment, then args.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return parse(args, os.Getenv)
}

func parse(args []string, getenv func(string) string) (Config, error) {
	cfg := Config{
		Addr:             ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
		DatabasePoolSize: 4,
		SSEHeartbeat:     30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}

	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if addr := getenv("ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	cfg.SecretKey = getenv("SECRET_KEY")
	cfg.DatabasePath = getenv("DATABASE_PATH")
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	var err error
	if v := getenv("DATABASE_POOL_SIZE"); v != "" {
		if cfg.DatabasePoolSize, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("DATABASE_POOL_SIZE: %w", err)
		}
	}
	if v := getenv("SSE_HEARTBEAT"); v != "" {
		if cfg.SSEHeartbeat, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("SSE_HEARTBEAT: %w", err)
		}
	}
	if v := getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if cfg.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
	}

	flags := pflag.NewFlagSet("diagram-collab-server", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	flags.StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "HS256 key for bearer tokens")
	flags.StringVar(&cfg.DatabasePath, "database-path", cfg.DatabasePath, "SQLite database file; empty keeps everything in memory")
	flags.IntVar(&cfg.DatabasePoolSize, "database-pool-size", cfg.DatabasePoolSize, "SQLite connection pool size")
	flags.DurationVar(&cfg.SSEHeartbeat, "sse-heartbeat", cfg.SSEHeartbeat, "interval between SSE heartbeat events")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for open connections on shutdown")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "websocket origins to accept; empty accepts any")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) validate() error {
	var errs []error
	if c.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEY is required"))
	}
	if c.DatabasePoolSize < 1 {
		errs = append(errs, errors.New("database pool size must be positive"))
	}
	if c.SSEHeartbeat <= 0 {
		errs = append(errs, errors.New("SSE heartbeat must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto slog; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
