package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parse(nil, env(map[string]string{"SECRET_KEY": "s"}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.SSEHeartbeat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestParse_Environment(t *testing.T) {
	cfg, err := parse(nil, env(map[string]string{
		"SECRET_KEY":         "s",
		"PORT":               "9000",
		"LOG_LEVEL":          "debug",
		"LOG_FORMAT":         "json",
		"DATABASE_PATH":      "/tmp/collab.db",
		"DATABASE_POOL_SIZE": "8",
		"SSE_HEARTBEAT":      "5s",
		"SHUTDOWN_TIMEOUT":   "1m",
		"ALLOWED_ORIGINS":    "https://a.example, https://b.example,",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/tmp/collab.db", cfg.DatabasePath)
	assert.Equal(t, 8, cfg.DatabasePoolSize)
	assert.Equal(t, 5*time.Second, cfg.SSEHeartbeat)
	assert.Equal(t, time.Minute, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestParse_FlagsOverrideEnvironment(t *testing.T) {
	cfg, err := parse(
		[]string{"--addr", "127.0.0.1:7000", "--sse-heartbeat", "1s", "--allowed-origins", "https://c.example"},
		env(map[string]string{"SECRET_KEY": "s", "ADDR": ":1", "SSE_HEARTBEAT": "9s"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	assert.Equal(t, time.Second, cfg.SSEHeartbeat)
	assert.Equal(t, []string{"https://c.example"}, cfg.AllowedOrigins)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		vars map[string]string
	}{
		{name: "missing secret", vars: map[string]string{}},
		{name: "bad duration", vars: map[string]string{"SECRET_KEY": "s", "SSE_HEARTBEAT": "soon"}},
		{name: "bad pool size", vars: map[string]string{"SECRET_KEY": "s", "DATABASE_POOL_SIZE": "many"}},
		{name: "zero pool", args: []string{"--database-pool-size", "0"}, vars: map[string]string{"SECRET_KEY": "s"}},
		{name: "bad format", vars: map[string]string{"SECRET_KEY": "s", "LOG_FORMAT": "xml"}},
		{name: "unknown flag", args: []string{"--nope"}, vars: map[string]string{"SECRET_KEY": "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(tt.args, env(tt.vars))
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, Config{LogLevel: name}.SlogLevel(), name)
	}
}
