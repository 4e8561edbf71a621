package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

var secrets = map[string]string{
	"WASTELINK_ACCESS_SECRET":  "a-secret",
	"WASTELINK_REFRESH_SECRET": "r-secret",
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWith(nil, envOf(secrets))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 7*24*time.Hour, cfg.Auth.AccessTTL)
	require.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTTL)
	require.Equal(t, 30*24*time.Hour, cfg.Notifications.TTL)
	require.Empty(t, cfg.PostgresDSN)
}

func TestMissingSecretsRejected(t *testing.T) {
	_, err := LoadWith(nil, envOf(nil))
	require.ErrorContains(t, err, "secrets are required")

	_, err = LoadWith(nil, envOf(map[string]string{
		"WASTELINK_ACCESS_SECRET":  "same",
		"WASTELINK_REFRESH_SECRET": "same",
	}))
	require.ErrorContains(t, err, "must differ")
}

func TestPrecedenceFileEnvFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":7000"
grpc_addr: ":7001"
auth:
  access_ttl: 1h
websocket:
  allowed_origins: ["app.example.org"]
notifications:
  workers: 2
`), 0o600))

	env := map[string]string{
		"WASTELINK_GRPC_ADDR": ":8001",
		"WASTELINK_PG_DSN":    "postgres://env",
	}
	for k, v := range secrets {
		env[k] = v
	}
	cfg, err := LoadWith([]string{"--config", path, "--pg-dsn", "postgres://flag"}, envOf(env))
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.Equal(t, ":8001", cfg.GRPCAddr)
	require.Equal(t, "postgres://flag", cfg.PostgresDSN)
	require.Equal(t, time.Hour, cfg.Auth.AccessTTL)
	require.Equal(t, 2, cfg.Notifications.Workers)
	require.Equal(t, 1024, cfg.Notifications.QueueSize)
	require.Equal(t, []string{"app.example.org"}, cfg.Websocket.AllowedOrigins)
}

func TestBadEnvValues(t *testing.T) {
	env := map[string]string{"WASTELINK_ACCESS_TTL": "soon", "WASTELINK_NOTIFY_WORKERS": "many"}
	for k, v := range secrets {
		env[k] = v
	}
	_, err := LoadWith(nil, envOf(env))
	require.ErrorContains(t, err, "WASTELINK_ACCESS_TTL")
	require.ErrorContains(t, err, "WASTELINK_NOTIFY_WORKERS")
}

func TestNonPositiveTTL(t *testing.T) {
	_, err := LoadWith([]string{"--refresh-ttl", "0s"}, envOf(secrets))
	require.ErrorContains(t, err, "TTLs must be positive")
}

func TestOriginsFromEnv(t *testing.T) {
	env := map[string]string{"WASTELINK_WS_ORIGINS": "a.example.org, b.example.org ,"}
	for k, v := range secrets {
		env[k] = v
	}
	cfg, err := LoadWith(nil, envOf(env))
	require.NoError(t, err)
	require.Equal(t, []string{"a.example.org", "b.example.org"}, cfg.Websocket.AllowedOrigins)
}

func TestSeedFileOnlyWithoutPostgres(t *testing.T) {
	env := map[string]string{"WASTELINK_SEED_FILE": "dev.yaml"}
	for k, v := range secrets {
		env[k] = v
	}
	cfg, err := LoadWith(nil, envOf(env))
	require.NoError(t, err)
	require.Equal(t, "dev.yaml", cfg.SeedFile)

	_, err = LoadWith([]string{"--pg-dsn", "postgres://x"}, envOf(env))
	require.ErrorContains(t, err, "in-memory stores only")
}
