package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"endpoint_addr_grpc":         "www.example:9000",
		"endpoint_addr_http":         "www.example:8000",
		"data_root":                  "/data",
		"auth_database_dsn":          "users.db",
		"session_database_path":      "sessions.db",
		"secret_key":                 "my_secret_key",
		"host_key_validity_duration": "2h",
		"session_idle_timeout":       "10m",
		"session_sweep_interval":     "15s",
		"chunk_size":                 50,
		"min_client_version":         10,
		"conflict_policy":            "strict",
		"media_backend":              "s3",
		"s3_root_user":               "user",
		"s3_root_password":           "password",
		"s3_bucket":                  "bucket",
		"s3_region":                  "region",
		"s3_base_endpoint":           "base_endpoint",
		"log_level":                  "warn",
		"pid_path":                   "/run/x.pid",
		"server_binary":              "/bin/x",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		parseJson(cfg)

		assert.Equal(t, "www.example:9000", cfg.EndpointAddrGRPC)
		assert.Equal(t, "www.example:8000", cfg.EndpointAddrHTTP)
		assert.Equal(t, "/data", cfg.DataRoot)
		assert.Equal(t, "users.db", cfg.AuthDatabaseDSN)
		assert.Equal(t, "sessions.db", cfg.SessionDatabasePath)
		assert.Equal(t, "my_secret_key", cfg.SecretKey)
		assert.Equal(t, 2*time.Hour, cfg.HostKeyValidityDuration)
		assert.Equal(t, 10*time.Minute, cfg.SessionIdleTimeout)
		assert.Equal(t, 15*time.Second, cfg.SessionSweepInterval)
		assert.Equal(t, 50, cfg.ChunkSize)
		assert.Equal(t, 10, cfg.MinClientVersion)
		assert.Equal(t, "strict", cfg.ConflictPolicy)
		assert.Equal(t, "s3", cfg.MediaBackend)
		assert.Equal(t, "user", cfg.S3RootUser)
		assert.Equal(t, "password", cfg.S3RootPassword)
		assert.Equal(t, "bucket", cfg.S3Bucket)
		assert.Equal(t, "region", cfg.S3Region)
		assert.Equal(t, "base_endpoint", cfg.S3BaseEndpoint)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, "/run/x.pid", cfg.PIDPath)
		assert.Equal(t, "/bin/x", cfg.ServerBinary)
	})

	t.Run("partial file keeps other values", func(t *testing.T) {
		partial := writeTempJSON(t, dir, "partial.json", map[string]any{
			"secret_key": "only_this",
		})
		os.Args = []string{"testbin", "-c", partial}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "only_this", cfg.SecretKey)
		assert.Equal(t, ":27702", cfg.EndpointAddrGRPC)
		assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
		assert.Equal(t, 250, cfg.ChunkSize)
		assert.Equal(t, 8, cfg.MinClientVersion)
	})

	t.Run("no config flag leaves values unchanged", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{
			EndpointAddrGRPC:   "defaults:1234",
			SecretKey:          "key",
			SessionIdleTimeout: 2 * time.Minute,
			S3Bucket:           "s3bucket",
		}
		parseJson(cfg)

		assert.Equal(t, "defaults:1234", cfg.EndpointAddrGRPC)
		assert.Equal(t, "key", cfg.SecretKey)
		assert.Equal(t, 2*time.Minute, cfg.SessionIdleTimeout)
		assert.Equal(t, "s3bucket", cfg.S3Bucket)
	})

	t.Run("invalid JSON panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}

		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})

	t.Run("missing file panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", filepath.Join(dir, "nope.json")}
		require.Panics(t, func() { parseJson(&Config{}) })
	})
}
