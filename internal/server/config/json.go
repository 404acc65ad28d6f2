package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/ankisync/internal/flagx"
	"github.com/dmitrijs2005/ankisync/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// Interval fields use timex.Duration, so "30m" and integer nanoseconds are
// both accepted. Absent fields leave the current value untouched.
type JsonConfig struct {
	EndpointAddrGRPC        string          `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP        string          `json:"endpoint_addr_http"`
	DataRoot                string          `json:"data_root"`
	AuthDatabaseDSN         string          `json:"auth_database_dsn"`
	SessionDatabasePath     string          `json:"session_database_path"`
	SecretKey               string          `json:"secret_key"`
	HostKeyValidityDuration *timex.Duration `json:"host_key_validity_duration"`
	SessionIdleTimeout      *timex.Duration `json:"session_idle_timeout"`
	SessionSweepInterval    *timex.Duration `json:"session_sweep_interval"`
	ChunkSize               int             `json:"chunk_size"`
	MinClientVersion        int             `json:"min_client_version"`
	ConflictPolicy          string          `json:"conflict_policy"`
	MediaBackend            string          `json:"media_backend"`
	S3RootUser              string          `json:"s3_root_user"`
	S3RootPassword          string          `json:"s3_root_password"`
	S3Bucket                string          `json:"s3_bucket"`
	S3Region                string          `json:"s3_region"`
	S3BaseEndpoint          string          `json:"s3_base_endpoint"`
	LogLevel                string          `json:"log_level"`
	PIDPath                 string          `json:"pid_path"`
	ServerBinary            string          `json:"server_binary"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJson loads configuration values from the JSON file named by the -c or
// -config flag into config. Without the flag nothing is loaded. An unreadable
// file or invalid JSON panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DataRoot, c.DataRoot)
	setString(&config.AuthDatabaseDSN, c.AuthDatabaseDSN)
	setString(&config.SessionDatabasePath, c.SessionDatabasePath)
	setString(&config.SecretKey, c.SecretKey)
	if c.HostKeyValidityDuration != nil {
		config.HostKeyValidityDuration = c.HostKeyValidityDuration.Duration
	}
	if c.SessionIdleTimeout != nil {
		config.SessionIdleTimeout = c.SessionIdleTimeout.Duration
	}
	if c.SessionSweepInterval != nil {
		config.SessionSweepInterval = c.SessionSweepInterval.Duration
	}
	if c.ChunkSize > 0 {
		config.ChunkSize = c.ChunkSize
	}
	if c.MinClientVersion > 0 {
		config.MinClientVersion = c.MinClientVersion
	}
	setString(&config.ConflictPolicy, c.ConflictPolicy)
	setString(&config.MediaBackend, c.MediaBackend)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.PIDPath, c.PIDPath)
	setString(&config.ServerBinary, c.ServerBinary)
}
