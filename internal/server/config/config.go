// Package config handles configuration for the sync server and its control
// tool, including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the ankisync server.
//
// Fields:
//   - EndpointAddrGRPC / EndpointAddrHTTP: bind addresses of the two transports.
//   - DataRoot: directory holding one collection directory per user.
//   - AuthDatabaseDSN: credential store; "postgres://..." selects pgx, anything
//     else is a SQLite file path.
//   - SessionDatabasePath: SQLite file persisting issued host keys.
//   - SecretKey: HMAC secret for signing host keys (HS256). Do not use test defaults in prod.
//   - HostKeyValidityDuration: lifetime of an issued host key.
//   - SessionIdleTimeout / SessionSweepInterval: idle eviction window and sweep period.
//   - ChunkSize: rows per "chunk" response.
//   - MinClientVersion: lowest sync protocol version "meta" accepts.
//   - ConflictPolicy: "lww" or "strict".
//   - MediaBackend: "fs" (inside the collection dir) or "s3".
//   - S3RootUser / S3RootPassword / S3Bucket / S3Region / S3BaseEndpoint: object storage settings.
//   - LogLevel: debug, info, warn or error.
//   - PIDPath / ServerBinary: used by ankisyncctl to supervise the server.
type Config struct {
	EndpointAddrGRPC        string
	EndpointAddrHTTP        string
	DataRoot                string
	AuthDatabaseDSN         string
	SessionDatabasePath     string
	SecretKey               string
	HostKeyValidityDuration time.Duration
	SessionIdleTimeout      time.Duration
	SessionSweepInterval    time.Duration
	ChunkSize               int
	MinClientVersion        int
	ConflictPolicy          string
	MediaBackend            string
	S3RootUser              string
	S3RootPassword          string
	S3Bucket                string
	S3Region                string
	S3BaseEndpoint          string
	LogLevel                string
	PIDPath                 string
	ServerBinary            string
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":27702"
	c.EndpointAddrHTTP = ":27701"
	c.DataRoot = "./collections"
	c.AuthDatabaseDSN = "auth.db"
	c.SessionDatabasePath = "session.db"
	c.SecretKey = "secretKey"
	c.HostKeyValidityDuration = 24 * time.Hour
	c.SessionIdleTimeout = 30 * time.Minute
	c.SessionSweepInterval = 1 * time.Minute
	c.ChunkSize = 250
	c.MinClientVersion = 8
	c.ConflictPolicy = "lww"
	c.MediaBackend = "fs"
	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Bucket = "media"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.LogLevel = "info"
	c.PIDPath = "/tmp/ankisync.pid"
	c.ServerBinary = "ankisync-server"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
