package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/flagx"
)

// ValueFlags lists every flag that consumes the following argument. The
// control tool uses it to find its positional command words.
var ValueFlags = []string{
	"-c", "-config",
	"-a", "-w", "-root", "-d", "-sdb", "-s", "-t", "-i", "-k", "-minv", "-x", "-m",
	"-u", "-p", "-b", "-g", "-e", "-l", "-pid", "-bin",
}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":27702")
//	-w string   HTTP bind address (e.g., ":27701")
//	-root dir   collections root directory
//	-d string   credential store DSN (postgres://... or SQLite path)
//	-sdb path   session database path
//	-s string   host key HMAC secret
//	-t int      host key validity, minutes
//	-i int      session idle timeout, minutes
//	-k int      chunk size
//	-minv int   lowest accepted sync protocol version
//	-x string   conflict policy (lww|strict)
//	-m string   media backend (fs|s3)
//	-u -p -b -g -e   S3 user, password, bucket, region, endpoint
//	-l string   log level
//	-pid path   PID file used by ankisyncctl
//	-bin path   server binary started by ankisyncctl
//
// Durations are accepted as integer minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], ValueFlags[2:])

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC address and port to run server")
	fs.StringVar(&config.EndpointAddrHTTP, "w", config.EndpointAddrHTTP, "HTTP address and port to run server")
	fs.StringVar(&config.DataRoot, "root", config.DataRoot, "collections root directory")
	fs.StringVar(&config.AuthDatabaseDSN, "d", config.AuthDatabaseDSN, "credential store DSN")
	fs.StringVar(&config.SessionDatabasePath, "sdb", config.SessionDatabasePath, "session database path")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	hostKeyValidity := fs.Int("t", int(config.HostKeyValidityDuration.Minutes()), "host key validity (in minutes)")
	idleTimeout := fs.Int("i", int(config.SessionIdleTimeout.Minutes()), "session idle timeout (in minutes)")

	fs.IntVar(&config.ChunkSize, "k", config.ChunkSize, "rows per chunk")
	fs.IntVar(&config.MinClientVersion, "minv", config.MinClientVersion, "lowest accepted sync protocol version")
	fs.StringVar(&config.ConflictPolicy, "x", config.ConflictPolicy, "conflict policy (lww|strict)")
	fs.StringVar(&config.MediaBackend, "m", config.MediaBackend, "media backend (fs|s3)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.PIDPath, "pid", config.PIDPath, "PID file path")
	fs.StringVar(&config.ServerBinary, "bin", config.ServerBinary, "server binary")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.HostKeyValidityDuration = time.Duration(*hostKeyValidity) * time.Minute
	config.SessionIdleTimeout = time.Duration(*idleTimeout) * time.Minute
}
