// Package mbp supplies the small CLI/config boilerplate every peerlink
// binary shares: flag groups bound to environment variables and a
// couple of Must-style helpers.
package mbp

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// LogConfig binds the LOG_* environment variables.
type LogConfig struct {
	Level string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
}

// ApplyLevel sets logrus's level from Level, defaulting to Info on an
// unparseable value rather than failing startup.
func (c LogConfig) ApplyLevel() {
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// ServerConfig binds PORT and CORS_ORIGIN.
type ServerConfig struct {
	Port       int    `long:"port" env:"PORT" default:"8080" description:"HTTP/WS listen port"`
	CorsOrigin string `long:"cors-origin" env:"CORS_ORIGIN" default:"*" description:"Allowed CORS origin"`
	Hostname   string `long:"hostname" env:"NODE_HOSTNAME" description:"Advertised node hostname"`
}

// ClusterConfig binds USE_CLUSTER plus the (renamed-in-meaning, see
// SPEC_FULL.md §0) Etcd connection variables that the external contract
// still names REDIS_*.
type ClusterConfig struct {
	UseCluster bool   `long:"use-cluster" env:"USE_CLUSTER" description:"Enable multi-node coordination"`
	UseEtcd    bool   `long:"use-redis" env:"USE_REDIS" description:"Back Storage/PubSub with the distributed (Etcd) backend"`
	Host       string `long:"redis-host" env:"REDIS_HOST" default:"localhost" description:"Distributed coordination endpoint host"`
	Port       int    `long:"redis-port" env:"REDIS_PORT" default:"2379" description:"Distributed coordination endpoint port"`
	Password   string `long:"redis-password" env:"REDIS_PASSWORD" description:"Distributed coordination auth password"`
	DB         int    `long:"redis-db" env:"REDIS_DB" description:"Reserved; unused by the Etcd backend"`
}

// Endpoint returns the host:port dial target for the distributed backend.
func (c ClusterConfig) Endpoint() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// TransferConfig binds the transfer-engine tunables of §6.
type TransferConfig struct {
	MaxFileSize          int64 `long:"max-file-size" env:"MAX_FILE_SIZE" default:"1073741824" description:"Maximum accepted upload size, bytes"`
	ChunkSize            int   `long:"chunk-size" env:"CHUNK_SIZE" default:"65536" description:"Expected chunk size, bytes"`
	MaxConcurrentUploads int   `long:"max-concurrent-uploads" env:"MAX_CONCURRENT_UPLOADS" default:"10" description:"Per-client concurrent upload cap"`
	MaxConcurrentDownloads int `long:"max-concurrent-downloads" env:"MAX_CONCURRENT_DOWNLOADS" default:"10" description:"Per-client concurrent download cap"`
	MaxConcurrentTransfers int `long:"max-concurrent-transfers" env:"MAX_CONCURRENT_TRANSFERS" default:"5" description:"Per-client combined transfer cap"`
	AckTimeoutMS         int   `long:"ack-timeout-ms" env:"ACK_TIMEOUT_MS" default:"10000" description:"Chunk ACK timeout, ms"`
	MaxRetries           int   `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Retry budget before transfer-failed"`
}

// TTLConfig binds the TTL_* environment variables.
type TTLConfig struct {
	ClientSession     int `long:"ttl-client-session" env:"TTL_CLIENT_SESSION" default:"3600" description:"Client session grace period, seconds"`
	ShareSession      int `long:"ttl-share-session" env:"TTL_SHARE_SESSION" default:"0" description:"Share session TTL override, seconds (0: lifecycle-managed)"`
	UploadState       int `long:"ttl-upload-state" env:"TTL_UPLOAD_STATE" default:"86400" description:"Upload state silence TTL, seconds"`
	RateLimitWindow   int `long:"ttl-rate-limit-window" env:"TTL_RATE_LIMIT_WINDOW" default:"60" description:"Rate limiter window, seconds"`
	Heartbeat         int `long:"ttl-heartbeat" env:"TTL_HEARTBEAT" default:"10" description:"Heartbeat interval, seconds"`
}

// Must exits the process with a fatal log if err is non-nil.
func Must(err error, message string) {
	if err != nil {
		log.WithError(err).Fatal(message)
	}
}

// MustParseArgs parses os.Args with parser, printing usage and exiting
// non-zero on error, mirroring mbp.MustParseArgs(parser).
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
