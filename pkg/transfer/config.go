package transfer

import "time"

// Config holds the TransferEngine tunables of §4.6/§6, deliberately
// decoupled from internal/mbp.TransferConfig so the engine stays
// testable without the flags package.
type Config struct {
	MaxFileSize            int64
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	MaxConcurrentTransfers int
	AckTimeout             time.Duration
	MaxRetries             int
	ChecksumEnabled        bool
}

// DefaultConfig matches the default values of §6's environment table.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:            1 << 30,
		MaxConcurrentUploads:   10,
		MaxConcurrentDownloads: 10,
		MaxConcurrentTransfers: 5,
		AckTimeout:             10 * time.Second,
		MaxRetries:             3,
	}
}

// AckScanInterval is the fixed cadence of the retry scanner (§4.6).
const AckScanInterval = 2 * time.Second
