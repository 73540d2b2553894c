package pubsub

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

// sizeWarnThreshold is the operational (not hard) publish-size signal
// of §4.2.
const sizeWarnThreshold = 500 * 1024

// EncodeEnvelope marshals payload as JSON for publication. A raw chunk
// buffer nested inside payload (the "chunk" field of a routed event)
// already survives this round-trip byte-for-byte: encoding/json base64s
// a []byte automatically on encode, and the receiving side reads that
// base64 string straight through to the client, which expects it.
func EncodeEnvelope(channel string, payload interface{}) ([]byte, error) {
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if len(out) > sizeWarnThreshold {
		log.WithFields(log.Fields{"channel": channel, "bytes": len(out)}).
			Warn("pubsub: publishing payload larger than 500KiB")
	}
	return out, nil
}
