package gateway

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/internal/relayerr"
	"go.peerlink.dev/core/pkg/transfer"
)

// Client->server event names (§6).
const (
	eventRegister          = "register"
	eventHeartbeat         = "heartbeat"
	eventUploadInit        = "upload-init"
	eventUploadChunk       = "upload-chunk"
	eventChunkAcknowledged = "chunk-acknowledged"
	eventDownloadConfirmed = "download-confirmed"
	eventCancelDownload    = "cancel-download"
)

type registerPayload struct {
	ClientID string `json:"clientId"`
}

type heartbeatPayload struct {
	ClientID string `json:"clientId"`
}

type uploadInitPayload struct {
	ClientID    string `json:"clientId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

type uploadChunkPayload struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Chunk      []byte `json:"chunk"`
	ClientID   string `json:"clientId"`
}

type chunkAckPayload struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

type downloadConfirmedPayload struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	ShareID  string `json:"shareId"`
	ClientID string `json:"clientId"`
}

type cancelDownloadPayload struct {
	FileID   string `json:"fileId"`
	ClientID string `json:"clientId"`
}

// dispatch routes one inbound frame to its handler via a plain switch
// rather than a reflection-based router: the event set is small and fixed.
func (g *Gateway) dispatch(conn *Conn, msg inboundMessage) {
	ctx := conn.context()

	switch msg.Event {
	case eventRegister:
		var p registerPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		conn.clientID = p.ClientID
		g.bindSocket(conn)
		if err := g.sessions.Register(ctx, p.ClientID, conn.socketID); err != nil {
			g.emitError(conn, msg.AckID, err)
		}

	case eventHeartbeat:
		var p heartbeatPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		if err := g.sessions.Heartbeat(ctx, p.ClientID); err != nil {
			if re, ok := relayerr.As(err); ok && re.Kind == relayerr.RateLimited {
				var resetAt interface{}
				if details, ok := re.Details.(map[string]interface{}); ok {
					resetAt = details["resetAt"]
				}
				_ = conn.Emit("rate-limited", map[string]interface{}{"resetAt": resetAt})
				return
			}
			g.emitError(conn, msg.AckID, err)
			return
		}
		_ = conn.Emit("heartbeat-ack", nil)

	case eventUploadInit:
		var p uploadInitPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		fileID, err := g.transfers.InitUpload(ctx, p.ClientID, p.FileName, p.FileSize, p.TotalChunks)
		if err != nil {
			g.emitError(conn, msg.AckID, err)
			return
		}
		conn.ackTo(msg.AckID, map[string]interface{}{"fileId": fileID})

	case eventUploadChunk:
		var p uploadChunkPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		err := g.transfers.IngestChunk(ctx, transfer.ChunkInput{
			FileID: p.FileID, ChunkIndex: p.ChunkIndex, Chunk: p.Chunk, ClientID: p.ClientID,
		})
		if err != nil {
			g.emitError(conn, msg.AckID, err)
			return
		}
		// This ack is the flow-control signal of §4.6 step 5: the sender
		// withholds its next chunk until it arrives.
		conn.ackTo(msg.AckID, map[string]interface{}{"success": true})

	case eventChunkAcknowledged:
		var p chunkAckPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		if err := g.transfers.AckChunk(ctx, p.FileID, p.ChunkIndex); err != nil {
			log.WithError(err).Warn("gateway: failed to record chunk-acknowledged")
		}

	case eventDownloadConfirmed:
		var p downloadConfirmedPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		g.transfers.DownloadConfirmed(ctx, p.FileID, p.FileName, p.ShareID, p.ClientID)

	case eventCancelDownload:
		var p cancelDownloadPayload
		if !g.decode(conn, msg, &p) {
			return
		}
		if err := g.transfers.CancelDownload(ctx, p.FileID, p.ClientID); err != nil {
			g.emitError(conn, msg.AckID, err)
		}

	default:
		log.WithField("event", msg.Event).Warn("gateway: unrecognized event")
	}
}

func (g *Gateway) decode(conn *Conn, msg inboundMessage, dst interface{}) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		g.emitError(conn, msg.AckID, relayerr.NewBadRequest("malformed payload for %s: %v", msg.Event, err))
		return false
	}
	return true
}

func (g *Gateway) emitError(conn *Conn, ackID string, err error) {
	re, ok := relayerr.As(err)
	if !ok {
		re = relayerr.Wrap(err, relayerr.Unavailable, "internal error")
	}
	log.WithError(err).WithField("socketId", conn.socketID).Warn("gateway: handler error")
	conn.ackTo(ackID, re.ToEnvelope())
}
