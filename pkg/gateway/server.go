package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/internal/relayerr"
	"go.peerlink.dev/core/pkg/cluster"
	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/session"
	"go.peerlink.dev/core/pkg/store"
	"go.peerlink.dev/core/pkg/transfer"
)

// Sessions is the subset of session.Manager the Gateway drives.
type Sessions interface {
	Register(ctx context.Context, clientID, socketID string) error
	Heartbeat(ctx context.Context, clientID string) error
	CreateShare(ctx context.Context, clientID, shareID string) (string, error)
	JoinShare(ctx context.Context, shareID, clientID string) error
	Disconnect(ctx context.Context, socketID string) error
}

// Transfers is the subset of transfer.Engine the Gateway drives.
type Transfers interface {
	InitUpload(ctx context.Context, senderID, fileName string, fileSize int64, totalChunks int) (string, error)
	IngestChunk(ctx context.Context, in transfer.ChunkInput) error
	AckChunk(ctx context.Context, fileID string, chunkIndex int) error
	CancelDownload(ctx context.Context, fileID, clientID string) error
	DownloadConfirmed(ctx context.Context, fileID, fileName, shareID, receiverID string)
}

var _ Sessions = (*session.Manager)(nil)
var _ Transfers = (*transfer.Engine)(nil)

// Gateway implements the Gateway component of §4.7.
type Gateway struct {
	sessions   Sessions
	transfers  Transfers
	coord      *cluster.Coordinator
	store      store.Store
	nodeID     string
	corsOrigin string

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New returns a Gateway wired to its collaborators. coord is concrete
// (not an interface) because Gateway both routes through it and binds
// local sockets into it via BindLocal/UnbindLocal.
func New(sessions Sessions, transfers Transfers, coord *cluster.Coordinator, s store.Store, nodeID, corsOrigin string) *Gateway {
	g := &Gateway{
		sessions:   sessions,
		transfers:  transfers,
		coord:      coord,
		store:      s,
		nodeID:     nodeID,
		corsOrigin: corsOrigin,
		conns:      make(map[string]*Conn),
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return corsOrigin == "*" || corsOrigin == "" || r.Header.Get("Origin") == corsOrigin
		},
	}
	return g
}

// Bind attaches the Sessions/Transfers collaborators once they exist.
// Gateway is constructed first (sessions and engine both need it as
// their Emitter/Router), so this closes the dependency cycle after
// the fact rather than requiring a three-way constructor.
func (g *Gateway) Bind(sessions Sessions, transfers Transfers) {
	g.sessions = sessions
	g.transfers = transfers
}

// Emit implements session.Emitter: deliver event/payload to a specific
// locally-held socket by id.
func (g *Gateway) Emit(socketID, event string, payload interface{}) error {
	g.mu.RLock()
	conn, ok := g.conns[socketID]
	g.mu.RUnlock()
	if !ok {
		return relayerr.NewNotFound("no local socket %s", socketID)
	}
	return conn.Emit(event, payload)
}

// Routes registers the Gateway's handlers on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.handleWebsocket)
	mux.HandleFunc("GET /api/health", g.handleHealth)
	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /api/cluster/nodes", g.handleClusterNodes)
	mux.HandleFunc("GET /api/cluster/master", g.handleClusterMaster)
	mux.HandleFunc("GET /api/cluster/stats", g.handleClusterStats)
	mux.HandleFunc("POST /api/share/create", g.handleShareCreate)
	mux.HandleFunc("POST /api/share/join", g.handleShareJoin)
	mux.HandleFunc("GET /api/uploads/{fileId}", g.handleUploadStatus)
}

func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("gateway: websocket upgrade failed")
		return
	}

	conn := newConn(ws, "sock-"+uuid.NewString())
	g.mu.Lock()
	g.conns[conn.socketID] = conn
	g.mu.Unlock()

	go conn.writePump()
	conn.readPump(g.dispatch)

	g.onDisconnect(conn)
}

func (g *Gateway) bindSocket(conn *Conn) {
	if conn.clientID == "" {
		return
	}
	g.coord.BindLocal(conn.socketID, conn.clientID, conn)
	g.mu.Lock()
	g.conns[conn.socketID] = conn
	g.mu.Unlock()
}

func (g *Gateway) onDisconnect(conn *Conn) {
	g.mu.Lock()
	delete(g.conns, conn.socketID)
	g.mu.Unlock()

	if conn.clientID != "" {
		g.coord.UnbindLocal(conn.socketID, conn.clientID)
	}

	if err := g.sessions.Disconnect(context.Background(), conn.socketID); err != nil {
		log.WithError(err).WithField("socketId", conn.socketID).Warn("gateway: disconnect handling failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("gateway: failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	re, ok := relayerr.As(err)
	if !ok {
		re = relayerr.Wrap(err, relayerr.Unavailable, "internal error")
	}
	writeJSON(w, re.HTTPStatus(), re.ToEnvelope())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, distributed := g.store.(*store.Etcd)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": "1.0.0",
		"features": map[string]bool{
			"redis":       distributed,
			"nativeAddon": false,
			"cluster":     g.coord != nil,
		},
		"cluster": map[string]interface{}{
			"role":   g.coord.Role(),
			"nodeId": g.nodeID,
		},
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := g.store.ListClientSessions(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	filesSent, err := g.store.GetCounter(ctx, "filesSent")
	if err != nil {
		writeError(w, err)
		return
	}

	var active int
	for _, s := range sessions {
		if s.Connected {
			active++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filesSent":      filesSent,
		"activeSessions": active,
		"usersJoined":    len(sessions),
	})
}

func (g *Gateway) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type nodeView struct {
		ID       string           `json:"id"`
		Hostname string           `json:"hostname"`
		Port     int              `json:"port"`
		Status   model.NodeStatus `json:"status"`
	}
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{ID: n.ID, Hostname: n.Hostname, Port: n.Port, Status: n.Status})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "nodes": out})
}

func (g *Gateway) handleClusterMaster(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var masterID string
	for _, n := range nodes {
		if n.Role == model.RoleMaster {
			masterID = n.ID
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "masterId": masterID, "isMe": masterID == g.nodeID, "nodeId": g.nodeID,
	})
}

func (g *Gateway) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodes, err := g.store.ListNodes(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := g.store.ListClientSessions(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats": map[string]interface{}{
			"role":     g.coord.Role(),
			"nodeId":   g.nodeID,
			"nodes":    len(nodes),
			"sessions": len(sessions),
		},
	})
}

func (g *Gateway) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"clientId"`
		ShareID  string `json:"shareId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, relayerr.NewBadRequest("malformed body: %v", err))
		return
	}
	shareID, err := g.sessions.CreateShare(r.Context(), body.ClientID, body.ShareID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "shareId": shareID})
}

func (g *Gateway) handleShareJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ShareID  string `json:"shareId"`
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, relayerr.NewBadRequest("malformed body: %v", err))
		return
	}
	if err := g.sessions.JoinShare(r.Context(), body.ShareID, body.ClientID); err != nil {
		writeError(w, err)
		return
	}

	share, _, err := g.store.GetShare(r.Context(), body.ShareID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "shareId": body.ShareID, "connectedClients": share.Clients,
	})
}

func (g *Gateway) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileId")
	upload, found, err := g.store.GetUploadState(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, relayerr.NewNotFound("no upload %s", fileID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":      upload.FileID,
		"status":      upload.Status,
		"progress":    upload.Progress(),
		"totalChunks": upload.TotalChunks,
		"lastUpdate":  upload.LastUpdate.Format(time.RFC3339),
	})
}
