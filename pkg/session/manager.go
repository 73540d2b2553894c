// Package session implements SessionManager (§4.5): client registration,
// share-room creation/joining/disconnect, and the admission policy that
// keeps a share capped at two participants with one share per client.
package session

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/internal/relayerr"
	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/pubsub"
	"go.peerlink.dev/core/pkg/store"
)

// DefaultHeartbeatRateLimit is the per-client heartbeat budget of §4.5.
const DefaultHeartbeatRateLimit = 1000

// Emitter is the local-delivery surface SessionManager needs to talk
// back to a specific socket, kept minimal the same way cluster.Socket
// is: SessionManager never imports pkg/gateway.
type Emitter interface {
	Emit(socketID, event string, payload interface{}) error
}

// Router delivers an event to a clientID wherever it's connected in the
// cluster, following the Coordinator's local/direct/fallback routing
// (§4.4) rather than only the local node's sockets.
type Router interface {
	Route(ctx context.Context, targetClientID, event string, payload interface{})
}

// Manager implements SessionManager.
type Manager struct {
	store            store.Store
	pubsub           pubsub.PubSub
	emit             Emitter
	router           Router
	nodeID           string
	isMaster         func() bool
	masterID         func() string
	heartbeatRateCap int
}

// NewManager returns a Manager bound to its collaborators. isMaster and
// masterID are callbacks read on demand, so SessionManager never needs a
// direct import of pkg/cluster's concrete type.
func NewManager(s store.Store, ps pubsub.PubSub, emit Emitter, router Router, nodeID string, isMaster func() bool, masterID func() string) *Manager {
	return &Manager{
		store:            s,
		pubsub:           ps,
		emit:             emit,
		router:           router,
		nodeID:           nodeID,
		isMaster:         isMaster,
		masterID:         masterID,
		heartbeatRateCap: DefaultHeartbeatRateLimit,
	}
}

// Register creates or refreshes a ClientSession, binds it to socketID on
// this node, publishes session:created, and emits registered back to
// the socket.
func (m *Manager) Register(ctx context.Context, clientID, socketID string) error {
	sess := &model.ClientSession{
		ClientID:      clientID,
		SocketID:      socketID,
		NodeID:        m.nodeID,
		Connected:     true,
		LastHeartbeat: time.Now(),
		Uploads:       model.NewStrSet(),
		Downloads:     model.NewStrSet(),
	}
	if err := m.store.PutClientSession(ctx, sess); err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "register client %s", clientID)
	}

	m.publish(ctx, pubsub.ChannelSessionCreated, map[string]interface{}{
		"clientId": clientID, "nodeId": m.nodeID, "socketId": socketID,
	})

	return m.emit.Emit(socketID, "registered", map[string]interface{}{
		"nodeId": m.nodeID, "isMaster": m.isMaster(), "masterId": m.masterID(),
	})
}

// Heartbeat applies the heartbeat rate limit and, if allowed, refreshes
// the client's LastHeartbeat.
func (m *Manager) Heartbeat(ctx context.Context, clientID string) error {
	res, err := m.store.CheckRateLimit(ctx, "heartbeat:"+clientID, m.heartbeatRateCap, model.RateWindow)
	if err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "check heartbeat rate for %s", clientID)
	}
	if !res.Allowed {
		rerr := relayerr.NewRateLimited("heartbeat rate exceeded for client %s", clientID)
		rerr.Details = map[string]interface{}{"resetAt": res.ResetAt}
		return rerr
	}

	sess, found, err := m.store.GetClientSession(ctx, clientID)
	if err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "load session for heartbeat %s", clientID)
	}
	if !found {
		return relayerr.NewNotFound("no session for client %s", clientID)
	}
	sess.LastHeartbeat = time.Now()
	return m.store.PutClientSession(ctx, sess)
}

// CreateShare creates a new ShareSession (or rejects if shareID is
// already taken), emitting connection-ready to the creator.
func (m *Manager) CreateShare(ctx context.Context, clientID, shareID string) (string, error) {
	if shareID == "" {
		shareID = model.NewShareID(time.Now())
	} else if _, found, err := m.store.GetShare(ctx, shareID); err != nil {
		return "", relayerr.Wrap(err, relayerr.Unavailable, "check existing share %s", shareID)
	} else if found {
		return "", relayerr.NewConflict("share %s already exists", shareID)
	}

	share := &model.ShareSession{
		ShareID:      shareID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Clients:      []string{clientID},
		Status:       model.ShareActive,
	}
	if err := m.store.PutShare(ctx, share); err != nil {
		return "", relayerr.Wrap(err, relayerr.Unavailable, "create share %s", shareID)
	}

	if err := m.setClientShare(ctx, clientID, shareID); err != nil {
		return "", err
	}

	m.publish(ctx, pubsub.ChannelShareCreated, map[string]interface{}{
		"shareId": shareID, "clientId": clientID, "nodeId": m.nodeID,
	})

	m.router.Route(ctx, clientID, "connection-ready", map[string]interface{}{"shareId": shareID})
	return shareID, nil
}

// JoinShare admits clientID to an existing share, enforcing the
// two-participant cap, and notifies both participants.
func (m *Manager) JoinShare(ctx context.Context, shareID, clientID string) error {
	share, found, err := m.store.GetShare(ctx, shareID)
	if err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "load share %s", shareID)
	}
	if !found {
		return relayerr.NewNotFound("share %s does not exist", shareID)
	}
	if share.Status != model.ShareActive {
		return relayerr.NewConflict("share %s is not active", shareID)
	}
	if share.Full() && !share.Has(clientID) {
		return relayerr.NewConflict("share %s already has two participants", shareID)
	}
	if share.Has(clientID) {
		return nil // idempotent rejoin.
	}

	share.Clients = append(share.Clients, clientID)
	share.LastActivity = time.Now()
	if err := m.store.PutShare(ctx, share); err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "join share %s", shareID)
	}

	if err := m.setClientShare(ctx, clientID, shareID); err != nil {
		return err
	}

	for _, participant := range share.Clients {
		m.router.Route(ctx, participant, "connection-ready", map[string]interface{}{"shareId": shareID})
		m.router.Route(ctx, participant, "client-joined-share", map[string]interface{}{"shareId": shareID, "clientId": clientID})
	}
	return nil
}

// Disconnect removes socketID's owning client from its share, notifies
// the other participant, deletes an emptied share, and marks the
// session disconnected.
func (m *Manager) Disconnect(ctx context.Context, socketID string) error {
	sessions, err := m.store.ListClientSessions(ctx)
	if err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "list sessions for disconnect")
	}

	var sess *model.ClientSession
	for _, s := range sessions {
		if s.SocketID == socketID && s.NodeID == m.nodeID {
			sess = s
			break
		}
	}
	if sess == nil {
		return nil
	}

	if sess.ShareID != "" {
		if err := m.leaveShare(ctx, sess.ShareID, sess.ClientID); err != nil {
			log.WithError(err).WithField("clientId", sess.ClientID).Warn("session: failed to leave share on disconnect")
		}
	}

	sess.Connected = false
	if err := m.store.PutClientSession(ctx, sess); err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "mark disconnected %s", sess.ClientID)
	}

	m.publish(ctx, pubsub.ChannelSessionEnded, map[string]interface{}{
		"clientId": sess.ClientID, "nodeId": m.nodeID, "socketId": socketID,
	})
	return nil
}

func (m *Manager) leaveShare(ctx context.Context, shareID, clientID string) error {
	share, found, err := m.store.GetShare(ctx, shareID)
	if err != nil || !found {
		return err
	}

	var remaining []string
	for _, c := range share.Clients {
		if c != clientID {
			remaining = append(remaining, c)
		}
	}

	if len(remaining) == 0 {
		return m.store.DeleteShare(ctx, shareID)
	}

	share.Clients = remaining
	share.LastActivity = time.Now()
	if err := m.store.PutShare(ctx, share); err != nil {
		return err
	}

	for _, other := range remaining {
		m.router.Route(ctx, other, "client-disconnected-from-share", map[string]interface{}{
			"shareId": shareID, "clientId": clientID,
		})
	}
	return nil
}

func (m *Manager) setClientShare(ctx context.Context, clientID, shareID string) error {
	sess, found, err := m.store.GetClientSession(ctx, clientID)
	if err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "load session %s", clientID)
	}
	if !found {
		return relayerr.NewNotFound("no session for client %s", clientID)
	}
	sess.ShareID = shareID
	return m.store.PutClientSession(ctx, sess)
}

func (m *Manager) publish(ctx context.Context, channel string, payload interface{}) {
	raw, err := pubsub.EncodeEnvelope(channel, payload)
	if err != nil {
		log.WithError(err).WithField("channel", channel).Warn("session: failed to encode publish payload")
		return
	}
	if err := m.pubsub.Publish(ctx, channel, raw); err != nil {
		log.WithError(err).WithField("channel", channel).Warn("session: publish failed")
	}
}
