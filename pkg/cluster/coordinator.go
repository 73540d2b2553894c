package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/pubsub"
	"go.peerlink.dev/core/pkg/store"
)

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

// Election timing from §4.4.
const (
	ElectionInterval = 5 * time.Second
	LockTTL          = 15 * time.Second
)

// Socket is the minimal local-delivery surface the Coordinator needs
// from the Gateway, kept small and dependency-free so Coordinator never
// imports pkg/gateway (an Observer callback carries the rest).
type Socket interface {
	Emit(event string, payload interface{}) error
}

// RouteEnvelope is the payload of the message:route and routing:request
// channels (§4.2).
type RouteEnvelope struct {
	TargetNodeID   string      `json:"targetNodeId,omitempty"`
	TargetClientID string      `json:"targetClientId"`
	SocketID       string      `json:"socketId,omitempty"`
	Event          string      `json:"event"`
	Payload        interface{} `json:"payload"`
}

// RoleObserver is invoked whenever this node's election role changes.
type RoleObserver func(role model.NodeRole)

// Coordinator owns leader election and cross-node payload routing.
type Coordinator struct {
	store  store.Store
	pubsub pubsub.PubSub
	nodeID string

	mu        sync.RWMutex
	role      model.NodeRole
	sockets   map[string]Socket // socketId -> local socket
	clientIdx map[string]string // clientId -> socketId, local only

	observers []RoleObserver
}

// NewCoordinator returns a worker-role Coordinator for the given node.
func NewCoordinator(s store.Store, ps pubsub.PubSub, nodeID string) *Coordinator {
	return &Coordinator{
		store:     s,
		pubsub:    ps,
		nodeID:    nodeID,
		role:      model.RoleWorker,
		sockets:   make(map[string]Socket),
		clientIdx: make(map[string]string),
	}
}

// Role returns the current election role.
func (c *Coordinator) Role() model.NodeRole {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// OnRoleChange registers a callback fired (outside any lock) whenever
// the role transitions.
func (c *Coordinator) OnRoleChange(fn RoleObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// BindLocal registers a locally-connected socket under both its own id
// and its owning client id, making it reachable by the local fast path.
func (c *Coordinator) BindLocal(socketID, clientID string, s Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sockets[socketID] = s
	c.clientIdx[clientID] = socketID
}

// UnbindLocal removes a socket's local registration.
func (c *Coordinator) UnbindLocal(socketID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sockets, socketID)
	if c.clientIdx[clientID] == socketID {
		delete(c.clientIdx, clientID)
	}
}

// RunElection drives the election loop of §4.4 until ctx is cancelled.
func (c *Coordinator) RunElection(ctx context.Context) error {
	c.electOnce(ctx)

	var ticker = time.NewTicker(ElectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.electOnce(ctx)
		}
	}
}

func (c *Coordinator) electOnce(ctx context.Context) {
	res, err := c.store.AcquireLock(ctx, model.ClusterLockKey, c.nodeID, LockTTL)
	if err != nil {
		log.WithError(err).Warn("cluster: election attempt failed")
		return
	}

	if res.Acquired {
		c.setRole(model.RoleMaster)
		return
	}

	if res.Holder == c.nodeID {
		if _, err := c.store.RefreshLock(ctx, model.ClusterLockKey, c.nodeID, LockTTL); err != nil {
			log.WithError(err).Warn("cluster: master lock refresh failed")
		}
		c.setRole(model.RoleMaster)
		return
	}

	c.setRole(model.RoleWorker)
}

func (c *Coordinator) setRole(role model.NodeRole) {
	c.mu.Lock()
	var changed = c.role != role
	c.role = role
	var observers = append([]RoleObserver(nil), c.observers...)
	c.mu.Unlock()

	if !changed {
		return
	}
	log.WithField("role", role).Info("cluster: role changed")
	for _, obs := range observers {
		obs(role)
	}
}

// IsMaster reports whether this node currently holds the leader lock.
func (c *Coordinator) IsMaster() bool { return c.Role() == model.RoleMaster }

// Route delivers (event, payload) to targetClientID following the
// 4-step path of §4.4.
func (c *Coordinator) Route(ctx context.Context, targetClientID, event string, payload interface{}) {
	// Step 1: local fast path.
	if c.deliverLocal(targetClientID, event, payload) {
		addTrace(ctx, "route(%s, %s) => local fast path", targetClientID, event)
		return
	}

	// Step 2: direct worker-to-worker via Storage lookup.
	sess, found, err := c.store.GetClientSession(ctx, targetClientID)
	if err != nil {
		log.WithError(err).WithField("clientId", targetClientID).Warn("cluster: routing lookup failed")
	}
	if found && sess.Connected {
		if sess.NodeID == c.nodeID {
			// Storage places the client on this node although step 1
			// missed it; re-attempt the local map once.
			if c.deliverLocal(targetClientID, event, payload) {
				addTrace(ctx, "route(%s, %s) => local retry after storage lookup", targetClientID, event)
				return
			}
		} else {
			addTrace(ctx, "route(%s, %s) => message:route to node %s", targetClientID, event, sess.NodeID)
			c.publishRoute(ctx, sess.NodeID, targetClientID, sess.SocketID, event, payload)
			return
		}
	}

	// Step 3: worker fallback, handled only if we are not master.
	if !c.IsMaster() {
		addTrace(ctx, "route(%s, %s) => routing:request", targetClientID, event)
		c.publishRoutingRequest(ctx, targetClientID, event, payload)
		return
	}

	// Step 4: master fallback — scan sessions of the target client.
	addTrace(ctx, "route(%s, %s) => master fallback", targetClientID, event)
	c.masterFallback(ctx, targetClientID, event, payload)
}

func (c *Coordinator) deliverLocal(clientID, event string, payload interface{}) bool {
	c.mu.RLock()
	socketID, ok := c.clientIdx[clientID]
	var s Socket
	if ok {
		s = c.sockets[socketID]
	}
	c.mu.RUnlock()

	if s == nil {
		return false
	}
	if err := s.Emit(event, payload); err != nil {
		log.WithError(err).WithField("clientId", clientID).Warn("cluster: local emit failed")
		return false
	}
	return true
}

func (c *Coordinator) deliverLocalBySocket(socketID, fallbackClientID, event string, payload interface{}) bool {
	c.mu.RLock()
	s, ok := c.sockets[socketID]
	c.mu.RUnlock()

	if ok {
		if err := s.Emit(event, payload); err != nil {
			log.WithError(err).Warn("cluster: local emit by socket failed")
		} else {
			return true
		}
	}
	// Socket may have reconnected under a new id; retry by client.
	return c.deliverLocal(fallbackClientID, event, payload)
}

func (c *Coordinator) publishRoute(ctx context.Context, targetNodeID, targetClientID, socketID, event string, payload interface{}) {
	env := RouteEnvelope{TargetNodeID: targetNodeID, TargetClientID: targetClientID, SocketID: socketID, Event: event, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		log.WithError(err).Warn("cluster: failed to encode route envelope")
		return
	}
	if err := c.pubsub.Publish(ctx, pubsub.ChannelMessageRoute, raw); err != nil {
		log.WithError(err).Warn("cluster: failed to publish message:route")
	}
}

func (c *Coordinator) publishRoutingRequest(ctx context.Context, targetClientID, event string, payload interface{}) {
	env := RouteEnvelope{TargetClientID: targetClientID, Event: event, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		log.WithError(err).Warn("cluster: failed to encode routing request")
		return
	}
	if err := c.pubsub.Publish(ctx, pubsub.ChannelRoutingRequest, raw); err != nil {
		log.WithError(err).Warn("cluster: failed to publish routing:request")
	}
}

func (c *Coordinator) masterFallback(ctx context.Context, targetClientID, event string, payload interface{}) {
	sessions, err := c.store.ListClientSessions(ctx)
	if err != nil {
		log.WithError(err).Warn("cluster: master fallback failed to list sessions")
		return
	}
	for _, s := range sessions {
		if s.ClientID != targetClientID || !s.Connected {
			continue
		}
		if s.NodeID == c.nodeID {
			c.deliverLocal(targetClientID, event, payload)
			continue
		}
		c.publishRoute(ctx, s.NodeID, targetClientID, s.SocketID, event, payload)
	}
}

// RunRouteSubscription consumes message:route, filtering to messages
// addressed to this node, until ctx is cancelled.
func (c *Coordinator) RunRouteSubscription(ctx context.Context) error {
	msgs, cancel := c.pubsub.Subscribe(ctx, pubsub.ChannelMessageRoute)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handleRoute(msg.Payload)
		}
	}
}

func (c *Coordinator) handleRoute(raw []byte) {
	var env RouteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.WithError(err).Warn("cluster: failed to decode route envelope")
		return
	}
	if env.TargetNodeID != c.nodeID {
		return
	}
	if !c.deliverLocalBySocket(env.SocketID, env.TargetClientID, env.Event, env.Payload) {
		log.WithFields(log.Fields{"clientId": env.TargetClientID, "socketId": env.SocketID}).
			Warn("cluster: dropped routed message, no local socket")
	}
}

// RunRoutingRequestSubscription consumes routing:request; only the
// current master acts on it (§4.4 step 3).
func (c *Coordinator) RunRoutingRequestSubscription(ctx context.Context) error {
	msgs, cancel := c.pubsub.Subscribe(ctx, pubsub.ChannelRoutingRequest)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if !c.IsMaster() {
				continue
			}
			var env RouteEnvelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				log.WithError(err).Warn("cluster: failed to decode routing request")
				continue
			}
			c.masterFallback(ctx, env.TargetClientID, env.Event, env.Payload)
		}
	}
}
