// Package cluster implements NodeRegistry (§4.3) and Coordinator (§4.4):
// process membership, heartbeat-based liveness, leader election, and
// cross-node message routing.
package cluster

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/store"
)

// deadAfter is the fixed staleness threshold of §4.3, independent of
// the configured heartbeat interval.
const deadAfter = 30 * time.Second

const deadSweepInterval = 10 * time.Second

// Registry tracks cluster membership: it registers this process as a
// Node, keeps its heartbeat current, and periodically reaps peers that
// have stopped heartbeating.
type Registry struct {
	store    store.Store
	hostname string
	port     int

	heartbeatInterval time.Duration

	self *model.Node
}

// NewRegistry returns a Registry bound to store, not yet registered.
func NewRegistry(s store.Store, hostname string, port int, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		store:             s,
		hostname:          hostname,
		port:              port,
		heartbeatInterval: heartbeatInterval,
	}
}

// Register looks up an existing Node at (hostname, port); if found, its
// id is reused and its status reset to active, otherwise a fresh Node
// is created. Must be called once before RunHeartbeat/RunDeadSweep.
func (r *Registry) Register(ctx context.Context) (*model.Node, error) {
	existing, found, err := r.store.FindNodeByAddr(ctx, r.hostname, r.port)
	if err != nil {
		return nil, err
	}

	var n *model.Node
	if found {
		existing.Status = model.NodeActive
		existing.LastHeartbeat = time.Now()
		n = existing
	} else {
		n = &model.Node{
			ID:            model.NewNodeID(),
			Hostname:      r.hostname,
			Port:          r.port,
			Status:        model.NodeActive,
			Role:          model.RoleWorker,
			LastHeartbeat: time.Now(),
		}
	}

	if err := r.store.PutNode(ctx, n); err != nil {
		return nil, err
	}
	r.self = n
	log.WithFields(log.Fields{"nodeId": n.ID, "hostname": n.Hostname, "port": n.Port, "reused": found}).
		Info("cluster: node registered")
	return n, nil
}

// Self returns the registered Node. Register must have succeeded first.
func (r *Registry) Self() *model.Node { return r.self }

// RunHeartbeat refreshes this node's lastHeartbeat on a ticker until ctx
// is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context) error {
	var ticker = time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.self.LastHeartbeat = time.Now()
			if err := r.store.PutNode(ctx, r.self); err != nil {
				log.WithError(err).Warn("cluster: heartbeat write failed")
			}
		}
	}
}

// RunDeadSweep periodically flips stale active nodes to dead and
// deactivates sessions bound to them, until ctx is cancelled.
func (r *Registry) RunDeadSweep(ctx context.Context) error {
	var ticker = time.NewTicker(deadSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		log.WithError(err).Warn("cluster: failed to list nodes for dead sweep")
		return
	}

	var now = time.Now()
	for _, n := range nodes {
		if n.Status != model.NodeActive || now.Sub(n.LastHeartbeat) <= deadAfter {
			continue
		}
		n.Status = model.NodeDead
		if err := r.store.PutNode(ctx, n); err != nil {
			log.WithError(err).WithField("nodeId", n.ID).Warn("cluster: failed to mark node dead")
			continue
		}
		log.WithField("nodeId", n.ID).Warn("cluster: node marked dead")
		r.deactivateSessionsOn(ctx, n.ID)
	}
}

func (r *Registry) deactivateSessionsOn(ctx context.Context, nodeID string) {
	sessions, err := r.store.ListClientSessions(ctx)
	if err != nil {
		log.WithError(err).Warn("cluster: failed to list sessions during dead sweep")
		return
	}
	for _, s := range sessions {
		if s.NodeID != nodeID || !s.Connected {
			continue
		}
		s.Connected = false
		if err := r.store.PutClientSession(ctx, s); err != nil {
			log.WithError(err).WithField("clientId", s.ClientID).Warn("cluster: failed to deactivate session")
		}
	}
}

// Shutdown deactivates this node's own sessions and marks it inactive,
// per §4.3's graceful-shutdown clause.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.self == nil {
		return nil
	}
	r.deactivateSessionsOn(ctx, r.self.ID)
	r.self.Status = model.NodeInactive
	return r.store.PutNode(ctx, r.self)
}
