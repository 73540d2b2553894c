package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/pubsub"
	"go.peerlink.dev/core/pkg/store"
)

const (
	eventuallyTimeout = time.Second
	eventuallyTick    = 10 * time.Millisecond
)

func TestElectionSingleNodeBecomesMaster(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	var c = NewCoordinator(mem, pubsub.NewLocal(), "node-a")

	c.electOnce(ctx)
	assert.True(t, c.IsMaster())
}

func TestElectionSecondNodeStaysWorker(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()

	var a = NewCoordinator(mem, pubsub.NewLocal(), "node-a")
	var b = NewCoordinator(mem, pubsub.NewLocal(), "node-b")

	a.electOnce(ctx)
	b.electOnce(ctx)

	assert.True(t, a.IsMaster())
	assert.False(t, b.IsMaster())
}

type recordingSocket struct {
	events []string
}

func (s *recordingSocket) Emit(event string, _ interface{}) error {
	s.events = append(s.events, event)
	return nil
}

func TestRouteLocalFastPath(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	var c = NewCoordinator(mem, pubsub.NewLocal(), "node-a")

	var sock = &recordingSocket{}
	c.BindLocal("sock-1", "client-1", sock)

	c.Route(ctx, "client-1", "ping", nil)

	require.Len(t, sock.events, 1)
	assert.Equal(t, "ping", sock.events[0])
}

func TestRoutePublishesToOtherNodeWhenNotLocal(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	var ps = pubsub.NewLocal()

	var a = NewCoordinator(mem, ps, "node-a")
	var b = NewCoordinator(mem, ps, "node-b")

	var sock = &recordingSocket{}
	b.BindLocal("sock-2", "client-2", sock)

	require.NoError(t, mem.PutClientSession(ctx, &model.ClientSession{
		ClientID: "client-2", NodeID: "node-b", SocketID: "sock-2", Connected: true,
	}))

	go b.RunRouteSubscription(ctx)

	a.Route(ctx, "client-2", "chunk-received", map[string]interface{}{"fileId": "f1"})

	require.Eventually(t, func() bool { return len(sock.events) == 1 }, eventuallyTimeout, eventuallyTick)
	assert.Equal(t, "chunk-received", sock.events[0])
}
