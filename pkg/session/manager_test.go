package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.peerlink.dev/core/pkg/pubsub"
	"go.peerlink.dev/core/pkg/store"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events map[string][]string // socketID -> event names
}

func newFakeEmitter() *fakeEmitter { return &fakeEmitter{events: make(map[string][]string)} }

func (f *fakeEmitter) Emit(socketID, event string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[socketID] = append(f.events[socketID], event)
	return nil
}

func (f *fakeEmitter) has(socketID, event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events[socketID] {
		if e == event {
			return true
		}
	}
	return false
}

// fakeRouter stands in for the Coordinator: it records events by
// clientID, the same addressing Route uses regardless of which node
// the client is actually connected to.
type fakeRouter struct {
	mu     sync.Mutex
	events map[string][]string // clientID -> event names
}

func newFakeRouter() *fakeRouter { return &fakeRouter{events: make(map[string][]string)} }

func (f *fakeRouter) Route(_ context.Context, targetClientID, event string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[targetClientID] = append(f.events[targetClientID], event)
}

func (f *fakeRouter) has(clientID, event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events[clientID] {
		if e == event {
			return true
		}
	}
	return false
}

func newTestManager() (*Manager, *fakeEmitter, *fakeRouter, store.Store) {
	var mem = store.NewMemory()
	var emitter = newFakeEmitter()
	var router = newFakeRouter()
	var mgr = NewManager(mem, pubsub.NewLocal(), emitter, router, "node-a",
		func() bool { return true }, func() string { return "node-a" })
	return mgr, emitter, router, mem
}

func TestRegisterEmitsRegistered(t *testing.T) {
	var ctx = context.Background()
	mgr, emitter, _, _ := newTestManager()

	require.NoError(t, mgr.Register(ctx, "client-1", "sock-1"))
	assert.True(t, emitter.has("sock-1", "registered"))
}

func TestCreateShareThenJoinAdmitsSecondParticipant(t *testing.T) {
	var ctx = context.Background()
	mgr, _, router, _ := newTestManager()

	require.NoError(t, mgr.Register(ctx, "client-1", "sock-1"))
	require.NoError(t, mgr.Register(ctx, "client-2", "sock-2"))

	shareID, err := mgr.CreateShare(ctx, "client-1", "")
	require.NoError(t, err)
	assert.True(t, router.has("client-1", "connection-ready"))

	require.NoError(t, mgr.JoinShare(ctx, shareID, "client-2"))
	assert.True(t, router.has("client-1", "client-joined-share"))
	assert.True(t, router.has("client-2", "connection-ready"))
}

func TestJoinShareRejectsThirdParticipant(t *testing.T) {
	var ctx = context.Background()
	mgr, _, _, _ := newTestManager()

	require.NoError(t, mgr.Register(ctx, "client-1", "sock-1"))
	require.NoError(t, mgr.Register(ctx, "client-2", "sock-2"))
	require.NoError(t, mgr.Register(ctx, "client-3", "sock-3"))

	shareID, err := mgr.CreateShare(ctx, "client-1", "")
	require.NoError(t, err)
	require.NoError(t, mgr.JoinShare(ctx, shareID, "client-2"))

	err = mgr.JoinShare(ctx, shareID, "client-3")
	assert.Error(t, err)
}

func TestDisconnectNotifiesOtherParticipantAndEmptiesShare(t *testing.T) {
	var ctx = context.Background()
	mgr, _, router, mem := newTestManager()

	require.NoError(t, mgr.Register(ctx, "client-1", "sock-1"))
	require.NoError(t, mgr.Register(ctx, "client-2", "sock-2"))

	shareID, err := mgr.CreateShare(ctx, "client-1", "")
	require.NoError(t, err)
	require.NoError(t, mgr.JoinShare(ctx, shareID, "client-2"))

	require.NoError(t, mgr.Disconnect(ctx, "sock-1"))
	assert.True(t, router.has("client-2", "client-disconnected-from-share"))

	_, found, err := mem.GetShare(ctx, shareID)
	require.NoError(t, err)
	assert.True(t, found, "share with one remaining client should still exist")

	require.NoError(t, mgr.Disconnect(ctx, "sock-2"))
	_, found, err = mem.GetShare(ctx, shareID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHeartbeatRateLimited(t *testing.T) {
	var ctx = context.Background()
	mgr, _, _, _ := newTestManager()
	mgr.heartbeatRateCap = 1

	require.NoError(t, mgr.Register(ctx, "client-1", "sock-1"))
	require.NoError(t, mgr.Heartbeat(ctx, "client-1"))
	assert.Error(t, mgr.Heartbeat(ctx, "client-1"))
}
