package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/store"
)

func TestRegistryRegisterReusesExistingNode(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()

	var first = NewRegistry(mem, "node-a", 9000, time.Second)
	n1, err := first.Register(ctx)
	require.NoError(t, err)

	var second = NewRegistry(mem, "node-a", 9000, time.Second)
	n2, err := second.Register(ctx)
	require.NoError(t, err)

	assert.Equal(t, n1.ID, n2.ID)
	assert.Equal(t, model.NodeActive, n2.Status)
}

func TestRegistryRegisterCreatesDistinctIDsPerAddr(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()

	a := NewRegistry(mem, "node-a", 9000, time.Second)
	na, err := a.Register(ctx)
	require.NoError(t, err)

	b := NewRegistry(mem, "node-b", 9001, time.Second)
	nb, err := b.Register(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, na.ID, nb.ID)
}

func TestDeadSweepMarksStaleNodesAndDeactivatesSessions(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	var r = NewRegistry(mem, "node-a", 9000, time.Second)

	n, err := r.Register(ctx)
	require.NoError(t, err)
	n.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, mem.PutNode(ctx, n))

	require.NoError(t, mem.PutClientSession(ctx, &model.ClientSession{
		ClientID: "client-1", NodeID: n.ID, Connected: true,
	}))

	r.sweepOnce(ctx)

	got, found, err := mem.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.NodeDead, got.Status)

	sess, found, err := mem.GetClientSession(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, sess.Connected)
}

func TestRegistryShutdownDeactivatesSelf(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	var r = NewRegistry(mem, "node-a", 9000, time.Second)

	n, err := r.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(ctx))

	got, found, err := mem.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.NodeInactive, got.Status)
}
