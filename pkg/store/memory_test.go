package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.peerlink.dev/core/pkg/model"
)

func TestMemoryPutGetNodeRoundTrips(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	require.NoError(t, m.PutNode(ctx, &model.Node{ID: "node-1", Hostname: "h", Port: 9000}))

	got, found, err := m.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "h", got.Hostname)

	// returned value is a copy: mutating it must not affect stored state.
	got.Hostname = "mutated"
	again, _, _ := m.GetNode(ctx, "node-1")
	assert.Equal(t, "h", again.Hostname)
}

func TestMemoryFindNodeByAddr(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()
	require.NoError(t, m.PutNode(ctx, &model.Node{ID: "node-1", Hostname: "h", Port: 9000}))

	_, found, err := m.FindNodeByAddr(ctx, "h", 9001)
	require.NoError(t, err)
	assert.False(t, found)

	found_, found, err := m.FindNodeByAddr(ctx, "h", 9000)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "node-1", found_.ID)
}

func TestMemoryCancelledDownloadsSetSemantics(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	ok, err := m.IsCancelledDownload(ctx, "file-1", "client-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.AddCancelledDownload(ctx, "file-1", "client-a"))
	ok, err = m.IsCancelledDownload(ctx, "file-1", "client-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsCancelledDownload(ctx, "file-1", "client-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.ClearCancelledDownloads(ctx, "file-1"))
	ok, err = m.IsCancelledDownload(ctx, "file-1", "client-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCheckRateLimitAllowsUpToMaxThenBlocks(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	for i := 0; i < 3; i++ {
		res, err := m.CheckRateLimit(ctx, "k", 3, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "attempt %d should be allowed", i)
	}

	res, err := m.CheckRateLimit(ctx, "k", 3, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestMemoryAcquireLockIsExclusiveUntilExpiry(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	res, err := m.AcquireLock(ctx, "leader", "node-a", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, "node-a", res.Holder)

	res, err = m.AcquireLock(ctx, "leader", "node-b", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "node-a", res.Holder)

	time.Sleep(15 * time.Millisecond)

	res, err = m.AcquireLock(ctx, "leader", "node-b", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Acquired, "lock should be acquirable once the holder's TTL expires")
}

func TestMemoryRefreshLockFailsForNonHolder(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	_, err := m.AcquireLock(ctx, "leader", "node-a", time.Second)
	require.NoError(t, err)

	res, err := m.RefreshLock(ctx, "leader", "node-b", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "node-a", res.Holder)

	res, err = m.RefreshLock(ctx, "leader", "node-a", time.Second)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestMemoryCounterIncrements(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	v, err := m.IncrCounter(ctx, "filesSent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = m.IncrCounter(ctx, "filesSent")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	got, err := m.GetCounter(ctx, "filesSent")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestMemoryDeleteUploadStateClearsCancelledMarkers(t *testing.T) {
	var ctx = context.Background()
	var m = NewMemory()

	require.NoError(t, m.SetUploadState(ctx, &model.UploadState{FileID: "file-1"}))
	require.NoError(t, m.AddCancelledDownload(ctx, "file-1", "client-a"))

	require.NoError(t, m.DeleteUploadState(ctx, "file-1"))

	_, found, err := m.GetUploadState(ctx, "file-1")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := m.IsCancelledDownload(ctx, "file-1", "client-a")
	require.NoError(t, err)
	assert.False(t, ok, "cancelled markers should not outlive their upload state")
}
