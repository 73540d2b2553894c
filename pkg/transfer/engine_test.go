package transfer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/store"
)

type recordedRoute struct {
	clientID string
	event    string
	payload  interface{}
}

type fakeRouter struct {
	mu     sync.Mutex
	routed []recordedRoute
}

func (r *fakeRouter) Route(_ context.Context, clientID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, recordedRoute{clientID, event, payload})
}

func (r *fakeRouter) eventsFor(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rt := range r.routed {
		if rt.clientID == clientID {
			out = append(out, rt.event)
		}
	}
	return out
}

func contains(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

func setupShare(t *testing.T, mem store.Store, sender, receiver string) {
	require.NoError(t, mem.PutClientSession(context.Background(), &model.ClientSession{
		ClientID: sender, Connected: true, ShareID: "share-1", Uploads: model.NewStrSet(), Downloads: model.NewStrSet(),
	}))
	require.NoError(t, mem.PutClientSession(context.Background(), &model.ClientSession{
		ClientID: receiver, Connected: true, ShareID: "share-1", Uploads: model.NewStrSet(), Downloads: model.NewStrSet(),
	}))
	require.NoError(t, mem.PutShare(context.Background(), &model.ShareSession{
		ShareID: "share-1", Clients: []string{sender, receiver}, Status: model.ShareActive,
	}))
}

func TestInitUploadRoutesToEligibleRecipient(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	setupShare(t, mem, "sender", "receiver")

	var router = &fakeRouter{}
	var engine = NewEngine(mem, router, DefaultConfig())

	fileID, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)
	assert.True(t, contains(router.eventsFor("receiver"), "file-transfer-started"))
}

func TestInitUploadSucceedsWhenSenderIsAlone(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	require.NoError(t, mem.PutClientSession(ctx, &model.ClientSession{
		ClientID: "sender", Connected: true, Uploads: model.NewStrSet(), Downloads: model.NewStrSet(),
	}))

	var engine = NewEngine(mem, &fakeRouter{}, DefaultConfig())
	fileID, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 1)
	require.NoError(t, err)

	upload, found, err := mem.GetUploadState(ctx, fileID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, upload.Recipients, "a lone sender should admit with no recipients yet")
}

func TestInitUploadFailsWhenSolePeerIsIneligible(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	require.NoError(t, mem.PutClientSession(ctx, &model.ClientSession{
		ClientID: "sender", Connected: true, ShareID: "share-1", Uploads: model.NewStrSet(), Downloads: model.NewStrSet(),
	}))
	require.NoError(t, mem.PutClientSession(ctx, &model.ClientSession{
		ClientID: "receiver", Connected: false, ShareID: "share-1", Uploads: model.NewStrSet(), Downloads: model.NewStrSet(),
	}))
	require.NoError(t, mem.PutShare(ctx, &model.ShareSession{
		ShareID: "share-1", Clients: []string{"sender", "receiver"}, Status: model.ShareActive,
	}))

	var engine = NewEngine(mem, &fakeRouter{}, DefaultConfig())
	_, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 1)
	assert.Error(t, err, "a present but disconnected peer should fail InitUpload, not silently admit zero recipients")
}

func TestIngestChunkCompletesSingleChunkUpload(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	setupShare(t, mem, "sender", "receiver")

	var router = &fakeRouter{}
	var engine = NewEngine(mem, router, DefaultConfig())

	fileID, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 1)
	require.NoError(t, err)

	require.NoError(t, engine.IngestChunk(ctx, ChunkInput{FileID: fileID, ChunkIndex: 0, Chunk: []byte("x"), ClientID: "sender"}))

	upload, found, err := mem.GetUploadState(ctx, fileID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.UploadCompleted, upload.Status)
	assert.True(t, contains(router.eventsFor("sender"), "upload-complete"))
	assert.True(t, contains(router.eventsFor("receiver"), "chunk-received"))
}

func TestIngestChunkIsIdempotentOnDuplicateIndex(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	setupShare(t, mem, "sender", "receiver")

	var router = &fakeRouter{}
	var engine = NewEngine(mem, router, DefaultConfig())

	fileID, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 2)
	require.NoError(t, err)

	require.NoError(t, engine.IngestChunk(ctx, ChunkInput{FileID: fileID, ChunkIndex: 0, Chunk: []byte("x"), ClientID: "sender"}))
	require.NoError(t, engine.IngestChunk(ctx, ChunkInput{FileID: fileID, ChunkIndex: 0, Chunk: []byte("x"), ClientID: "sender"}))

	upload, _, err := mem.GetUploadState(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, 1, len(upload.UploadedChunks))
}

func TestCancelDownloadStopsFurtherChunkRelay(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	setupShare(t, mem, "sender", "receiver")

	var router = &fakeRouter{}
	var engine = NewEngine(mem, router, DefaultConfig())

	fileID, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 2)
	require.NoError(t, err)

	require.NoError(t, engine.CancelDownload(ctx, fileID, "receiver"))
	require.NoError(t, engine.IngestChunk(ctx, ChunkInput{FileID: fileID, ChunkIndex: 0, Chunk: []byte("x"), ClientID: "sender"}))

	assert.False(t, contains(router.eventsFor("receiver"), "chunk-received"))
	assert.True(t, contains(router.eventsFor("receiver"), "download-cancelled"))
}

func TestAckScannerRetriesThenFails(t *testing.T) {
	var ctx = context.Background()
	var mem = store.NewMemory()
	setupShare(t, mem, "sender", "receiver")

	var router = &fakeRouter{}
	var cfg = DefaultConfig()
	cfg.AckTimeout = 0
	cfg.MaxRetries = 1
	var engine = NewEngine(mem, router, cfg)

	fileID, err := engine.InitUpload(ctx, "sender", "a.txt", 10, 2)
	require.NoError(t, err)
	require.NoError(t, engine.IngestChunk(ctx, ChunkInput{FileID: fileID, ChunkIndex: 0, Chunk: []byte("x"), ClientID: "sender"}))

	engine.scanOnce(ctx) // retries chunk 0 (retries 0 -> 1)
	engine.scanOnce(ctx) // exceeds MaxRetries of 1, transfer fails

	upload, _, err := mem.GetUploadState(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, upload.Status)
	assert.True(t, contains(router.eventsFor("sender"), "transfer-failed"))
}
