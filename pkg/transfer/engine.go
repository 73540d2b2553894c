// Package transfer implements TransferEngine (§4.6): chunked-upload
// admission, the chunk ingest pipeline, acknowledgment/retry/failure
// timing, cancellation, and completion.
package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/internal/relayerr"
	"go.peerlink.dev/core/pkg/model"
	"go.peerlink.dev/core/pkg/store"
)

// Router is the cross-client delivery surface the engine needs;
// satisfied by *cluster.Coordinator without transfer importing cluster.
type Router interface {
	Route(ctx context.Context, targetClientID, event string, payload interface{})
}

// filesSentCounterKey is the Storage key of the persistent filesSent
// counter of §4.1.
const filesSentCounterKey = "filesSent"

// Engine implements TransferEngine.
type Engine struct {
	store  store.Store
	router Router
	cfg    Config

	locks *keyedMutex
}

// NewEngine returns an Engine bound to its collaborators.
func NewEngine(s store.Store, router Router, cfg Config) *Engine {
	return &Engine{store: s, router: router, cfg: cfg, locks: newKeyedMutex()}
}

// InitUpload implements upload-init (§4.6).
func (e *Engine) InitUpload(ctx context.Context, senderID, fileName string, fileSize int64, totalChunks int) (string, error) {
	if fileSize > e.cfg.MaxFileSize {
		return "", relayerr.NewPayloadTooLarge("file size %d exceeds max %d", fileSize, e.cfg.MaxFileSize)
	}

	sender, found, err := e.store.GetClientSession(ctx, senderID)
	if err != nil {
		return "", relayerr.Wrap(err, relayerr.Unavailable, "load sender session %s", senderID)
	}
	if !found {
		return "", relayerr.NewNotFound("no session for sender %s", senderID)
	}
	if len(sender.Uploads) >= e.cfg.MaxConcurrentUploads {
		return "", relayerr.NewUploadFailed("sender %s at max concurrent uploads", senderID)
	}
	if len(sender.Uploads)+len(sender.Downloads) >= e.cfg.MaxConcurrentTransfers {
		return "", relayerr.NewUploadFailed("sender %s at max concurrent transfers", senderID)
	}

	recipients, peerExists, err := e.eligibleRecipients(ctx, sender)
	if err != nil {
		return "", err
	}
	if len(recipients) == 0 && peerExists {
		return "", relayerr.NewUploadFailed("All receivers are busy")
	}

	fileID := model.NewFileID()
	now := time.Now()
	upload := &model.UploadState{
		FileID:          fileID,
		FileName:        fileName,
		FileSize:        fileSize,
		TotalChunks:     totalChunks,
		UploadedChunks:  model.NewIntSet(),
		ClientID:        senderID,
		Recipients:      recipients,
		StartTime:       now,
		LastUpdate:      now,
		Status:          model.UploadUploading,
		ChecksumEnabled: e.cfg.ChecksumEnabled,
		PendingAcks:     make(map[int]*model.PendingAck),
	}
	if err := e.store.SetUploadState(ctx, upload); err != nil {
		return "", relayerr.Wrap(err, relayerr.Unavailable, "persist upload state %s", fileID)
	}

	sender.Uploads.Add(fileID)
	if err := e.store.PutClientSession(ctx, sender); err != nil {
		log.WithError(err).WithField("clientId", senderID).Warn("transfer: failed to record sender upload")
	}

	for _, r := range recipients {
		e.addRecipientDownload(ctx, r, fileID)
		e.router.Route(ctx, r, "file-transfer-started", map[string]interface{}{
			"fileId": fileID, "fileName": fileName, "fileSize": fileSize, "totalChunks": totalChunks,
		})
	}

	return fileID, nil
}

// eligibleRecipients returns the recipients admitted for a new upload,
// plus whether a second share participant exists at all. A lone
// participant (peerExists == false) is not a failure: upload-init
// still succeeds, just with no recipient yet. A second participant who
// turns out ineligible (peerExists == true, recipients empty) is what
// fails InitUpload with "All receivers are busy".
func (e *Engine) eligibleRecipients(ctx context.Context, sender *model.ClientSession) (recipients []string, peerExists bool, err error) {
	if sender.ShareID == "" {
		return nil, false, nil
	}
	share, found, err := e.store.GetShare(ctx, sender.ShareID)
	if err != nil {
		return nil, false, relayerr.Wrap(err, relayerr.Unavailable, "load share %s", sender.ShareID)
	}
	if !found {
		return nil, false, nil
	}

	other, ok := share.Other(sender.ClientID)
	if !ok {
		return nil, false, nil
	}

	recv, found, err := e.store.GetClientSession(ctx, other)
	if err != nil {
		return nil, true, relayerr.Wrap(err, relayerr.Unavailable, "load recipient %s", other)
	}
	if !found || !recv.Connected {
		return nil, true, nil
	}
	if len(recv.Downloads) >= e.cfg.MaxConcurrentDownloads {
		return nil, true, nil
	}
	if len(recv.Uploads)+len(recv.Downloads) >= e.cfg.MaxConcurrentTransfers {
		return nil, true, nil
	}
	return []string{other}, true, nil
}

func (e *Engine) addRecipientDownload(ctx context.Context, clientID, fileID string) {
	recv, found, err := e.store.GetClientSession(ctx, clientID)
	if err != nil || !found {
		return
	}
	recv.Downloads.Add(fileID)
	if err := e.store.PutClientSession(ctx, recv); err != nil {
		log.WithError(err).WithField("clientId", clientID).Warn("transfer: failed to record recipient download")
	}
}

// ChunkInput is the upload-chunk event payload of §4.6.
type ChunkInput struct {
	FileID     string
	ChunkIndex int
	Chunk      []byte
	ClientID   string
}

// IngestChunk implements the upload-chunk pipeline of §4.6.
func (e *Engine) IngestChunk(ctx context.Context, in ChunkInput) error {
	unlock := e.locks.Lock(in.FileID)
	defer unlock()

	upload, found, err := e.store.GetUploadState(ctx, in.FileID)
	if err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "load upload state %s", in.FileID)
	}
	if !found {
		return relayerr.NewNotFound("no upload state for %s", in.FileID)
	}
	if upload.Status == model.UploadCancelled || upload.Status == model.UploadPaused {
		return relayerr.NewConflict("upload %s is %s", in.FileID, upload.Status)
	}

	if !upload.UploadedChunks.Has(in.ChunkIndex) {
		upload.UploadedChunks.Add(in.ChunkIndex)
		if upload.ChecksumEnabled {
			if upload.ChunkChecksums == nil {
				upload.ChunkChecksums = make(map[int]string)
			}
			upload.ChunkChecksums[in.ChunkIndex] = checksum(in.Chunk)
		}
		upload.PendingAcks[in.ChunkIndex] = &model.PendingAck{Timestamp: time.Now(), Retries: 0}
	}
	upload.LastUpdate = time.Now()

	e.router.Route(ctx, in.ClientID, "chunk-uploaded", map[string]interface{}{
		"fileId": in.FileID, "chunkIndex": in.ChunkIndex, "progress": upload.Progress(),
	})

	for _, recipient := range upload.Recipients {
		if !e.recipientStillWants(ctx, recipient, in.FileID) {
			continue
		}
		e.router.Route(ctx, recipient, "chunk-received", map[string]interface{}{
			"fileId": in.FileID, "chunkIndex": in.ChunkIndex, "chunk": in.Chunk, "totalChunks": upload.TotalChunks,
		})
		e.router.Route(ctx, in.ClientID, "chunk-acknowledged", map[string]interface{}{
			"fileId": in.FileID, "chunkIndex": in.ChunkIndex,
		})
	}

	if upload.Complete() && upload.Status != model.UploadCompleted {
		upload.Status = model.UploadCompleted
		e.router.Route(ctx, in.ClientID, "upload-complete", map[string]interface{}{"fileId": in.FileID})
		if _, err := e.store.IncrCounter(ctx, filesSentCounterKey); err != nil {
			log.WithError(err).Warn("transfer: failed to increment filesSent counter")
		}
		if err := e.store.ClearCancelledDownloads(ctx, in.FileID); err != nil {
			log.WithError(err).WithField("fileId", in.FileID).Warn("transfer: failed to clear cancelled marks")
		}
		e.locks.Delete(in.FileID)
	}

	if err := e.store.SetUploadState(ctx, upload); err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "persist upload state %s", in.FileID)
	}
	return nil
}

func (e *Engine) recipientStillWants(ctx context.Context, clientID, fileID string) bool {
	cancelled, err := e.store.IsCancelledDownload(ctx, fileID, clientID)
	if err != nil {
		log.WithError(err).Warn("transfer: failed to check cancelled marker")
	}
	if cancelled {
		return false
	}
	recv, found, err := e.store.GetClientSession(ctx, clientID)
	if err != nil || !found {
		return false
	}
	return recv.Downloads.Has(fileID)
}

// AckChunk records an explicit chunk-acknowledged from a receiver.
func (e *Engine) AckChunk(ctx context.Context, fileID string, chunkIndex int) error {
	unlock := e.locks.Lock(fileID)
	defer unlock()

	upload, found, err := e.store.GetUploadState(ctx, fileID)
	if err != nil || !found {
		return err
	}
	delete(upload.PendingAcks, chunkIndex)
	upload.LastAckTime = time.Now()
	return e.store.SetUploadState(ctx, upload)
}

// CancelDownload implements cancel-download (§4.6).
func (e *Engine) CancelDownload(ctx context.Context, fileID, clientID string) error {
	if err := e.store.AddCancelledDownload(ctx, fileID, clientID); err != nil {
		return relayerr.Wrap(err, relayerr.Unavailable, "record cancelled download %s/%s", fileID, clientID)
	}

	recv, found, err := e.store.GetClientSession(ctx, clientID)
	if err == nil && found {
		recv.Downloads.Remove(fileID)
		if err := e.store.PutClientSession(ctx, recv); err != nil {
			log.WithError(err).WithField("clientId", clientID).Warn("transfer: failed to drop cancelled download")
		}
	}

	e.router.Route(ctx, clientID, "download-cancelled", map[string]interface{}{"fileId": fileID})
	return nil
}

// DownloadConfirmed implements download-confirmed (§4.6): locates the
// sender via the UploadState, falling back to the share roster if the
// state has already been reaped.
func (e *Engine) DownloadConfirmed(ctx context.Context, fileID, fileName, shareID, receiverID string) {
	upload, found, err := e.store.GetUploadState(ctx, fileID)
	if err == nil && found {
		e.router.Route(ctx, upload.ClientID, "download-confirmed", map[string]interface{}{
			"fileId": fileID, "fileName": fileName,
		})
		return
	}

	share, found, err := e.store.GetShare(ctx, shareID)
	if err != nil || !found {
		log.WithField("fileId", fileID).Warn("transfer: download-confirmed has no upload state or share to resolve sender")
		return
	}
	sender, ok := share.Other(receiverID)
	if !ok {
		return
	}
	e.router.Route(ctx, sender, "download-confirmed", map[string]interface{}{
		"fileId": fileID, "fileName": fileName,
	})
}

func checksum(chunk []byte) string {
	sum := sha1.Sum(chunk)
	return hex.EncodeToString(sum[:])
}
