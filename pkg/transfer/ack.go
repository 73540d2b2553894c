package transfer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/pkg/model"
)

// RunAckScanner drives the periodic pendingAcks scan of §4.6 until ctx
// is cancelled: a chunk that misses its acknowledgment window is
// retried until MaxRetries, then the transfer fails.
func (e *Engine) RunAckScanner(ctx context.Context) error {
	var ticker = time.NewTicker(AckScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	uploads, err := e.store.ListUploadStates(ctx)
	if err != nil {
		log.WithError(err).Warn("transfer: failed to list upload states for ack scan")
		return
	}

	var now = time.Now()
	for _, u := range uploads {
		if u.Status != model.UploadUploading {
			continue
		}
		e.scanUpload(ctx, u, now)
	}
}

func (e *Engine) scanUpload(ctx context.Context, upload *model.UploadState, now time.Time) {
	unlock := e.locks.Lock(upload.FileID)
	defer unlock()

	// Re-read under the lock: the ingest pipeline may have mutated or
	// completed this upload since ListUploadStates ran.
	fresh, found, err := e.store.GetUploadState(ctx, upload.FileID)
	if err != nil || !found || fresh.Status != model.UploadUploading {
		return
	}
	upload = fresh

	var failed []int
	var dirty bool

	for chunkIndex, ack := range upload.PendingAcks {
		if now.Sub(ack.Timestamp) <= e.cfg.AckTimeout {
			continue
		}
		if ack.Retries < e.cfg.MaxRetries {
			ack.Retries++
			ack.Timestamp = now
			dirty = true
			e.router.Route(ctx, upload.ClientID, "chunk-retry", map[string]interface{}{
				"fileId": upload.FileID, "chunkIndex": chunkIndex, "attempt": ack.Retries,
			})
		} else {
			failed = append(failed, chunkIndex)
		}
	}

	if len(failed) > 0 {
		upload.Status = model.UploadFailed
		upload.FailedChunks = failed
		e.router.Route(ctx, upload.ClientID, "transfer-failed", map[string]interface{}{
			"fileId":       upload.FileID,
			"reason":       fmt.Sprintf("chunk exceeded %d retries", e.cfg.MaxRetries),
			"failedChunks": failed,
		})
		e.locks.Delete(upload.FileID)
		dirty = true
	}

	if dirty {
		if err := e.store.SetUploadState(ctx, upload); err != nil {
			log.WithError(err).WithField("fileId", upload.FileID).Warn("transfer: failed to persist ack scan result")
		}
	}
}
