package store

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"go.peerlink.dev/core/pkg/model"
)

// Default sweep thresholds from §4.1.
const (
	CompletedUploadTTL = 5 * time.Minute
	StaleUploadTTL     = 24 * time.Hour
)

// Sweeper periodically deletes completed uploads past CompletedUploadTTL
// of inactivity and uploading uploads past StaleUploadTTL of silence,
// against whichever backend is configured: list current state, decide
// per-item what changes, apply, log, repeat.
type Sweeper struct {
	store    Store
	interval time.Duration
}

// NewSweeper returns a Sweeper driving store on the given interval.
func NewSweeper(s Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: s, interval: interval}
}

// Run sweeps once per interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	var ticker = time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	uploads, err := sw.store.ListUploadStates(ctx)
	if err != nil {
		log.WithError(err).Warn("sweep: failed to list upload states")
		return
	}

	var now = time.Now()
	for _, u := range uploads {
		var age = now.Sub(u.LastUpdate)
		var reap bool

		switch u.Status {
		case model.UploadCompleted, model.UploadFailed, model.UploadCancelled:
			reap = age > CompletedUploadTTL
		case model.UploadUploading, model.UploadPaused:
			reap = age > StaleUploadTTL
		}

		if !reap {
			continue
		}
		if err := sw.store.DeleteUploadState(ctx, u.FileID); err != nil {
			log.WithError(err).WithField("fileId", u.FileID).Warn("sweep: failed to delete upload state")
			continue
		}
		log.WithFields(log.Fields{"fileId": u.FileID, "status": u.Status, "age": age}).Info("sweep: reaped upload state")
	}
}
