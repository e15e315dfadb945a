package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/fault"
	"github.com/upow-network/imagepool/internal/storage"
)

// Background loop intervals.
const (
	purgeInterval  = time.Minute
	batchInterval  = 30 * time.Second
	uploadInterval = 15 * time.Second

	purgeLimit = 1000
)

// Workers runs the pool's background maintenance loops.
type Workers struct {
	db       *storage.DB
	batcher  *Batcher
	uploader *Uploader
	log      *zap.Logger
}

// NewWorkers wires the background loops over the given components.
func NewWorkers(db *storage.DB, batcher *Batcher, uploader *Uploader, log *zap.Logger) *Workers {
	return &Workers{db: db, batcher: batcher, uploader: uploader, log: log}
}

// Start launches all loops. They stop when ctx is cancelled.
func (w *Workers) Start(ctx context.Context) {
	go w.runCompletedPurge(ctx)
	go w.runBatchLifecycle(ctx)
	go w.runUploader(ctx)
}

// runCompletedPurge periodically removes completed tasks past retention.
func (w *Workers) runCompletedPurge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(purgeInterval):
			cutoff := time.Now().Add(-CompletedRetention).Unix()
			n, err := w.db.PurgeCompletedBefore(cutoff, purgeLimit)
			if err != nil {
				w.log.Error("purge completed tasks", zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Info("purged completed tasks", zap.Int("count", n))
			}
		}
	}
}

// runBatchLifecycle sweeps abandoned batches and keeps one batch in flight.
func (w *Workers) runBatchLifecycle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(batchInterval):
			if _, err := w.batcher.SweepAbandoned(); err != nil {
				w.log.Error("sweep abandoned batch", zap.Error(err))
			}
			_, err := w.batcher.CreateBatch()
			if err != nil && !fault.IsKind(err, fault.KindConflict) {
				w.log.Error("open validation batch", zap.Error(err))
			}
		}
	}
}

// runUploader delivers the dispatched batch to the validator.
func (w *Workers) runUploader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(uploadInterval):
			if err := w.uploader.UploadOnce(); err != nil {
				w.log.Warn("upload validation batch", zap.Error(err))
			}
		}
	}
}
