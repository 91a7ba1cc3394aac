package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"ledgersink/logger"
	"ledgersink/types"
)

// ErrReconcileInProgress is returned when a pass is requested while another one runs.
var ErrReconcileInProgress = errors.New("reconciliation already in progress")

// ReconcileReport summarizes one pass over the dead-letter log.
type ReconcileReport struct {
	Total     int `json:"total"`
	Recovered int `json:"recovered"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Reconciler re-attempts dead-lettered uploads.
type Reconciler struct {
	uploader *Uploader
	log      *DeadLetterLog
	running  sync.Mutex
	logger   *logger.Logger
}

func NewReconciler(uploader *Uploader, log *DeadLetterLog) *Reconciler {
	return &Reconciler{
		uploader: uploader,
		log:      log,
		logger:   logger.L(),
	}
}

// Run makes one pass. Entries whose backing file no longer exists are dropped, the rest are
// retried and either removed on success or kept with their retry metadata. The log is rewritten
// once at the end of the pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if !r.running.TryLock() {
		return report, ErrReconcileInProgress
	}
	defer r.running.Unlock()

	entries, offset, err := r.log.snapshot()
	if err != nil {
		return report, err
	}
	report.Total = len(entries)
	if len(entries) == 0 {
		return report, nil
	}

	keep := make([]types.DeadLetterEntry, 0, len(entries))
	for i, entry := range entries {
		if ctx.Err() != nil {
			keep = append(keep, entries[i:]...)
			break
		}

		backing := entry.BackingFile()
		if _, err := os.Stat(backing); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				r.logger.Error("Dropping unrecoverable dead-letter entry", map[string]interface{}{
					"remote_path":  entry.RemotePath,
					"backing_file": backing,
					"error":        err.Error(),
				})
				report.Dropped++
				continue
			}
			keep = append(keep, r.retryFailed(entry, fmt.Errorf("failed to stat %s: %w", backing, err)))
			continue
		}

		res := r.uploader.Redeliver(ctx, entry)
		if res.OK {
			if err := os.Remove(backing); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("Failed to remove recovered file", map[string]interface{}{
					"path":  backing,
					"error": err.Error(),
				})
			}
			r.logger.Info("Recovered dead-lettered upload", map[string]interface{}{
				"remote_path": entry.RemotePath,
				"attempts":    entry.RetryCount + 1,
			})
			report.Recovered++
			continue
		}
		keep = append(keep, r.retryFailed(entry, res.Err))
	}

	if err := r.log.rewrite(keep, offset); err != nil {
		return report, err
	}
	report.Remaining = len(keep)

	r.logger.Info("Dead-letter reconciliation complete", map[string]interface{}{
		"total":     report.Total,
		"recovered": report.Recovered,
		"dropped":   report.Dropped,
		"remaining": report.Remaining,
	})
	return report, nil
}

func (r *Reconciler) retryFailed(entry types.DeadLetterEntry, err error) types.DeadLetterEntry {
	now := time.Now().UTC()
	entry.LastRetry = &now
	entry.RetryError = err.Error()
	entry.RetryCount++
	r.logger.Warn("Dead-letter retry failed", map[string]interface{}{
		"remote_path": entry.RemotePath,
		"retry_count": entry.RetryCount,
		"error":       entry.RetryError,
	})
	return entry
}
