package archive

import (
	"context"
	"time"

	"ledgersink/logger"
	"ledgersink/scheduler"
)

const DefaultReconcileInterval = 10 * time.Minute

// InitializeReconciliation registers a periodic dead-letter pass with the scheduler.
func InitializeReconciliation(sched *scheduler.Scheduler, r *Reconciler, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	task := &scheduler.Task{
		Name:     "DeadLetterReconciliation",
		Interval: interval,
		Execute: func(ctx context.Context) error {
			_, err := r.Run(ctx)
			if err == ErrReconcileInProgress {
				logger.L().Debug("Skipping dead-letter reconciliation, pass already running", nil)
				return nil
			}
			return err
		},
	}

	sched.AddTask(task)
	logger.L().Info("Initialized dead-letter reconciliation", map[string]interface{}{
		"interval": interval.String(),
	})
}
