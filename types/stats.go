package types

// PoolStats is a point-in-time snapshot of one worker pool. TotalJobs counts dispatch
// attempts, so a retried submission is counted once per attempt.
type PoolStats struct {
	Name             string `json:"name"`
	TotalJobs        int64  `json:"total_jobs"`
	CompletedJobs    int64  `json:"completed_jobs"`
	FailedJobs       int64  `json:"failed_jobs"`
	TotalRecords     int64  `json:"total_records"`
	TotalBytes       int64  `json:"total_bytes"`
	ValidationPassed int64  `json:"validation_passed"`
	ValidationFailed int64  `json:"validation_failed"`
	Retries          int64  `json:"retries"`
	WorkerCrashes    int64  `json:"worker_crashes"`
	Queued           int    `json:"queued"`
	Active           int    `json:"active"`
	Workers          int    `json:"workers"`
	MaxWorkers       int    `json:"max_workers"`
	ShuttingDown     bool   `json:"shutting_down"`
}

// AsMap flattens the snapshot for log properties and hash-style sinks.
func (s PoolStats) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"pool":              s.Name,
		"total_jobs":        s.TotalJobs,
		"completed_jobs":    s.CompletedJobs,
		"failed_jobs":       s.FailedJobs,
		"total_records":     s.TotalRecords,
		"total_bytes":       s.TotalBytes,
		"validation_passed": s.ValidationPassed,
		"validation_failed": s.ValidationFailed,
		"retries":           s.Retries,
		"worker_crashes":    s.WorkerCrashes,
		"queued":            s.Queued,
		"active":            s.Active,
		"workers":           s.Workers,
		"max_workers":       s.MaxWorkers,
		"shutting_down":     s.ShuttingDown,
	}
}
