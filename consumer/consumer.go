// Package consumer buffers incoming records per partition and turns each flush into encode
// and materialize jobs whose outputs are uploaded.
package consumer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgersink/archive"
	"ledgersink/filestore"
	"ledgersink/logger"
	"ledgersink/types"
	"ledgersink/utils"
)

const (
	DefaultFlushRows     = 10000
	DefaultFlushInterval = 30 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
)

// Submitter runs a job to completion. *workerpool.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job *types.Job) (*types.Result, error)
}

// Uploader delivers a finished file. *archive.Uploader satisfies it.
type Uploader interface {
	UploadFile(ctx context.Context, req archive.UploadRequest) *archive.UploadResult
}

type Options struct {
	ScratchDir    string
	FlushRows     int
	FlushInterval time.Duration
	// MaxInFlight bounds concurrent flush jobs; Add blocks when it is reached.
	MaxInFlight int
	// DrainTimeout bounds how long Run waits, after cancellation, for the source to hand
	// back what it still holds.
	DrainTimeout time.Duration
	Encode       bool
	Materialize bool
	JobConfig   types.JobConfig
}

// Stats are cumulative consumer counters.
type Stats struct {
	RecordsReceived int64 `json:"records_received"`
	Flushes         int64 `json:"flushes"`
	FilesUploaded   int64 `json:"files_uploaded"`
	FilesFailed     int64 `json:"files_failed"`
	JobsFailed      int64 `json:"jobs_failed"`
	Buffered        int64 `json:"buffered"`
}

type bufferKey struct {
	kind      types.RecordKind
	partition filestore.Partition
}

// Consumer owns the partition buffers. Add and Flush are safe for concurrent use.
type Consumer struct {
	encode      Submitter
	materialize Submitter
	uploader    Uploader
	opts        Options
	log         *logger.Logger

	mu      sync.Mutex
	buffers map[bufferKey][]types.Record

	group *errgroup.Group

	received      atomic.Int64
	flushes       atomic.Int64
	filesUploaded atomic.Int64
	filesFailed   atomic.Int64
	jobsFailed    atomic.Int64
	buffered      atomic.Int64
}

func New(encode, materialize Submitter, uploader Uploader, opts Options) *Consumer {
	if opts.FlushRows <= 0 {
		opts.FlushRows = DefaultFlushRows
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 2
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if encode == nil {
		opts.Encode = false
	}
	if materialize == nil {
		opts.Materialize = false
	}
	g := &errgroup.Group{}
	g.SetLimit(opts.MaxInFlight)
	return &Consumer{
		encode:      encode,
		materialize: materialize,
		uploader:    uploader,
		opts:        opts,
		log:         logger.L(),
		buffers:     make(map[bufferKey][]types.Record),
		group:       g,
	}
}

// Run reads src until it is exhausted or ctx is cancelled, flushing on row count and on the
// flush interval. After cancellation the batch the source returns on its way out is still
// buffered. Remaining buffers are flushed and all in-flight work is awaited before Run
// returns.
func (c *Consumer) Run(ctx context.Context, src Source) error {
	batches := make(chan types.Batch)
	readErr := make(chan error, 1)
	abandon := make(chan struct{})
	defer close(abandon)
	go func() {
		defer close(batches)
		for {
			batch, err := src.Next(ctx)
			if len(batch.Records) > 0 {
				select {
				case batches <- batch:
				case <-abandon:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	// Flush work outlives ctx so a shutdown still writes what was received.
	workCtx := context.WithoutCancel(ctx)

	var err error
loop:
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				err = <-readErr
				break loop
			}
			c.Add(workCtx, batch)
		case <-ticker.C:
			c.Flush(workCtx)
		case <-ctx.Done():
			err = c.drain(workCtx, batches, readErr)
			break loop
		}
	}

	c.Flush(workCtx)
	c.Wait()

	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		err = nil
	}
	stats := c.Stats()
	c.log.Info("Consumer stopped", map[string]interface{}{
		"records_received": stats.RecordsReceived,
		"flushes":          stats.Flushes,
		"files_uploaded":   stats.FilesUploaded,
		"files_failed":     stats.FilesFailed,
	})
	return err
}

// drain keeps buffering batches until the reader stops. A source that ignores cancellation
// is abandoned after DrainTimeout.
func (c *Consumer) drain(ctx context.Context, batches <-chan types.Batch, readErr <-chan error) error {
	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return <-readErr
			}
			c.Add(ctx, batch)
		case <-timer.C:
			c.log.Warn("Source did not stop after cancellation", map[string]interface{}{
				"timeout": c.opts.DrainTimeout.String(),
			})
			return context.Canceled
		}
	}
}

// Add buffers a batch and flushes every partition that reached FlushRows.
func (c *Consumer) Add(ctx context.Context, batch types.Batch) {
	var full []bufferKey
	var ready [][]types.Record

	c.mu.Lock()
	for _, rec := range batch.Records {
		key := bufferKey{kind: batch.Kind, partition: filestore.PartitionOf(batch.Kind, rec)}
		c.buffers[key] = append(c.buffers[key], rec)
		if len(c.buffers[key]) >= c.opts.FlushRows {
			full = append(full, key)
			ready = append(ready, c.buffers[key])
			delete(c.buffers, key)
		}
	}
	c.mu.Unlock()

	n := int64(len(batch.Records))
	c.received.Add(n)
	c.buffered.Add(n)

	for i, key := range full {
		c.dispatch(ctx, key, ready[i])
	}
}

// Flush dispatches every non-empty buffer.
func (c *Consumer) Flush(ctx context.Context) {
	c.mu.Lock()
	buffers := c.buffers
	c.buffers = make(map[bufferKey][]types.Record)
	c.mu.Unlock()

	for key, records := range buffers {
		c.dispatch(ctx, key, records)
	}
}

// Wait blocks until every dispatched job has finished and its output has been handed to the
// uploader.
func (c *Consumer) Wait() {
	_ = c.group.Wait()
}

func (c *Consumer) Stats() Stats {
	return Stats{
		RecordsReceived: c.received.Load(),
		Flushes:         c.flushes.Load(),
		FilesUploaded:   c.filesUploaded.Load(),
		FilesFailed:     c.filesFailed.Load(),
		JobsFailed:      c.jobsFailed.Load(),
		Buffered:        c.buffered.Load(),
	}
}

func (c *Consumer) dispatch(ctx context.Context, key bufferKey, records []types.Record) {
	if len(records) == 0 {
		return
	}
	c.flushes.Add(1)
	c.buffered.Add(-int64(len(records)))
	stamp := utils.MonotonicStamp()

	c.log.Debug("Flushing partition", map[string]interface{}{
		"record_kind": key.kind,
		"partition":   key.partition.String(),
		"records":     len(records),
	})

	if c.opts.Encode && key.kind != types.RecordKindContracts {
		ext := filestore.ExtensionFor(c.opts.JobConfig.Codec)
		c.run(ctx, c.encode, types.JobKindEncode, key, records, key.partition.FileName(key.kind, stamp, ext))
	}
	if c.opts.Materialize {
		c.run(ctx, c.materialize, types.JobKindMaterialize, key, records, key.partition.FileName(key.kind, stamp, ".parquet"))
	}
}

func (c *Consumer) run(ctx context.Context, pool Submitter, kind types.JobKind, key bufferKey, records []types.Record, remotePath string) {
	local := filepath.Join(c.opts.ScratchDir, filepath.FromSlash(remotePath))
	job := types.NewJob(kind, key.kind, local, records, c.opts.JobConfig)

	c.group.Go(func() error {
		res, err := pool.Submit(ctx, job)
		if err != nil {
			c.jobsFailed.Add(1)
			c.log.Error("Flush job failed", map[string]interface{}{
				"job_id":      job.ID,
				"job_kind":    kind,
				"record_kind": key.kind,
				"records":     len(records),
				"error":       err.Error(),
			})
			if rmErr := os.Remove(local); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				c.log.Warn("Failed to remove output of failed job", map[string]interface{}{
					"path":  local,
					"error": rmErr.Error(),
				})
			}
			return nil
		}

		up := c.uploader.UploadFile(ctx, archive.UploadRequest{
			LocalPath:   local,
			RemotePath:  remotePath,
			RecordKind:  key.kind,
			FileKind:    kind,
			RecordCount: res.RecordCount,
		})
		if up.OK {
			c.filesUploaded.Add(1)
		} else {
			c.filesFailed.Add(1)
		}
		return nil
	})
}
