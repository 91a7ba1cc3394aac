// Package workerpool runs CPU-heavy jobs on a bounded set of workers. A single orchestrator
// goroutine owns the queue, the worker set and the statistics; everything else talks to it
// over channels.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"ledgersink/logger"
	"ledgersink/types"
)

// Executor performs one job. It may return a partial result alongside an error.
type Executor func(ctx context.Context, job *types.Job) (*types.Result, error)

// Observer is told about every finished dispatch attempt, from the orchestrator goroutine.
type Observer interface {
	JobFinished(pool string, job *types.Job, res *types.Result, err error, elapsed time.Duration)
}

type Mode string

const (
	ModePersistent Mode = "persistent"
	ModeEphemeral  Mode = "ephemeral"
)

type Config struct {
	Name        string
	MaxWorkers  int
	Mode        Mode
	MaxAttempts int
	Backoff     Backoff
	Observer    Observer
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU() - 1
		if c.MaxWorkers < 1 {
			c.MaxWorkers = 1
		}
	}
	if c.Mode == "" {
		c.Mode = ModePersistent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, Jitter: DefaultBackoffJitter}
	}
}

type outcome struct {
	res *types.Result
	err error
}

type task struct {
	ctx     context.Context
	job     *types.Job
	attempt int
	done    chan outcome
}

type completion struct {
	task    *task
	worker  *worker
	res     *types.Result
	err     error
	crashed bool
	elapsed time.Duration
}

type worker struct {
	id   int
	jobs chan *task
}

type Pool struct {
	cfg  Config
	exec Executor
	log  *logger.Logger

	submitCh   chan *task
	doneCh     chan completion
	retryCh    chan *task
	statsCh    chan chan types.PoolStats
	drainCh    chan chan struct{}
	shutdownCh chan chan struct{}
	stopped    chan struct{}
	final      types.PoolStats

	// owned by the orchestrator goroutine
	queue          []*task
	idle           []*worker
	workers        map[int]*worker
	nextWorkerID   int
	active         int
	backingOff     int
	closing        bool
	drainWaiters   []chan struct{}
	shutdownWaiter []chan struct{}
	stats          types.PoolStats
}

// New starts a pool. Persistent pools spawn MaxWorkers workers immediately.
func New(cfg Config, exec Executor) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:        cfg,
		exec:       exec,
		log:        logger.L(),
		submitCh:   make(chan *task),
		doneCh:     make(chan completion),
		retryCh:    make(chan *task),
		statsCh:    make(chan chan types.PoolStats),
		drainCh:    make(chan chan struct{}),
		shutdownCh: make(chan chan struct{}),
		stopped:    make(chan struct{}),
		workers:    make(map[int]*worker),
		stats:      types.PoolStats{Name: cfg.Name, MaxWorkers: cfg.MaxWorkers},
	}
	if cfg.Mode == ModePersistent {
		for i := 0; i < cfg.MaxWorkers; i++ {
			p.spawnWorker()
		}
	}
	go p.run()

	p.log.Info("Worker pool started", map[string]interface{}{
		"pool":        cfg.Name,
		"mode":        cfg.Mode,
		"max_workers": cfg.MaxWorkers,
	})
	return p
}

// Submit queues a job and waits for its final outcome, including retries of transient
// failures. Once admitted a job always runs to completion; ctx only cuts short a pending
// retry backoff.
func (p *Pool) Submit(ctx context.Context, job *types.Job) (*types.Result, error) {
	t := &task{ctx: ctx, job: job, attempt: 1, done: make(chan outcome, 1)}
	select {
	case p.submitCh <- t:
	case <-p.stopped:
		return nil, types.ErrPoolClosed
	}
	out := <-t.done
	return out.res, out.err
}

// Stats returns a snapshot taken by the orchestrator.
func (p *Pool) Stats() types.PoolStats {
	reply := make(chan types.PoolStats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.stopped:
		return p.final
	}
}

// Drain blocks until the queue is empty and nothing is running or waiting to retry.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.drainCh <- done:
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops admission, lets every queued job finish and then stops the workers. If ctx
// expires first the pool keeps draining in the background.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.shutdownCh <- done:
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run() {
	for {
		select {
		case t := <-p.submitCh:
			if p.closing {
				t.done <- outcome{err: types.ErrPoolClosed}
				continue
			}
			p.enqueue(t)
		case t := <-p.retryCh:
			p.backingOff--
			if err := t.ctx.Err(); err != nil {
				t.done <- outcome{err: fmt.Errorf("retry of job %s abandoned: %w", t.job.ID, err)}
			} else {
				p.enqueue(t)
			}
		case c := <-p.doneCh:
			p.complete(c)
		case reply := <-p.statsCh:
			reply <- p.snapshot()
		case w := <-p.drainCh:
			p.drainWaiters = append(p.drainWaiters, w)
		case w := <-p.shutdownCh:
			if !p.closing {
				p.log.Info("Worker pool shutting down", map[string]interface{}{
					"pool":   p.cfg.Name,
					"queued": len(p.queue),
					"active": p.active,
				})
			}
			p.closing = true
			p.shutdownWaiter = append(p.shutdownWaiter, w)
		}

		if p.isIdle() {
			for _, w := range p.drainWaiters {
				close(w)
			}
			p.drainWaiters = nil
			if p.closing {
				p.stop()
				return
			}
		}
	}
}

func (p *Pool) isIdle() bool {
	return len(p.queue) == 0 && p.active == 0 && p.backingOff == 0
}

func (p *Pool) enqueue(t *task) {
	p.stats.TotalJobs++
	p.queue = append(p.queue, t)
	p.pump()
}

// pump dispatches queued tasks in FIFO order while slots are free.
func (p *Pool) pump() {
	for len(p.queue) > 0 && p.active < p.cfg.MaxWorkers {
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.active++

		if p.cfg.Mode == ModeEphemeral {
			go p.execute(t, nil)
			continue
		}
		if len(p.idle) == 0 {
			p.spawnWorker()
		}
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		w.jobs <- t
	}
}

func (p *Pool) spawnWorker() {
	p.nextWorkerID++
	w := &worker{id: p.nextWorkerID, jobs: make(chan *task, 1)}
	p.workers[w.id] = w
	p.idle = append(p.idle, w)
	go p.workerLoop(w)
}

func (p *Pool) workerLoop(w *worker) {
	for t := range w.jobs {
		if crashed := p.execute(t, w); crashed {
			return
		}
	}
}

// execute runs one attempt and reports it. A panic in the executor, or an executor that
// exits its goroutine without returning, counts as a worker crash.
func (p *Pool) execute(t *task, w *worker) (crashed bool) {
	start := time.Now()
	c := completion{task: t, worker: w}
	returned := false
	defer func() {
		r := recover()
		if r == nil && !returned {
			r = "executor exited without returning"
		}
		if r != nil {
			crashed = true
			c.crashed = true
			c.res = nil
			c.err = fmt.Errorf("%w: %v", types.ErrWorkerCrashed, r)
			p.log.Error("Worker crashed", map[string]interface{}{
				"pool":   p.cfg.Name,
				"job_id": t.job.ID,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
		}
		c.elapsed = time.Since(start)
		p.doneCh <- c
	}()

	c.res, c.err = p.exec(context.WithoutCancel(t.ctx), t.job)
	returned = true
	return false
}

func (p *Pool) complete(c completion) {
	p.active--
	t := c.task

	if c.crashed {
		p.stats.WorkerCrashes++
		if c.worker != nil {
			delete(p.workers, c.worker.id)
			close(c.worker.jobs)
			if !p.closing || len(p.queue) > 0 {
				p.spawnWorker()
			}
		}
	} else if c.worker != nil {
		p.idle = append(p.idle, c.worker)
	}

	if c.res != nil && c.res.Validation != nil {
		if c.res.Validation.Valid {
			p.stats.ValidationPassed++
		} else {
			p.stats.ValidationFailed++
		}
	}
	if c.err == nil {
		p.stats.CompletedJobs++
		if c.res != nil {
			p.stats.TotalRecords += int64(c.res.RecordCount)
			p.stats.TotalBytes += c.res.BytesWritten
		}
	} else {
		p.stats.FailedJobs++
	}

	if p.cfg.Observer != nil {
		p.cfg.Observer.JobFinished(p.cfg.Name, t.job, c.res, c.err, c.elapsed)
	}

	switch {
	case c.err == nil:
		t.done <- outcome{res: c.res}
	case t.attempt < p.cfg.MaxAttempts && types.IsTransient(c.err) && t.ctx.Err() == nil:
		p.retry(t, c.err)
	default:
		p.log.Error("Job failed", map[string]interface{}{
			"pool":     p.cfg.Name,
			"job_id":   t.job.ID,
			"attempts": t.attempt,
			"error":    c.err.Error(),
		})
		t.done <- outcome{res: c.res, err: c.err}
	}

	p.pump()
}

func (p *Pool) retry(t *task, cause error) {
	// t.attempt is 1-based; the first retry waits the base delay.
	delay := p.cfg.Backoff.Delay(t.attempt - 1)
	p.stats.Retries++
	p.backingOff++
	p.log.Warn("Retrying job after transient failure", map[string]interface{}{
		"pool":    p.cfg.Name,
		"job_id":  t.job.ID,
		"attempt": t.attempt,
		"delay":   delay.String(),
		"error":   cause.Error(),
	})
	t.attempt++

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.ctx.Done():
		}
		p.retryCh <- t
	}()
}

func (p *Pool) snapshot() types.PoolStats {
	s := p.stats
	s.Queued = len(p.queue)
	s.Active = p.active
	s.ShuttingDown = p.closing
	if p.cfg.Mode == ModePersistent {
		s.Workers = len(p.workers)
	} else {
		s.Workers = p.active
	}
	return s
}

func (p *Pool) stop() {
	for id, w := range p.workers {
		close(w.jobs)
		delete(p.workers, id)
	}
	p.idle = nil
	p.final = p.snapshot()
	close(p.stopped)
	for _, w := range p.shutdownWaiter {
		close(w)
	}
	p.log.Info("Worker pool stopped", p.final.AsMap())
}

// IsClosed reports whether err came from submitting to a shut down pool.
func IsClosed(err error) bool {
	return errors.Is(err, types.ErrPoolClosed)
}
