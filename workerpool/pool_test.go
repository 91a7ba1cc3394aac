package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersink/logger"
	"ledgersink/types"
)

func init() {
	logger.L().SetOutput(io.Discard)
}

var fastBackoff = Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}

func newJob(id string) *types.Job {
	job := types.NewJob(types.JobKindEncode, types.RecordKindEvents, "/tmp/"+id, nil, types.JobConfig{})
	job.ID = id
	return job
}

func okResult(job *types.Job) *types.Result {
	return &types.Result{JobID: job.ID, RecordCount: 10, BytesWritten: 100}
}

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestBoundedConcurrency(t *testing.T) {
	for _, mode := range []Mode{ModePersistent, ModeEphemeral} {
		t.Run(string(mode), func(t *testing.T) {
			var running, peak int32
			exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return okResult(job), nil
			}
			p := New(Config{Name: "bounded", MaxWorkers: 3, Mode: mode}, exec)
			defer shutdown(t, p)

			var wg sync.WaitGroup
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := p.Submit(context.Background(), newJob(fmt.Sprintf("job-%d", i)))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
			stats := p.Stats()
			assert.Equal(t, int64(30), stats.CompletedJobs)
			assert.Equal(t, int64(300), stats.TotalRecords)
			assert.LessOrEqual(t, stats.Workers, 3)
		})
	}
}

func TestFIFODispatch(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		if job.ID == "blocker" {
			<-gate
		}
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return okResult(job), nil
	}
	p := New(Config{MaxWorkers: 1}, exec)
	defer shutdown(t, p)

	var wg sync.WaitGroup
	submit := func(id string, admitted int64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Submit(context.Background(), newJob(id))
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool {
			return p.Stats().TotalJobs == admitted
		}, time.Second, time.Millisecond)
	}

	submit("blocker", 1)
	for i := 1; i <= 4; i++ {
		submit(fmt.Sprintf("job-%d", i), int64(i+1))
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, []string{"blocker", "job-1", "job-2", "job-3", "job-4"}, order)
}

func TestStatsConservation(t *testing.T) {
	var calls int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		switch n := atomic.AddInt32(&calls, 1); {
		case n%5 == 0:
			return nil, fmt.Errorf("%w: bad shape", types.ErrInvalidJob)
		case n%7 == 0:
			return nil, syscall.EBUSY
		}
		return okResult(job), nil
	}
	p := New(Config{MaxWorkers: 4, Backoff: fastBackoff}, exec)
	defer shutdown(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Submit(context.Background(), newJob(fmt.Sprintf("job-%d", i)))
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	s := p.Stats()
	assert.Equal(t, s.TotalJobs, s.CompletedJobs+s.FailedJobs)
	assert.Equal(t, int64(50)+s.Retries, s.TotalJobs)
	assert.Zero(t, s.Queued)
	assert.Zero(t, s.Active)
}

func TestTransientFailureIsRetried(t *testing.T) {
	var attempts int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, fmt.Errorf("open scratch file: %w", syscall.EMFILE)
		}
		return okResult(job), nil
	}
	p := New(Config{MaxWorkers: 1, Backoff: fastBackoff}, exec)
	defer shutdown(t, p)

	res, err := p.Submit(context.Background(), newJob("flaky"))
	require.NoError(t, err)
	assert.Equal(t, "flaky", res.JobID)

	s := p.Stats()
	assert.Equal(t, int64(2), s.Retries)
	assert.Equal(t, int64(3), s.TotalJobs)
	assert.Equal(t, int64(1), s.CompletedJobs)
	assert.Equal(t, int64(2), s.FailedJobs)
}

func TestTransientFailureGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("write: no space left on device")
	}
	p := New(Config{MaxWorkers: 1, MaxAttempts: 3, Backoff: fastBackoff}, exec)
	defer shutdown(t, p)

	_, err := p.Submit(context.Background(), newJob("full-disk"))
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var attempts int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, fmt.Errorf("%w: unknown record kind", types.ErrInvalidJob)
	}
	p := New(Config{MaxWorkers: 2, Backoff: fastBackoff}, exec)
	defer shutdown(t, p)

	_, err := p.Submit(context.Background(), newJob("bad"))
	assert.ErrorIs(t, err, types.ErrInvalidJob)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Zero(t, p.Stats().Retries)
}

func TestCancelledContextAbandonsBackoff(t *testing.T) {
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		return nil, syscall.EAGAIN
	}
	slow := Backoff{Base: time.Hour, Max: time.Hour}
	p := New(Config{MaxWorkers: 1, Backoff: slow}, exec)
	defer shutdown(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Submit(ctx, newJob("cancelled"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Retries == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancellation")
	}
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	var crashed int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		if job.ID == "poison" && atomic.CompareAndSwapInt32(&crashed, 0, 1) {
			panic("corrupted state")
		}
		return okResult(job), nil
	}
	p := New(Config{MaxWorkers: 2, Backoff: fastBackoff}, exec)
	defer shutdown(t, p)

	res, err := p.Submit(context.Background(), newJob("poison"))
	require.NoError(t, err, "crashed job is retried on a fresh worker")
	assert.Equal(t, "poison", res.JobID)

	for i := 0; i < 5; i++ {
		_, err := p.Submit(context.Background(), newJob(fmt.Sprintf("after-%d", i)))
		require.NoError(t, err)
	}

	s := p.Stats()
	assert.Equal(t, int64(1), s.WorkerCrashes)
	assert.Equal(t, 2, s.Workers)
	assert.Equal(t, int64(6), s.CompletedJobs)
}

func TestCrashWithoutRetryReportsWorkerCrashed(t *testing.T) {
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		panic("always")
	}
	p := New(Config{MaxWorkers: 1, MaxAttempts: 1}, exec)
	defer shutdown(t, p)

	_, err := p.Submit(context.Background(), newJob("doomed"))
	assert.ErrorIs(t, err, types.ErrWorkerCrashed)
	assert.Equal(t, 1, p.Stats().Workers)
}

func TestShutdownFinishesQueuedJobsAndRejectsNewOnes(t *testing.T) {
	gate := make(chan struct{})
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		<-gate
		return okResult(job), nil
	}
	p := New(Config{MaxWorkers: 1}, exec)

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Submit(context.Background(), newJob(fmt.Sprintf("job-%d", i))); err == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}(i)
	}
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Active+s.Queued == 3
	}, time.Second, time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- p.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return p.Stats().ShuttingDown }, time.Second, time.Millisecond)

	_, err := p.Submit(context.Background(), newJob("late"))
	assert.ErrorIs(t, err, types.ErrPoolClosed)

	close(gate)
	require.NoError(t, <-shutdownErr)
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&succeeded))
	s := p.Stats()
	assert.Equal(t, int64(3), s.CompletedJobs)
	assert.Equal(t, int64(3), s.TotalJobs)

	_, err = p.Submit(context.Background(), newJob("after-stop"))
	assert.True(t, IsClosed(err))
}

func TestValidationOutcomesAreCounted(t *testing.T) {
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		res := okResult(job)
		res.Validation = &types.Validation{Valid: job.ID != "short"}
		return res, nil
	}
	p := New(Config{MaxWorkers: 2}, exec)
	defer shutdown(t, p)

	for _, id := range []string{"a", "short", "b"} {
		_, err := p.Submit(context.Background(), newJob(id))
		require.NoError(t, err)
	}
	s := p.Stats()
	assert.Equal(t, int64(2), s.ValidationPassed)
	assert.Equal(t, int64(1), s.ValidationFailed)
	assert.Equal(t, int64(3), s.CompletedJobs)
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *recordingObserver) JobFinished(pool string, job *types.Job, res *types.Result, err error, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, pool+"/"+job.ID)
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	var first int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			return nil, context.DeadlineExceeded
		}
		return okResult(job), nil
	}
	obs := &recordingObserver{}
	p := New(Config{Name: "encode", MaxWorkers: 1, Backoff: fastBackoff, Observer: obs}, exec)
	defer shutdown(t, p)

	_, err := p.Submit(context.Background(), newJob("x"))
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"encode/x", "encode/x"}, obs.seen)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(40))

	jittered := Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: 500 * time.Millisecond}
	for i := 0; i < 20; i++ {
		d := jittered.Delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestFirstRetryWaitsBaseDelay(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		if n == 1 {
			return nil, syscall.EBUSY
		}
		return okResult(job), nil
	}
	p := New(Config{MaxWorkers: 1, Backoff: Backoff{Base: 300 * time.Millisecond, Max: 10 * time.Second}}, exec)
	defer shutdown(t, p)

	_, err := p.Submit(context.Background(), newJob("busy"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	gap := starts[1].Sub(starts[0])
	assert.GreaterOrEqual(t, gap, 300*time.Millisecond)
	assert.Less(t, gap, 600*time.Millisecond)
}

func TestGoexitInExecutorIsACrash(t *testing.T) {
	for _, mode := range []Mode{ModePersistent, ModeEphemeral} {
		t.Run(string(mode), func(t *testing.T) {
			exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
				if job.ID == "goexit" {
					runtime.Goexit()
				}
				return okResult(job), nil
			}
			p := New(Config{Mode: mode, MaxWorkers: 1, MaxAttempts: 1}, exec)
			defer shutdown(t, p)

			res, err := p.Submit(context.Background(), newJob("goexit"))
			assert.Nil(t, res)
			assert.ErrorIs(t, err, types.ErrWorkerCrashed)

			res, err = p.Submit(context.Background(), newJob("after"))
			require.NoError(t, err)
			assert.Equal(t, "after", res.JobID)

			s := p.Stats()
			assert.Equal(t, int64(1), s.WorkerCrashes)
			assert.Equal(t, int64(1), s.FailedJobs)
			assert.Equal(t, int64(1), s.CompletedJobs)
		})
	}
}
