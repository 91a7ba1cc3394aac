package workerpool_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersink/filestore"
	"ledgersink/types"
	"ledgersink/workerpool"
)

// Three encode jobs of 2500 records each, 1000-record chunks, two workers.
func TestEncodePoolScenario(t *testing.T) {
	dir := t.TempDir()
	encoder := filestore.NewEncoder()

	var running, peak int32
	exec := func(ctx context.Context, job *types.Job) (*types.Result, error) {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		return encoder.Execute(ctx, job)
	}
	pool := workerpool.New(workerpool.Config{Name: "encode", MaxWorkers: 2}, exec)

	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	jobs := make([]*types.Job, 3)
	for j := range jobs {
		records := make([]types.Record, 2500)
		for i := range records {
			records[i] = types.Record{
				"update_id":    fmt.Sprintf("u-%d-%d", j, i),
				"update_type":  "transaction",
				"migration_id": int64(1),
				"record_time":  base.Add(time.Duration(i) * time.Second),
				"update_data":  fmt.Sprintf(`{"job":%d,"i":%d}`, j, i),
			}
		}
		jobs[j] = types.NewJob(types.JobKindEncode, types.RecordKindUpdates,
			filepath.Join(dir, fmt.Sprintf("updates-%d.pb.zst", j)), records,
			types.JobConfig{ChunkSize: 1000, CompressionLevel: 3, Codec: filestore.CodecZstd})
	}

	results := make([]*types.Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job *types.Job) {
			defer wg.Done()
			res, err := pool.Submit(context.Background(), job)
			assert.NoError(t, err)
			results[i] = res
		}(i, job)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	codec, err := filestore.NewCodec(filestore.CodecZstd, 3)
	require.NoError(t, err)
	for j, job := range jobs {
		require.NotNil(t, results[j])
		assert.Equal(t, 3, results[j].Frames)
		assert.Equal(t, 2500, results[j].RecordCount)

		got, err := filestore.ReadAll(job.OutputPath, codec, types.RecordKindUpdates)
		require.NoError(t, err)
		require.Len(t, got, 2500)
		assert.Equal(t, fmt.Sprintf("u-%d-0", j), got[0]["update_id"])
		assert.Equal(t, fmt.Sprintf("u-%d-2499", j), got[2499]["update_id"])
	}

	s := pool.Stats()
	assert.Equal(t, int64(3), s.TotalJobs)
	assert.Equal(t, int64(3), s.CompletedJobs)
	assert.Zero(t, s.FailedJobs)
	assert.Equal(t, int64(7500), s.TotalRecords)
}
