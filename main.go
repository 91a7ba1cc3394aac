package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgersink/api"
	"ledgersink/archive"
	"ledgersink/config"
	"ledgersink/consumer"
	"ledgersink/db"
	"ledgersink/filestore"
	"ledgersink/logger"
	"ledgersink/metrics"
	"ledgersink/nats"
	"ledgersink/parquet"
	"ledgersink/scheduler"
	"ledgersink/storage"
	"ledgersink/types"
	"ledgersink/workerpool"
)

const statsPublishInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a .json or .yaml config file")
	mode := flag.String("mode", "run", "run or reconcile")
	input := flag.String("input", "", "NDJSON input file, - for stdin (default: NATS when nats.url is set, else stdin)")
	kind := flag.String("kind", string(types.RecordKindUpdates), "record kind of NDJSON input")
	flag.Parse()

	log := logger.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := log.Configure(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}); err != nil {
		log.Fatal("Failed to configure logger", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer log.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "run":
		err = run(ctx, cfg, *input, *kind)
	case "reconcile":
		err = reconcileOnce(ctx, cfg)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal("ledgersink exited with error", map[string]interface{}{
			"mode":  *mode,
			"error": err.Error(),
		})
	}
	log.Info("Shutdown complete", nil)
}

// delivery is the upload side shared by both modes.
type delivery struct {
	store      storage.RemoteStore
	deadLetter *archive.DeadLetterLog
	uploader   *archive.Uploader
	reconciler *archive.Reconciler
}

func newDelivery(ctx context.Context, cfg *config.Config) (*delivery, error) {
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote store: %w", err)
	}
	dl, err := archive.NewDeadLetterLog(cfg.DeadLetter.Path)
	if err != nil {
		return nil, err
	}
	uploader := archive.NewUploader(store, dl, cfg.DeadLetter.SpoolDir, cfg.Storage.GetTimeout())
	return &delivery{
		store:      store,
		deadLetter: dl,
		uploader:   uploader,
		reconciler: archive.NewReconciler(uploader, dl),
	}, nil
}

func (d *delivery) Close() {
	if c, ok := d.store.(io.Closer); ok {
		c.Close()
	}
}

func reconcileOnce(ctx context.Context, cfg *config.Config) error {
	d, err := newDelivery(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.reconciler.Run(ctx)
	if err != nil {
		return err
	}
	logger.L().Info("Reconcile pass finished", map[string]interface{}{
		"total":     report.Total,
		"recovered": report.Recovered,
		"dropped":   report.Dropped,
		"remaining": report.Remaining,
	})
	return nil
}

func run(ctx context.Context, cfg *config.Config, input, kind string) error {
	log := logger.L()

	d, err := newDelivery(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	m := metrics.New()
	d.uploader.AddObserver(m)

	if cfg.Postgres.DSN != "" {
		catalog, err := db.NewCatalog(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer catalog.Close()
		d.uploader.AddObserver(catalog)
	}

	encoder := filestore.NewEncoder()
	conv, err := parquet.NewConverter(cfg.Parquet.Engine)
	if err != nil {
		return err
	}
	if c, ok := conv.(io.Closer); ok {
		defer c.Close()
	}
	materializer := parquet.NewMaterializer(conv, cfg.Parquet.ValidationPolicy, cfg.Parquet.SampleSize)

	poolCfg := func(name string) workerpool.Config {
		return workerpool.Config{
			Name:        name,
			MaxWorkers:  cfg.Pool.Workers,
			Mode:        workerpool.Mode(cfg.Pool.Mode),
			MaxAttempts: cfg.Pool.MaxAttempts,
			Observer:    m,
		}
	}
	encodePool := workerpool.New(poolCfg("encode"), encoder.Execute)
	materializePool := workerpool.New(poolCfg("materialize"), materializer.Execute)

	cons := consumer.New(encodePool, materializePool, d.uploader, consumer.Options{
		ScratchDir:    cfg.ScratchDir,
		FlushRows:     cfg.Flush.Rows,
		FlushInterval: cfg.Flush.GetInterval(),
		MaxInFlight:   2 * cfg.Pool.Workers,
		Encode:        cfg.Encoder.Enabled,
		Materialize:   cfg.Parquet.Enabled,
		JobConfig: types.JobConfig{
			ChunkSize:        cfg.Encoder.ChunkSize,
			CompressionLevel: cfg.Encoder.CompressionLevel,
			RowGroupSize:     cfg.Parquet.RowGroupSize,
			Codec:            cfg.Encoder.Codec,
		},
	})

	src, closeSrc, err := openSource(ctx, cfg, input, kind)
	if err != nil {
		return err
	}
	defer closeSrc()

	sched := scheduler.New()
	archive.InitializeReconciliation(sched, d.reconciler, cfg.DeadLetter.GetReconcileInterval())
	if cfg.Redis.Addr != "" {
		publisher := metrics.NewRedisPublisher(cfg.Redis)
		defer publisher.Close()
		sched.AddTask(&scheduler.Task{
			Name:     "PoolStatsPublish",
			Interval: statsPublishInterval,
			Execute: func(ctx context.Context) error {
				return publisher.Publish(ctx, encodePool, materializePool)
			},
		})
	}

	server := api.NewServer(cfg.API.Addr, api.Deps{
		Pools:      []api.StatsSource{encodePool, materializePool},
		Consumer:   cons,
		DeadLetter: d.deadLetter,
		Reconciler: d.reconciler,
		Metrics:    m.Handler(),
	})

	// The consumer ending, by EOF or signal, stops everything else.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		return cons.Run(gctx, src)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	sched.Start(gctx)

	err = g.Wait()
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, p := range []*workerpool.Pool{encodePool, materializePool} {
		if serr := p.Shutdown(shutdownCtx); serr != nil {
			log.Error("Worker pool did not drain", map[string]interface{}{
				"error": serr.Error(),
			})
		}
		log.Info("Worker pool stats", p.Stats().AsMap())
	}
	return err
}

func openSource(ctx context.Context, cfg *config.Config, input, kind string) (consumer.Source, func(), error) {
	if input == "" && cfg.NATS.URL != "" {
		src, err := nats.Connect(ctx, cfg.NATS)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}

	recordKind, err := types.ParseRecordKind(kind)
	if err != nil {
		return nil, nil, err
	}
	if input == "" || input == "-" {
		return consumer.NewNDJSONSource(os.Stdin, recordKind, cfg.NATS.BatchSize), func() {}, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return consumer.NewNDJSONSource(f, recordKind, cfg.NATS.BatchSize), func() { f.Close() }, nil
}
