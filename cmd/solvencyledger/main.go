package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/ingestion"
	"SolvencyLedger/internal/observability"
	"SolvencyLedger/internal/persistence"
	"SolvencyLedger/internal/projection"
	"SolvencyLedger/internal/query"
	"SolvencyLedger/internal/server"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("solvencyledger")
	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("service failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg := DefaultConfig()
	schedule, err := cfg.Schedule()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	clock := clockwork.NewRealClock()
	health := observability.NewHealthChecker(clock)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	health.AddCheck("postgres", db.PingContext)

	if err := persistence.NewMigrator(db, logger.With().Str("component", "migrate").Logger()).Up(ctx); err != nil {
		return err
	}

	// --- Recovery: snapshot + replay, with no outputs attached ---
	snapshots := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	c := core.NewDeterministicCore(0, schedule, nil, nil, dbChecker, metrics)

	restored, err := persistence.RestoreLatest(ctx, snapshots, c, logger)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if restored < 0 && cfg.WarmKeys > 0 {
		keys, err := dbChecker.RecentKeys(ctx, cfg.WarmKeys)
		if err != nil {
			return fmt.Errorf("load recent idempotency keys: %w", err)
		}
		c.WarmLRU(keys)
	}
	replayed, err := persistence.Replay(ctx, snapshots, c, restored+1, metrics)
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}
	logger.Info().Int64("snapshot", restored).Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).Msg("recovery complete")

	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan *event.EventEnvelope, cfg.PublishChanSize)
	c.SetOutputs(persistChan, projectionChan)
	metrics.SetChannelMetrics("persist", 0, cfg.PersistChanSize)
	metrics.SetChannelMetrics("projection", 0, cfg.ProjectionChanSize)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	health.AddCheck("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}

	// --- Output workers: they stop when their input closes, so every
	// queued output drains after ingestion stops ---
	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(db), persistChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		observability.NewLogger("persistence"),
	).WithPublisher(publishChan)
	projStore := projection.NewPostgresStore(db, metrics)
	projWorker := projection.NewProjectionWorker(projStore, projectionChan, metrics, observability.NewLogger("projection"))
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))

	var workers errgroup.Group
	workers.Go(func() error {
		defer close(publishChan)
		return persistWorker.Run(context.Background())
	})
	workers.Go(func() error {
		if err := projWorker.Run(context.Background()); err != nil {
			stop()
			return err
		}
		return nil
	})
	workers.Go(func() error { return publisher.Run(context.Background()) })

	// --- Ingestion and serving ---
	seq := ingestion.NewSequencer(c, cfg.CommandChanSize, metrics, observability.NewLogger("sequencer"))
	rawEvents := make(chan ingestion.RawEvent, cfg.RawEventChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawEvents, observability.NewLogger("nats"))
	subjects := ingestion.DefaultSubjects()

	admin := server.NewCoreAdmin(seq, snapshots, projWorker, schedule, health, metrics, clock, observability.NewLogger("admin"))
	srv, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Query:         query.NewQueryService(db),
		Ingest:        ingestion.NewGRPCIngestService(seq, cfg.IngestRate, cfg.IngestBurst, metrics),
		Admin:         admin,
		HealthChecker: health,
		Metrics:       metrics,
		Gatherer:      reg,
		Logger:        observability.NewLogger("server"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return seq.Run(gctx) })
	g.Go(func() error {
		return ingestion.Decode(gctx, rawEvents, ingestion.NewRouter(subjects), seq.Commands(), metrics, observability.NewLogger("decode"))
	})
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	g.Go(func() error { return runSnapshots(gctx, admin, seq, cfg, clock, logger) })
	g.Go(func() error {
		if err := subscriber.Subscribe(gctx, subjects); err != nil {
			return err
		}
		<-gctx.Done()
		subscriber.Stop()
		return nil
	})

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().Str("grpc", cfg.GRPCAddr).Str("http", cfg.HTTPAddr).Msg("SolvencyLedger ready")

	err = g.Wait()
	health.SetReady(false)
	logger.Info().Msg("ingestion stopped, draining outputs")

	// The sequencer has exited, so nothing else touches the core.
	close(persistChan)
	close(projectionChan)
	if werr := workers.Wait(); werr != nil {
		logger.Error().Err(werr).Msg("output worker failed")
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if snapSeq, serr := persistence.TakeSnapshot(finalCtx, c, snapshots, metrics, clock.Now()); serr != nil {
		logger.Error().Err(serr).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", snapSeq).Msg("final snapshot saved")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSnapshots snapshots the core once SnapshotInterval events have been
// applied since the last one.
func runSnapshots(ctx context.Context, admin *server.CoreAdmin, seq *ingestion.Sequencer, cfg Config, clock clockwork.Clock, logger zerolog.Logger) error {
	var last int64 = -1
	if err := seq.Do(ctx, func(c *core.DeterministicCore) error {
		last = c.GetSequence() - 1
		return nil
	}); err != nil {
		return err
	}

	ticker := clock.NewTicker(cfg.SnapshotCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}

		var current int64
		if err := seq.Do(ctx, func(c *core.DeterministicCore) error {
			current = c.GetSequence() - 1
			return nil
		}); err != nil {
			return nil
		}
		if current-last < cfg.SnapshotInterval {
			continue
		}

		snapSeq, err := admin.TakeSnapshot(ctx)
		switch {
		case errors.Is(err, persistence.ErrSnapshotAhead):
			logger.Debug().Err(err).Msg("snapshot deferred until the log catches up")
		case err != nil:
			logger.Warn().Err(err).Msg("periodic snapshot failed")
		default:
			last = snapSeq
		}
	}
}
