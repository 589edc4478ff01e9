package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PortfolioLedger/internal/config"
	"PortfolioLedger/internal/core"
	"PortfolioLedger/internal/event"
	"PortfolioLedger/internal/ingestion"
	"PortfolioLedger/internal/ledger"
	"PortfolioLedger/internal/observability"
	"PortfolioLedger/internal/persistence"
	"PortfolioLedger/internal/pool"
	"PortfolioLedger/internal/projection"
	"PortfolioLedger/internal/query"
	"PortfolioLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("PortfolioLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	admin, _ := cfg.Admin()
	custody, _ := cfg.Custody()

	// ctx stops intake (NATS, gRPC, HTTP); workerCtx outlives it so the
	// output channels can drain on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Pools ---
	registry := pool.NewRegistry()
	var simulated []config.SimulatedPool
	if cfg.PoolsFile != "" {
		specs, err := config.LoadPools(cfg.PoolsFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("load pools")
		}
		if registry, simulated, err = config.BuildPools(specs); err != nil {
			logger.Fatal().Err(err).Msg("build pools")
		}
		for _, sp := range simulated {
			logger.Info().
				Str("symbol", sp.Spec.Symbol).
				Str("token", sp.Token.Address().Hex()).
				Str("pool", sp.Pool.Address().Hex()).
				Uint8("decimals", sp.Token.Decimals()).
				Msg("simulated pool registered")
		}
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// Persist blocks (backpressure); projection and publish drop when full.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine ---
	token := core.NewPortfolioToken(admin, custody, registry, ledger.NewBook(), metrics, observability.NewLogger("token"))
	engine := core.NewEngine(
		token,
		1,
		core.Outputs{Persist: persistChan, Projection: projectionChan, Publish: publishChan},
		persistence.NewPostgresIdempotencyChecker(db),
		cfg.IdempotencyLRUCapacity,
		metrics,
		observability.NewLogger("engine"),
	)

	// --- Recovery: load snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	var afterSeq int64
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(ctx, snap); err != nil {
			logger.Fatal().Err(err).Int64("seq", snap.Sequence).Msg("restore snapshot")
		}
		afterSeq = snap.Sequence
		logger.Info().Int64("seq", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	replayStart := time.Now()
	replayed, err := replayFromLog(ctx, snapMgr, engine, afterSeq)
	if err != nil {
		logger.Fatal().Err(err).Msg("replay failed")
	}
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	if replayed > 0 {
		logger.Info().Int64("replayed", replayed).Int64("next_seq", engine.GetSequence()).Msg("replay complete")
	}

	queryService := query.NewQueryService(engine, db, metrics)
	if report, err := queryService.VerifyIntegrity(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup integrity check failed")
	} else if !report.IsHealthy {
		logger.Warn().Interface("report", report).Msg("startup integrity check found problems")
	}

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	// --- Services ---
	parser := ingestion.NewParser(ingestion.TokenDecimals(token))
	submitService := ingestion.NewSubmitService(engine, parser)
	snapshot := func(ctx context.Context) (int64, error) {
		return takeSnapshot(ctx, engine, snapMgr, metrics)
	}

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		Query:         queryService,
		Submit:        submitService,
		DB:            db,
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  snapshot,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var workers, producers sync.WaitGroup
	goWorker := func(wg *sync.WaitGroup, name string, run func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, observability.NewLogger("persistence"))
	goWorker(&workers, "persistence worker", func() error { return persistWorker.Run(workerCtx) })

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, observability.NewLogger("projection"))
	goWorker(&workers, "projection worker", func() error { return projWorker.Run(workerCtx) })

	// 3. Outbound publisher
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
	goWorker(&workers, "outbound publisher", func() error { return outboundPublisher.Run(workerCtx) })

	// Configured bindings go through the engine like any admin command.
	bindConfiguredPools(ctx, submitService, token, admin, simulated, logger)

	// 4. NATS -> dispatcher -> engine
	rawChan := make(chan ingestion.RawCommand, cfg.CommandChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	dispatcher := ingestion.NewDispatcher(submitService, parser, metrics, observability.NewLogger("dispatcher"))
	goWorker(&producers, "dispatcher", func() error { return dispatcher.Run(ctx, rawChan) })

	// 5. gRPC server
	goWorker(&producers, "gRPC server", func() error { return grpcServer.StartGRPC(ctx) })

	// 6. HTTP/JSON gateway (proxies to gRPC)
	goWorker(&producers, "HTTP gateway", func() error { return grpcServer.StartHTTPGateway(ctx) })

	// 7. Periodic snapshots and channel gauges
	go runPeriodicSnapshots(ctx, engine, snapMgr, cfg.SnapshotInterval, metrics, logger)
	go reportChannels(ctx, metrics, map[string]chan core.CoreOutput{
		"persist":    persistChan,
		"projection": projectionChan,
		"publish":    publishChan,
	}, rawChan)

	// 8. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_seq", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PortfolioLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, wait for in-flight commands, drain the outputs, then
	// take a final snapshot.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()
	producers.Wait()

	close(persistChan)
	close(projectionChan)
	close(publishChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		workerCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if seq, err := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("seq", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("PortfolioLedger shutdown complete")
}

// replayFromLog re-applies every persisted command after afterSeq.
func replayFromLog(ctx context.Context, snapMgr *persistence.SnapshotManager, engine *core.Engine, afterSeq int64) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		records, err := snapMgr.LoadRecordsAfter(ctx, afterSeq, batchSize)
		if err != nil {
			return total, fmt.Errorf("load records after seq %d: %w", afterSeq, err)
		}
		if len(records) == 0 {
			return total, nil
		}

		for _, r := range records {
			if err := engine.Replay(ctx, r.Envelope, r.Batch); err != nil {
				return total, err
			}
			total++
		}
		afterSeq = records[len(records)-1].Envelope.Sequence
	}
}

// bindConfiguredPools submits SetPool for every configured index that is not
// bound yet. Command IDs derive from (index, pool), so a restart that races a
// previous binding is rejected as a duplicate.
func bindConfiguredPools(
	ctx context.Context,
	submit *ingestion.SubmitService,
	token *core.PortfolioToken,
	admin common.Address,
	pools []config.SimulatedPool,
	logger zerolog.Logger,
) {
	bound := make(map[ledger.AssetIndex]bool)
	for _, b := range token.Bindings() {
		bound[b.Index] = true
	}

	for _, sp := range pools {
		index := ledger.AssetIndex(sp.Spec.Index)
		if sp.Spec.Index == 0 || bound[index] {
			continue
		}
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("set_pool:%d:%s", index, sp.Pool.Address().Hex())))
		cmd := &event.SetPool{
			Meta:  event.Meta{CommandID: id, Caller: admin, Timestamp: time.Now().UnixMicro()},
			Index: index,
			Pool:  sp.Pool.Address(),
		}
		if _, err := submit.SubmitCommand(ctx, cmd); err != nil {
			logger.Error().Err(err).Str("symbol", sp.Spec.Symbol).Uint8("index", sp.Spec.Index).Msg("bind configured pool")
			continue
		}
		logger.Info().Str("symbol", sp.Spec.Symbol).Uint8("index", sp.Spec.Index).Msg("pool bound")
	}
}

// --- Snapshot Helpers ---

// runPeriodicSnapshots takes a snapshot once interval commands have been
// applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}

	lastSnapshotSeq := engine.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := engine.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			seq, err := takeSnapshot(ctx, engine, snapMgr, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("seq", seq).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot captures the engine's in-memory state and persists it.
// Returns the snapshot's sequence.
func takeSnapshot(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	snap := engine.CreateSnapshotState()
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	// Verified immediately: it was just captured from live state.
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}

// reportChannels samples channel depths into the channel gauges.
func reportChannels(ctx context.Context, metrics *observability.Metrics, outputs map[string]chan core.CoreOutput, raw chan ingestion.RawCommand) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range outputs {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
			metrics.SetChannelMetrics("commands", len(raw), cap(raw))
		}
	}
}
