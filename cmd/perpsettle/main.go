package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const replayPageSize = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := observability.NewLogger("main")
		log.Fatal().Err(err).Msg("load config")
	}
	closer := observability.ConfigureLogging(observability.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	logger := observability.NewLogger("main")
	logger.Info().Msg("PerpSettle starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// Inputs (NATS, admin) stop on coreCtx; writers stop on workerCtx once
	// the persist channel has drained.
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelCore()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(coreCtx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(coreCtx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Capabilities ---
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("engine config")
	}
	grants, err := cfg.RoleGrants()
	if err != nil {
		logger.Fatal().Err(err).Msg("role grants")
	}
	prices, err := cfg.Prices()
	if err != nil {
		logger.Fatal().Err(err).Msg("token prices")
	}
	verifier := capability.NewECDSAVerifier()
	custody := capability.NewLoggingCustody(cfg.Decimals(), observability.NewLogger("custody"))

	// --- Channels ---
	// The persist channel blocks the core; projection and publish drop.
	persistChan := make(chan *core.Output, cfg.Channels.Persist)
	projectionChan := make(chan *core.Output, cfg.Channels.Projection)
	publishChan := make(chan *core.Output, cfg.Channels.Publish)
	payoutChan := make(chan capability.Payout, cfg.Channels.Payout)
	batchChan := make(chan ingestion.RawBatch, cfg.Channels.Batch)

	engine := core.NewEngine(engineCfg, core.Deps{
		Roles:          capability.NewStaticRoles(grants),
		Verifier:       verifier,
		Oracle:         capability.NewStaticOracle(prices),
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		PublishChan:    publishChan,
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverState(coreCtx, engine, snapMgr, cfg.IdempotencyLRUCapacity, metrics, logger); err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	subCfg := ingestion.SubscriberConfig{
		Stream:        cfg.NATS.BatchStream,
		Subject:       cfg.NATS.BatchSubject,
		Consumer:      cfg.NATS.Consumer,
		AckWait:       cfg.NATS.AckWait,
		MaxDeliver:    cfg.NATS.MaxDeliver,
		TrustedCaller: cfg.TrustedSequencer(),
	}
	pubCfg := ingestion.PublisherConfig{
		Stream:        cfg.NATS.EventStream,
		SubjectPrefix: cfg.NATS.EventPrefix,
	}
	if err := ingestion.EnsureStreams(coreCtx, js, subCfg, pubCfg); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	errChan := make(chan error, 10)
	persistDone := make(chan struct{})

	// 1. Payout executor, fed first with payouts left pending by the last run.
	payoutStore := persistence.NewPayoutStore(db)
	payoutExec := capability.NewPayoutExecutor(custody, payoutStore, payoutChan, metrics, observability.NewLogger("payout"))
	go func() {
		errChan <- ignoreCanceled(payoutExec.Run(workerCtx))
	}()
	pending, err := payoutStore.LoadPending(coreCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load pending payouts")
	}
	if len(pending) > 0 {
		logger.Info().Int("payouts", len(pending)).Msg("re-sending pending payouts")
	}
	for _, p := range pending {
		payoutChan <- p
	}

	// 2. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, payoutChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	go func() {
		defer close(persistDone)
		errChan <- ignoreCanceled(persistWorker.Run(workerCtx))
	}()

	// 3. Projection worker, rebuilt from recovered state first.
	projWorker := projection.NewProjectionWorker(db, projectionChan, engine, metrics, observability.NewLogger("projection"))
	if err := projWorker.Rebuild(coreCtx); err != nil {
		logger.Warn().Err(err).Msg("initial projection rebuild failed")
	}
	go func() {
		errChan <- ignoreCanceled(projWorker.Run(workerCtx))
	}()

	// 4. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, pubCfg, publishChan, observability.NewLogger("publisher"))
	go func() {
		errChan <- ignoreCanceled(publisher.Run(workerCtx))
	}()

	// Configured supply caps go through the log like any admin call.
	capCalls, err := cfg.SupplyCapCalls()
	if err != nil {
		logger.Fatal().Err(err).Msg("supply cap calls")
	}
	for _, call := range capCalls {
		if _, err := engine.ExecuteAdmin(call); err != nil {
			logger.Fatal().Err(err).Str("id", call.ID).Msg("apply supply cap")
		}
	}

	// 5. NATS batches -> core loop
	subscriber := ingestion.NewNATSSubscriber(js, batchChan, metrics, observability.NewLogger("subscriber"))
	if err := subscriber.Subscribe(coreCtx, subCfg); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ingestion.RunBatchLoop(coreCtx, batchChan, engine, metrics, observability.NewLogger("core-loop"))
	}()

	// 6. Admin calls over request-reply
	adminServer := ingestion.NewAdminServer(engine, verifier, custody, engineCfg.Collateral, observability.NewLogger("admin"))
	if err := adminServer.Serve(coreCtx, nc, cfg.NATS.AdminSubject); err != nil {
		logger.Fatal().Err(err).Msg("admin subscribe")
	}

	// 7. gRPC query service + HTTP gateway
	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	queryService := query.NewQueryService(engine, db, metrics)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
	})
	go func() {
		errChan <- grpcServer.StartGRPC(coreCtx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(coreCtx)
	}()

	// 8. Periodic snapshots and channel gauges
	go runPeriodicSnapshots(coreCtx, engine, snapMgr, cfg.SnapshotInterval, metrics, logger)
	go sampleChannels(coreCtx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"payout":     func() (int, int) { return len(payoutChan), cap(payoutChan) },
		"batch":      func() (int, int) { return len(batchChan), cap(batchChan) },
	})

	// 9. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-coreCtx.Done()
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
	grpcServer.SetServing(true)

	logger.Info().
		Int64("command_seq", engine.CommandSeq()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)

	subscriber.Stop()
	adminServer.Stop()
	cancelCore()
	<-loopDone

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	waitDrained(drainCtx, persistChan)
	cancelWorkers()
	select {
	case <-persistDone:
	case <-drainCtx.Done():
		logger.Warn().Msg("persistence did not finish before shutdown deadline")
	}

	if err := takeSnapshot(drainCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("command_seq", engine.CommandSeq()).Msg("final snapshot saved")
	}

	logger.Info().Msg("PerpSettle shutdown complete")
}

// recoverState restores the latest verified snapshot, replays the command
// log after it and warms the dedup cache.
func recoverState(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info().Int64("command_seq", snap.CommandSeq).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	replayed, err := replayCommands(ctx, engine, snapMgr, engine.CommandSeq()+1)
	if err != nil {
		return err
	}
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if replayed > 0 {
		logger.Info().Int("commands", replayed).Int64("command_seq", engine.CommandSeq()).Msg("replayed command log")
	}

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	if head != engine.CommandSeq() {
		return fmt.Errorf("recovered to command %d but log head is %d", engine.CommandSeq(), head)
	}

	for _, kind := range []string{core.KindBatch, core.KindAdmin} {
		ids, err := snapMgr.LoadRecentDedupIDs(ctx, kind, lruCapacity)
		if err != nil {
			return fmt.Errorf("load %s dedup ids: %w", kind, err)
		}
		engine.WarmLRU(kind, ids)
	}

	logger.Info().Str("state_hash", fmt.Sprintf("%x", engine.StateHash())).Msg("state recovered")
	return nil
}

// replayCommands re-executes logged commands from fromSeq to the head of
// the log. Each command must reproduce its logged state hash.
func replayCommands(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, fromSeq int64) (int, error) {
	var total int
	for {
		cmds, err := snapMgr.LoadCommandsFrom(ctx, fromSeq, replayPageSize)
		if err != nil {
			return total, fmt.Errorf("load commands from %d: %w", fromSeq, err)
		}
		if len(cmds) == 0 {
			return total, nil
		}
		for _, cmd := range cmds {
			if _, err := engine.Replay(cmd); err != nil {
				return total, err
			}
			total++
		}
		fromSeq = cmds[len(cmds)-1].Seq + 1
	}
}

// runPeriodicSnapshots takes a snapshot once interval commands have
// committed since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 10_000
	}

	lastSnapshotSeq := engine.CommandSeq()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := engine.CommandSeq()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, engine, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("command_seq", currentSeq).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot captures the engine's committed state and persists it. The
// snapshot comes from live state, so it is marked verified straight away.
func takeSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()
	snap := engine.CreateSnapshotState()

	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snap.CommandSeq); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.CommandSeq))
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, fn := range chans {
				size, capacity := fn()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

// waitDrained polls until ch is empty or ctx ends.
func waitDrained(ctx context.Context, ch chan *core.Output) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(ch) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
