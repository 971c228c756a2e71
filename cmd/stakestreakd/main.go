// Command stakestreakd runs the payout orchestration service: the admin HTTP
// API plus, when enabled, the payout worker and the nightly settlement
// scheduler. Exactly one replica should run with PAYOUT_WORKER_ENABLED=true.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stakestreak/approval"
	"stakestreak/chain"
	"stakestreak/civil"
	"stakestreak/config"
	"stakestreak/escrow"
	"stakestreak/finalize"
	"stakestreak/models"
	"stakestreak/observability/logging"
	"stakestreak/observability/otel"
	"stakestreak/queue"
	"stakestreak/server"
	"stakestreak/settlement"
	"stakestreak/worker"
)

func main() {
	tunablesPath := flag.String("config", "", "path to optional YAML tunables file")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	log := logging.SetupWithSink("stakestreakd", cfg.Env, logging.RotatingSink(cfg.LogFile))

	tunables, err := config.LoadTunables(*tunablesPath)
	if err != nil {
		log.Error("tunables invalid", "error", err)
		os.Exit(1)
	}
	cfg.Tunables = tunables

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		insecure, _ := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "stakestreakd",
			Environment: cfg.Env,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Error("otel init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("otel shutdown failed", "error", err)
			}
		}()
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	cal, err := civil.LoadCalendar(cfg.ChallengeTimezone)
	if err != nil {
		log.Error("challenge timezone invalid", "error", err)
		os.Exit(1)
	}

	evmCfg := chain.EVMConfig{
		RPCURL:       cfg.ChainRPCURL,
		TokenAddress: cfg.TokenAddress,
		ChainID:      cfg.ChainID,
		Timeout:      tunables.RPCTimeout.Duration,
		RatePerSec:   tunables.RPCRatePerSec,
		PollInterval: tunables.RPCPollEvery.Duration,
	}
	if cfg.OraclePrivateKey != "" {
		key, err := chain.ParsePrivateKey(cfg.OraclePrivateKey)
		if err != nil {
			log.Error("oracle private key invalid", "error", err)
			os.Exit(1)
		}
		evmCfg.FeePayerKey = key
	}
	chainClient, err := chain.DialEVM(ctx, evmCfg)
	if err != nil {
		log.Error("chain facade init failed", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	payoutQueue := queue.New(db,
		queue.WithMaxAttempts(tunables.MaxAttempts),
		queue.WithBackoff(tunables.BackoffBase.Duration, tunables.BackoffFactor),
	)
	escrowStore := escrow.NewStore(db, cfg.EscrowMasterKey)
	engine := settlement.NewEngine(db, payoutQueue, cal, settlement.WithLogger(log))
	hook := approval.NewHook(db, payoutQueue, cal, approval.WithLogger(log))
	finalizer := finalize.New(db, payoutQueue, cal, chainClient, cfg.TreasuryAddress,
		finalize.WithLogger(log),
		finalize.WithDustThreshold(tunables.DustThreshold),
	)
	payoutWorker := worker.New(db, payoutQueue, escrowStore, chainClient, cfg.TreasuryAddress,
		worker.WithLogger(log),
		worker.WithTick(tunables.WorkerTick.Duration),
		worker.WithBatch(tunables.WorkerBatch),
	)

	auth, err := server.NewAuthenticator(cfg.AdminBearerToken, cfg.AdminJWTSecret)
	if err != nil {
		log.Error("authenticator init failed", "error", err)
		os.Exit(1)
	}
	srv := server.New(server.Config{
		DB:        db,
		Queue:     payoutQueue,
		Escrow:    escrowStore,
		Chain:     chainClient,
		Calendar:  cal,
		Hook:      hook,
		Engine:    engine,
		Finalizer: finalizer,
		Worker:    payoutWorker,
		Auth:      auth,
		Logger:    log,
	})

	var wg sync.WaitGroup
	if cfg.WorkerEnabled {
		wg.Add(2)
		go func() {
			defer wg.Done()
			payoutWorker.Run(ctx)
		}()
		scheduler := settlement.NewScheduler(engine, tunables.SettleMinute)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()
	} else {
		log.Info("payout worker disabled on this replica")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(srv.Router(), "stakestreakd"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", "error", err)
		}
	}()

	log.Info("stakestreakd listening", "port", cfg.Port, "worker_enabled", cfg.WorkerEnabled)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "error", err)
		stop()
	}
	wg.Wait()
	log.Info("stakestreakd stopped")
}
