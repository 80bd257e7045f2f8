package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tradecore/internal/config"
	"tradecore/internal/db"
	"tradecore/internal/events"
	"tradecore/internal/httpserver"
	"tradecore/internal/ledger"
	"tradecore/internal/marketdata"
	"tradecore/internal/orders"
	"tradecore/internal/positions"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/internal/types"
	"tradecore/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DBDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		log.Info("store: postgres")
	} else {
		st = store.NewMemory()
		log.Warn("store: in-memory, state is not durable")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		st = store.NewCached(st, rdb, 30*time.Second)
		log.Info("store: redis read-through cache enabled")
	}

	quotes := marketdata.NewQuotes(cfg.QuoteSeeds)
	marketdata.StartPublisher(ctx, quotes, cfg.QuoteInterval, log)

	hub := events.NewHub(cfg.WebSocketOrigin, log)
	go hub.Run(ctx)

	session, err := orders.NewSession(cfg.MarketOpen, cfg.MarketClose, cfg.MarketTimezone)
	if err != nil {
		return err
	}

	ledgerSvc := ledger.NewService(st, log)
	posMgr := positions.NewManager(st, ledgerSvc, log)
	orderSvc := orders.NewService(st, ledgerSvc, posMgr, quotes, session, hub, log)
	monitor := risk.NewMonitor(st, quotes, orderSvc, hub, risk.Thresholds{
		WarningPct:  cfg.RiskWarningPct,
		CriticalPct: cfg.RiskAutoClosePct,
		AutoClose:   cfg.RiskAutoClose,
	}, log)

	registry := worker.NewRegistry(st, cfg.WorkerHealthTTL, cfg.WorkerBatchLimit, log)
	registry.Register(worker.Worker{
		ID:       types.WorkerOrderExecution,
		Label:    "order execution",
		Interval: cfg.ExecutionInterval,
		Pass: func(ctx context.Context, opts worker.PassOptions) (worker.PassStats, error) {
			scanned, executed, errs, err := orderSvc.ExecutePass(ctx, cfg.ExecutionDelay, opts.Limit, opts.DryRun)
			return worker.PassStats{Scanned: scanned, Executed: executed, Errors: errs}, err
		},
	})
	registry.Register(worker.Worker{
		ID:       types.WorkerPositionPnL,
		Label:    "position pnl refresh",
		Interval: cfg.PnLInterval,
		Pass: func(ctx context.Context, opts worker.PassOptions) (worker.PassStats, error) {
			scanned, published, errs, err := monitor.PnLPass(ctx)
			return worker.PassStats{Scanned: scanned, Executed: published, Errors: errs}, err
		},
	})
	registry.Register(worker.Worker{
		ID:       types.WorkerRiskMonitoring,
		Label:    "risk monitoring",
		Interval: cfg.RiskInterval,
		Pass: func(ctx context.Context, opts worker.PassOptions) (worker.PassStats, error) {
			scanned, acted, errs, err := monitor.Pass(ctx, opts.DryRun)
			return worker.PassStats{Scanned: scanned, Executed: acted, Errors: errs}, err
		},
	})

	var wg sync.WaitGroup
	registry.Start(ctx, &wg)

	auth := httpserver.NewAuth(cfg.JWTIssuer, cfg.JWTSecret, cfg.JWTTTL, cfg.OperatorTokenHash, cfg.InternalToken)
	router := httpserver.NewRouter(httpserver.Deps{
		Auth:      auth,
		Accounts:  ledger.NewHandler(ledgerSvc, st),
		Orders:    orders.NewHandler(orderSvc),
		Positions: positions.NewHandler(st, quotes),
		Risk:      risk.NewHandler(monitor, st),
		Workers:   worker.NewHandler(registry),
		Hub:       hub,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	wg.Wait()
	return nil
}
