// Package ingestd wires the ingestion engines, the HTTP API and the
// maintenance scheduler into one process. Each configured node endpoint gets
// its own engine; chains are discovered by genesis hash at connect time.
package ingestd

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	chaindb "github.com/resonance-network/chronicled/pkg/db/chain"
	"github.com/resonance-network/chronicled/pkg/db/postgres"
	"github.com/resonance-network/chronicled/pkg/ingest"
	"github.com/resonance-network/chronicled/pkg/logging"
	"github.com/resonance-network/chronicled/pkg/metrics"
	"github.com/resonance-network/chronicled/pkg/notify"
	"github.com/resonance-network/chronicled/pkg/utils"
)

// Chain is one discovered network: its storage handle and the engine
// currently driving it. Replaced wholesale on reconnect so readers always
// see a consistent pair.
type Chain struct {
	ID       string
	Endpoint string
	DB       *chaindb.DB
	Engine   *ingest.Engine
}

type App struct {
	Logger *zap.Logger
	PG     *postgres.Client

	// Chains maps chain id to its running state, keyed by genesis hash.
	Chains *xsync.Map[string, *Chain]

	// Endpoints are the websocket node URLs, one engine each.
	Endpoints []string

	FollowBest bool
	Override   *int64
	Retention  int64

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Redis    *notify.Redis

	Cron     *cron.Cron
	CronSpec string
	Server   *http.Server

	pool pond.Pool
}

// Initialize builds the app from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	pg, err := postgres.New(ctx, logger, postgres.DefaultPoolConfig())
	if err != nil {
		logger.Fatal("Unable to initialize postgres", zap.Error(err))
	}

	endpoints := utils.Dedup(strings.Split(utils.Env("NODE_WS_URLS", "ws://127.0.0.1:9944"), ","))
	if len(endpoints) == 0 {
		logger.Fatal("NODE_WS_URLS resolved to no endpoints")
	}

	var override *int64
	if raw := utils.Env("FINALITY_CONFIRMATIONS", ""); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			logger.Fatal("Invalid FINALITY_CONFIRMATIONS", zap.String("value", raw))
		}
		override = &n
	}

	registry := prometheus.NewRegistry()

	redis, err := notify.NewRedisFromEnv(ctx, logger)
	if err != nil {
		// Fan-out is best effort; the ledger does not depend on it.
		logger.Warn("Redis unavailable, continuing without notifications", zap.Error(err))
	}

	app := &App{
		Logger:     logger,
		PG:         pg,
		Chains:     xsync.NewMap[string, *Chain](),
		Endpoints:  endpoints,
		FollowBest: utils.EnvBool("FOLLOW_BEST", false),
		Override:   override,
		Retention:  utils.EnvInt64("RETENTION_WINDOW", 100),
		Metrics:    metrics.New(registry),
		Registry:   registry,
		Redis:      redis,
		CronSpec:   utils.Env("MAINTENANCE_CRON", "@hourly"),
	}

	app.SetupServer()
	if err := app.SetupScheduler(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// notifier returns the configured Notifier, or nil when fan-out is disabled.
func (a *App) notifier() ingest.Notifier {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

// Start launches the HTTP server, the maintenance scheduler and one
// ingestion worker per endpoint. It does not block.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("HTTP server listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	a.Cron.Start()
	a.Logger.Info("Maintenance scheduler started", zap.String("cronSpec", a.CronSpec))

	a.pool = pond.NewPool(len(a.Endpoints))
	for _, endpoint := range a.Endpoints {
		a.pool.Submit(func() {
			a.runChain(ctx, endpoint)
		})
	}
}

// Stop shuts everything down in dependency order: no new heads, flush the
// workers, then close storage.
func (a *App) Stop(ctx context.Context) {
	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Warn("HTTP shutdown", zap.Error(err))
	}
	<-a.Cron.Stop().Done()
	if a.pool != nil {
		a.pool.StopAndWait()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.PG.Close()
	a.Logger.Info("Shutdown complete")
}
