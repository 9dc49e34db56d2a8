package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hosting-ledger/internal/api"
	"hosting-ledger/internal/bot"
	"hosting-ledger/internal/cache"
	"hosting-ledger/internal/catalog"
	"hosting-ledger/internal/config"
	"hosting-ledger/internal/controlplane"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/pkg/db"
	"hosting-ledger/internal/repository"
	"hosting-ledger/internal/service"
)

func serveCommand() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when configured, the Telegram console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configFrom(cmd), !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply the schema on startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		if err := db.Migrate(ctx, pool.Pool); err != nil {
			return err
		}
	}

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// A nil interface, not a nil *IdempotencyCache, disables caching.
	var resultCache service.ResultCache
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.Connect(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		resultCache = cache.NewIdempotencyCache(redisClient, cfg.Redis.TTL)
	} else {
		log.Warn().Msg("Redis not configured, idempotent replays go to PostgreSQL")
	}

	if cfg.ControlPlane.BaseURL == "" {
		log.Warn().Msg("Control plane base URL not configured, remote actions will fail")
	}
	remote := controlplane.NewHTTPClient(&cfg.ControlPlane)

	accounts := repository.NewAccountRepository(pool.Pool)
	txs := repository.NewTransactionRepository(pool.Pool)
	nodes := repository.NewNodeRepository(pool.Pool)

	ledger := service.NewLedgerService(accounts, txs, resultCache, m)
	reconciler := service.NewReconcilerService(
		repository.NewServerRepository(pool.Pool),
		repository.NewInconsistencyRepository(pool.Pool),
		remote,
		cfg.ControlPlane.Timeout,
		m,
	)
	capacity := service.NewCapacityService(nodes)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(&api.Dependencies{
		Config:     cfg,
		Ledger:     ledger,
		Allocator:  service.NewAllocatorService(ledger, cat, nil),
		Afk:        service.NewAfkService(repository.NewAfkRepository(pool.Pool), ledger, cfg.Afk, m),
		Tasks:      service.NewTaskService(ledger, txs, cat),
		Reconciler: reconciler,
		Capacity:   capacity,
		Metrics:    m,
		Gatherer:   registry,
		Ping: func(ctx context.Context) error {
			if err := pool.HealthCheck(ctx); err != nil {
				return err
			}
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			return nil
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(cfg.HTTP, router).Run(gctx)
	})

	if cfg.Telegram.Token != "" {
		telegramBot, err := bot.New(&bot.Dependencies{
			Config:     cfg,
			Ledger:     ledger,
			Reconciler: reconciler,
			Capacity:   capacity,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			telegramBot.Start()
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			telegramBot.Stop()
			return nil
		})
	} else {
		log.Info().Msg("Telegram token not configured, console disabled")
	}

	err = g.Wait()
	log.Info().Msg("Shutdown complete")
	return err
}

func loadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", cfg.Path, err)
	}
	log.Info().
		Str("path", cfg.Path).
		Int("items", len(cat.Items())).
		Int("tasks", len(cat.Tasks())).
		Msg("Catalog loaded")
	return cat, nil
}
