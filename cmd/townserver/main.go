// Package main provides the town server binary: the TCP gate, the session
// and map core, and the background maintenance tick.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/JustThePulp/TilemapTown/internal/config"
	"github.com/JustThePulp/TilemapTown/internal/gate"
	"github.com/JustThePulp/TilemapTown/internal/observability"
	"github.com/JustThePulp/TilemapTown/internal/server"
	"github.com/JustThePulp/TilemapTown/internal/storage/postgres"
	"github.com/JustThePulp/TilemapTown/internal/town"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting town server",
		zap.String("addr", cfg.Server.Addr()),
	)

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	store := postgres.NewStore(pool)

	world := town.NewWorld(cfg.Server, cfg.Tick, store, town.NewGridMap, logger)
	router := town.NewRouter(world, logger)
	handler := town.NewClientHandler(world, router, logger)

	acceptor := gate.NewAcceptor(cfg.Server, handler, logger)
	ticker := town.NewTicker(world, cfg.Tick, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("gate", acceptor)
	lifecycle.Add("tick", ticker)
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("town server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
