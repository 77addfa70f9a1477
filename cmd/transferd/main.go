package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudporter/cloudporter/internal/api"
	"github.com/cloudporter/cloudporter/internal/config"
	"github.com/cloudporter/cloudporter/internal/executor"
	"github.com/cloudporter/cloudporter/internal/index"
	"github.com/cloudporter/cloudporter/internal/provider"
	"github.com/cloudporter/cloudporter/internal/scheduler"
	"github.com/cloudporter/cloudporter/internal/store"
	"github.com/cloudporter/cloudporter/internal/wallet"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	idx := index.NewRedis(rdb, log)
	jobs := store.NewPostgres(db, idx)
	history := store.NewPgHistory(db)
	ledger := wallet.NewPg(db)

	registry := provider.NewRegistry()
	registry.Register(provider.KindWebDAV, provider.NewWebDAV)
	registry.Register(provider.KindMemory, provider.NewMemory)
	resolver := provider.NewPgResolver(db, registry)

	exec := executor.New(jobs, resolver, ledger, history, idx, cfg.CostPerGiBCents, log)

	sched := scheduler.New(jobs, exec, scheduler.NewPgLock(db, cfg.SchedulerLockKey), scheduler.Config{
		PollInterval:      cfg.PollInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		StaleAfter:        cfg.StaleAfter,
	}, log)
	sched.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.New(jobs, idx, log).Router(),
	}
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	log.Info("bye")
}
