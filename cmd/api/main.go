package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/tenantledger/internal/api"
	"github.com/punchamoorthee/tenantledger/internal/app"
	"github.com/punchamoorthee/tenantledger/internal/config"
	"github.com/punchamoorthee/tenantledger/internal/logger"
	"github.com/punchamoorthee/tenantledger/internal/payroll"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "tenantledger-api"})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}

	scheduler := payroll.NewScheduler(log, a.Jobs()...)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("scheduler start failed", zap.Error(err))
	}
	defer scheduler.Stop()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; tenant is taken from the x-tenant-id header alone")
	}
	handler := api.NewHandler(a.Wallets, a.Store, a.Guard, tenant.NewGate(cfg.JWTSecret, api.PublicRoutes()...), log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	log.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend), zap.String("cache", cfg.CacheBackend))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server stopped")
}
