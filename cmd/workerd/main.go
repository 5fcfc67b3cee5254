package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/taskfleet/internal/agent"
	"github.com/example/taskfleet/internal/observability"
)

func main() {
	cfg := agent.FromEnv()

	shutdownTrace, err := observability.InitTracingFromEnv("taskfleet-worker")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifacts, err := agent.NewArtifactStore(cfg)
	if err != nil {
		log.Fatalf("artifact store: %v", err)
	}

	if err := agent.Register(ctx, cfg); err != nil {
		// The dispatcher may come up after us; heartbeats will retry.
		log.Printf("initial registration failed: %v", err)
	}

	hb := agent.NewHeartbeat(cfg)
	go hb.Start(ctx)

	exec := agent.NewExecutor(cfg, artifacts, hb)
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	exec.SetupRoutes(router)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("taskfleet worker %s (%s) listening on %s", cfg.WorkerID, cfg.Kind, cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("worker failed: %v", err)
	}
	log.Printf("taskfleet worker %s shutting down", cfg.WorkerID)
}
