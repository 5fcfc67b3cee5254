package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/taskfleet/internal/api"
	"github.com/example/taskfleet/internal/bootstrap"
	"github.com/example/taskfleet/internal/config"
	"github.com/example/taskfleet/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("taskfleet-dispatcher")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap control plane: %v", err)
	}
	defer cp.Close()
	cp.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server := api.NewServer(cp.Registry, cp.Dispatcher, cp.Queue, cp.Announcer)
	server.SetupRoutes(router)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("taskfleet dispatcher listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("dispatcher failed: %v", err)
	}
	log.Println("taskfleet dispatcher shutting down")
}
