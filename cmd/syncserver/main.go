// Package main runs the central sync server: the authoritative store
// and the HTTP API every branch pulls from and pushes to.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/server"
)

func main() {
	logging.Init(os.Stderr, logging.ParseLevel(os.Getenv("LOG_LEVEL")))
	log := logging.Get().WithComponent("syncserver")

	dbPath := envOr("SYNC_DB_PATH", "./central.db")
	listenAddr := envOr("SYNC_LISTEN_ADDR", ":8080")

	store, err := server.OpenStore(dbPath)
	if err != nil {
		log.Error("Failed to open central store", err)
		os.Exit(1)
	}
	defer store.Close()

	api := server.NewServer(store)
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      api.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Central sync server listening", map[string]interface{}{
		"addr": listenAddr,
		"db":   dbPath,
	})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("HTTP server failed", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
