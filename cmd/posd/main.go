// Package main runs the branch device daemon: it owns the local store
// and operation queue, watches connectivity, and syncs against the
// central server. Local observers read status over HTTP and websocket
// on loopback.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/marcomamdouh99/newsync/internal/connectivity"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/queue"
	"github.com/marcomamdouh99/newsync/internal/store"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
	"github.com/marcomamdouh99/newsync/internal/ws"
)

func main() {
	logging.Init(os.Stderr, logging.ParseLevel(os.Getenv("LOG_LEVEL")))
	log := logging.Get().WithComponent("posd")

	dataDir := envOr("POS_DATA_DIR", "./data")
	branchID := os.Getenv("POS_BRANCH_ID")
	if branchID == "" {
		log.Error("POS_BRANCH_ID is required", nil)
		os.Exit(1)
	}
	serverURL := envOr("POS_SERVER_URL", "http://localhost:8080")
	listenAddr := envOr("POS_LISTEN_ADDR", "127.0.0.1:8090")

	db, err := store.Open(dataDir)
	if err != nil {
		log.Error("Failed to open local store", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Error("Failed to migrate local store", err)
		os.Exit(1)
	}

	q := queue.New(db, queue.Config{
		BranchID:   branchID,
		MaxRetries: envInt("POS_MAX_RETRIES", 0),
	})

	probe := connectivity.NewHTTPProbe(serverURL+"/sync/ping", envDuration("POS_PROBE_TIMEOUT", 0))
	monitor := connectivity.NewMonitor(probe, envDuration("POS_RECHECK_INTERVAL", 0))

	hub := ws.NewHub()

	api := syncengine.NewHTTPServerAPI(serverURL, 30*time.Second)
	cfg := syncengine.DefaultConfig()
	if interval := envDuration("POS_SYNC_INTERVAL", 0); interval > 0 {
		cfg.SyncInterval = interval
	}
	engine := syncengine.New(db, q, monitor, api, hub, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Initialize(ctx, branchID); err != nil {
		log.Error("Failed to initialize sync engine", err)
		os.Exit(1)
	}

	monitor.Subscribe(hub.OnConnectivityChange)
	monitor.Subscribe(engine.OnConnectivityChange)
	monitor.Check(ctx)

	go monitor.Run(ctx)
	go engine.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", statusHandler(db, q, monitor, hub))
	mux.Handle("GET /ws", hub)
	mux.HandleFunc("POST /sync/force", func(w http.ResponseWriter, r *http.Request) {
		result := engine.ForceSync(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Branch daemon listening", map[string]interface{}{
		"addr":      listenAddr,
		"branch_id": branchID,
		"server":    serverURL,
	})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("HTTP server failed", err)
		os.Exit(1)
	}
}

func statusHandler(db *store.DB, q *queue.OperationQueue, monitor *connectivity.Monitor, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		state, err := db.GetSyncState(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		dead, err := q.ListDead(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"online":         monitor.IsOnline(),
			"syncState":      state,
			"deadOperations": dead,
			"observers":      hub.ClientCount(),
		})
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
