package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"diagram-collab-server/access"
	"diagram-collab-server/api"
	"diagram-collab-server/auth"
	"diagram-collab-server/config"
	"diagram-collab-server/hub"
	"diagram-collab-server/metrics"
	"diagram-collab-server/protocol"
	"diagram-collab-server/sse"
	"diagram-collab-server/store"
	"diagram-collab-server/store/memstore"
	"diagram-collab-server/store/sqlitestore"
	ws "diagram-collab-server/websocket"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	presence := hub.New(m)
	relay := sse.NewRelay(m)
	m.WatchPresence(presence.Stats)
	m.WatchListeners(relay.Listeners)

	verifier := auth.NewVerifier(cfg.SecretKey)
	guard := access.NewGuard(st)
	handler := protocol.NewHandler(presence, st, m)
	wsServer := ws.NewServer(verifier, guard, presence, handler, cfg.AllowedOrigins)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/diagram/{id}", wsServer)
	mux.Handle("GET /sse/diagram/{id}", auth.Middleware(verifier, sse.NewHandler(relay, guard, cfg.SSEHeartbeat)))
	api.New(st, guard, relay, verifier).Register(mux)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /stats", statsHandler(presence, relay))
	mux.Handle("GET /metrics", m.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Addr, "database", cfg.DatabasePath)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		relay.Close()
		err := server.Shutdown(shutdownCtx)
		if wsErr := wsServer.Shutdown(shutdownCtx); wsErr != nil {
			slog.Error("websocket shutdown error", "error", wsErr)
		}
		return err
	})

	return g.Wait()
}

func setupLogger(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabasePath == "" {
		slog.Warn("DATABASE_PATH not set, keeping documents in memory")
		return memstore.New(), nil
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:     cfg.DatabasePath,
		PoolSize: cfg.DatabasePoolSize,
		Logger:   slog.Default(),
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(presence *hub.Hub, relay *sse.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, clients := presence.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"rooms":     rooms,
			"clients":   clients,
			"listeners": relay.Listeners(),
		})
	}
}
