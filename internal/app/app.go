package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"notesync/internal/retention"
	"notesync/pkg/api"
	"notesync/pkg/auth"
	"notesync/pkg/banner"
	"notesync/pkg/config"
	"notesync/pkg/logger"
	"notesync/pkg/room"
	"notesync/pkg/snapshot"
	"notesync/pkg/store"
	syncws "notesync/pkg/sync"
)

// App owns the assembled server: storage, room registry, snapshotter,
// websocket sync endpoint and REST surface.
type App struct {
	eff     config.EffectiveConfigResult
	version string

	registry *room.Registry
	snaps    *snapshot.Snapshotter
	srv      *http.Server
}

// New validates the effective config and assembles the application. The
// store is not opened until Run.
func New(eff config.EffectiveConfigResult, version string) (*App, error) {
	cfg := eff.Config
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if eff.DBPath == "" {
		return nil, errors.New("db path required")
	}
	if cfg.Collab.LivenessMultiplier <= 0 {
		return nil, fmt.Errorf("liveness_multiplier must be positive, got %d", cfg.Collab.LivenessMultiplier)
	}
	if cfg.Collab.Heartbeat <= 0 {
		return nil, errors.New("heartbeat must be positive")
	}
	return &App{eff: eff, version: version}, nil
}

// Run opens storage, wires the collaboration core and serves until the
// context is canceled, then shuts down gracefully with a final snapshot
// pass.
func (a *App) Run(ctx context.Context) error {
	cfg := a.eff.Config
	logger.InitWithLevel(cfg.Logging.Level)
	banner.PrintWithEff(a.eff, a.version)

	if err := store.Open(a.eff.DBPath); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	db := store.Adapter{}
	a.registry = room.NewRegistry(db, room.Options{
		Grace:        time.Duration(cfg.Collab.RoomGrace),
		Heartbeat:    time.Duration(cfg.Collab.Heartbeat),
		LivenessMult: cfg.Collab.LivenessMultiplier,
	})
	a.snaps = snapshot.New(db, a.registry,
		time.Duration(cfg.Collab.SnapshotInterval), cfg.Collab.SnapshotOps)
	a.registry.SetHooks(a.snaps.Watch, a.snaps.Final)

	resolver := auth.NewResolver(cfg.Security.SessionHeaders)
	wsHandler := syncws.NewHandler(a.registry, resolver, db,
		int64(cfg.Collab.MaxFrameBytes), cfg.Collab.MalformedBurst)
	restHandler := api.NewHandler(a.registry, a.snaps, "docs/openapi.yaml")

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	wsHandler.Register(r)
	restHandler.Register(r)

	a.srv = &http.Server{
		Addr:         a.eff.Addr,
		Handler:      corsMiddleware(cfg.Security.CORS.AllowedOrigins, r),
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}

	stopRetention, err := retention.Start(ctx, cfg.Retention)
	if err != nil {
		return fmt.Errorf("starting retention: %w", err)
	}
	defer stopRetention()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server_listening", "addr", a.eff.Addr)
		var serr error
		if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
			serr = a.srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serr = a.srv.ListenAndServe()
		}
		if errors.Is(serr, http.ErrServerClosed) {
			return nil
		}
		return serr
	})

	g.Go(func() error {
		err := a.snaps.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(cfg.Collab.Heartbeat))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				a.registry.SweepPresence(now)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server_shutdown_error", "error", err)
		}
		for _, sess := range a.registry.Sessions() {
			a.snaps.Final(sess)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server_stopped")
	return err
}

func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-User-Name, X-Can-Write")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
