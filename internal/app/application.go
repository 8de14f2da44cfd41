package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"proctor/internal/api"
	"proctor/internal/auth"
	"proctor/internal/config"
	"proctor/internal/database"
	"proctor/internal/dispatcher"
	"proctor/internal/engine"
	"proctor/internal/reaper"
	"proctor/internal/recovery"
	"proctor/internal/registry"
	"proctor/internal/websocket"
	pkgdatabase "proctor/pkg/database"
)

// Application coordinates all system components. Initialization follows
// strict dependency order: Store → Engine → Registry → Recovery →
// Dispatcher → Reaper → API → HTTP.
type Application struct {
	config     *config.Config
	store      *database.Store
	registry   *registry.Registry
	reaper     *reaper.Reaper
	apiServer  *api.Server
	httpServer *http.Server
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	store, err := database.NewStore(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	mcqEngine := engine.NewMCQEngine(store)
	reg := registry.NewRegistry()
	coordinator := recovery.NewCoordinator(store, mcqEngine)
	disp := dispatcher.New(reg, coordinator, mcqEngine, store, cfg.Session.AllowRetake)
	idleReaper := reaper.NewReaper(reg, cfg.Session.ReapInterval, cfg.Session.MaxIdle)

	apiServer := api.NewServer(store, reg, verifier)
	wsHandler := websocket.NewHandler(reg, disp, store, verifier, cfg.WebSocket)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws/assessment", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		registry:   reg,
		reaper:     idleReaper,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start begins serving. The idle reaper starts before the HTTP server so
// connections admitted during startup are covered from the first sweep.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting proctor on %s", app.httpServer.Addr)

	if err := app.reaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start idle reaper: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.reaper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("proctor started")
		return nil
	case <-ctx.Done():
		app.reaper.Stop()
		return ctx.Err()
	}
}

// Stop shuts down in reverse dependency order: HTTP → reaper → registry →
// store. Disconnected users resume where they left off, so teardown closes
// connections without touching assessment state.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down proctor")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.reaper.Stop()
	app.registry.CloseAll()

	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("proctor shutdown complete")
	return nil
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
