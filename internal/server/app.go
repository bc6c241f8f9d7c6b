package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/fabric"
	"github.com/mingleapp/chatd/internal/identity"
	"github.com/mingleapp/chatd/internal/storage"
)

// App coordinates the HTTP surface, websocket sessions, and room routing.
type App struct {
	cfg      config.ServerConfig
	store    storage.Store
	fabric   fabric.Fabric
	ids      *identity.Service
	verifier identity.TokenVerifier
	profiles identity.ProfileProvider
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewApp constructs a server instance using the provided dependencies.
func NewApp(cfg config.ServerConfig, store storage.Store, fab fabric.Fabric, ids *identity.Service, log zerolog.Logger) *App {
	return &App{
		cfg:      cfg,
		store:    store,
		fabric:   fab,
		ids:      ids,
		verifier: identity.NewJWTVerifier(cfg.JWT),
		profiles: ids,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        a.cfg.ListenAddr,
		Handler:     a.Router(),
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
