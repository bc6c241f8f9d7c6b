package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/fabric"
	"github.com/mingleapp/chatd/internal/identity"
	"github.com/mingleapp/chatd/internal/server"
	"github.com/mingleapp/chatd/internal/storage/sqlite"
)

func main() {
	cfg := config.LoadServerConfig()

	var log zerolog.Logger
	if cfg.IsDevelopment() {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var fab fabric.Fabric
	if cfg.RedisURL != "" {
		redisFabric, err := fabric.NewRedis(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("init redis fabric")
		}
		defer redisFabric.Close()
		fab = redisFabric
		log.Info().Msg("fabric: redis")
	} else {
		fab = fabric.NewLocal()
		log.Info().Msg("fabric: in-process")
	}

	ids := identity.NewService(store, cfg.JWT)
	app := server.NewApp(cfg, store, fab, ids, log)

	log.Info().Str("addr", cfg.ListenAddr).Msg("chatd listening")
	if err := app.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server shutdown")
	}
}
