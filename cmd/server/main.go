package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vestibule-io/vestibule/internal/config"
	"github.com/vestibule-io/vestibule/internal/mocks"
	"github.com/vestibule-io/vestibule/internal/server"
)

const configFile = "vestibule.yaml"

func main() {
	setupLogging()
	log.Info().Msg("Starting server...")

	cfg, _, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFile).Msg("could not load configuration")
	}

	if cfg.DebugMode {
		for i := 1; i <= 2; i++ {
			if err := mocks.Start(cfg.HTTPPort+i, i); err != nil {
				log.Fatal().Err(err).Msg("could not start mock server")
			}
		}
	}

	reload := make(chan struct{}, 1)
	requestReload := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Each iteration serves one configuration snapshot; a reload
	// drains the current server and rebuilds from the latest file.
	for {
		srv, err := server.Build(configFile, requestReload)
		if err != nil {
			log.Fatal().Err(err).Msg("could not build server")
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case <-reload:
			log.Info().Msg("Reloading configuration...")
			shutdown(srv)
		case <-quit:
			log.Info().Msg("Shutting down...")
			shutdown(srv)
			log.Info().Msg("Graceful shutdown done !")
			return
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("server error")
			}
			return
		}
	}
}

func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if os.Getenv("LOG_FORMAT") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
}
