package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"main/internal/config"
	"main/internal/database"
	"main/internal/server"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	srv, err := server.New(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	log.Info().Msg("starting server on :9999")
	if err := srv.Run(":9999"); err != nil {
		log.Fatal().Err(err).Msg("failed to run server")
	}
}
