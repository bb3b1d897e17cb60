// Command migrate applies the SQL migrations to the store.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
)

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Parse()

	config.InitLogger(os.Getenv("LOG_LEVEL"), "console")

	url := os.Getenv("STORE_URL")
	if url == "" {
		log.Error().Msg("STORE_URL not set")
		os.Exit(1)
	}

	conn, err := sql.Open("postgres", url)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store connection")
		os.Exit(3)
	}
	defer conn.Close()

	migrator := db.NewMigrator(conn, *dir)
	if err := migrator.Up(context.Background()); err != nil {
		log.Error().Err(err).Msg("Migration failed")
		os.Exit(3)
	}
}
