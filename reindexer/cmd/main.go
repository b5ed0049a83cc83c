package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"notesrag/app/server"
	"notesrag/config"
	"notesrag/reindexer/service"
)

func init() {
	mustLoadEnvVariables()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration: ", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := server.Build(ctx, cfg, slog.Default())
	if err != nil {
		log.Fatal("error to start services: ", err)
	}

	service.New(c.Notes, c.Index, c.Indexer, c.Metrics, cfg.Reindex.Interval).Run(ctx)

	log.Println("Closing index and database connections...")
	c.Close()
}

func mustLoadEnvVariables() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatal("Error loading .env file: ", err)
	}
}
