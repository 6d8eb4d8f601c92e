package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/packrally/packrally/packrally"
	"github.com/packrally/packrally/packrally/database"
	"github.com/packrally/packrally/packrally/logger"
	"github.com/packrally/packrally/packrally/store"
	"github.com/packrally/packrally/packrally/sweeper"
	"github.com/packrally/packrally/packrally/utils"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := packrally.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}

	slog.SetDefault(slog.New(logger.NewHandler(cfg.Log.Level)))
	slog.Info("Starting PackRally coordination daemon",
		slog.String("version", version),
		slog.String("commit", commit))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dbStart := time.Now()
	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		logger.LogError("Database connection failed", err,
			slog.Duration("attempted_for", time.Since(dbStart)))
		os.Exit(-1)
	}
	defer db.Close()
	slog.Info("Database connected",
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStart)))

	if err := db.InitializeSchema(ctx); err != nil {
		logger.LogError("Failed to initialize database schema", err)
		os.Exit(-1)
	}

	nc, err := nats.Connect(cfg.Nats.URL,
		nats.Name("packrally-coordd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Disconnected from NATS", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Reconnected to NATS", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.LogError("NATS connection failed", err)
		os.Exit(-1)
	}
	defer nc.Close()
	slog.Info("NATS connected", slog.String("url", nc.ConnectedUrl()))

	st := store.NewPostgres(db.BunDB(), nc)

	interval := time.Duration(cfg.Sweeper.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	grace := time.Duration(cfg.Sweeper.GraceMinutes) * time.Minute
	if grace <= 0 {
		grace = 10 * time.Minute
	}

	bpm := utils.NewBackgroundProcessManager()
	sw := sweeper.New(st, interval, grace)
	bpm.StartProcess("room-sweeper", sw.Run)

	logger.LogSystem("Coordination daemon ready")

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
	<-s

	slog.Info("Shutting down...")
	bpm.StopAll()
}
