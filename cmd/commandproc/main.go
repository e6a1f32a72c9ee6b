package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/commands"
	"github.com/aau-zid/scheduLight/internal/greenlight"
	"github.com/aau-zid/scheduLight/internal/templates"
	"github.com/aau-zid/scheduLight/pkg/config"
	"github.com/aau-zid/scheduLight/pkg/database"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/redis"
)

func main() {
	fs := pflag.NewFlagSet("commandproc", pflag.ExitOnError)
	dbFlags := config.RegisterDBFlags(fs)
	logFile := config.RegisterLogFileFlag(fs)
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewWorkerLogger("commandProcessor", *logFile)
	config.LoadEnv(logger)

	logger.Info("Starting command processor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redis.NewClientFromURL(ctx, config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/1"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to broker")
	}
	b := broker.New(client, logger, config.GetEnvInt("KEEP_REDIS_CACHE", broker.DefaultKeepCacheSeconds))
	defer b.Close()

	if err := b.EnsureGroup(ctx, broker.CommandStream, broker.CommandGroup); err != nil {
		logger.WithError(err).Fatal("Failed to create command consumer group")
	}

	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbFlags.URL()
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	store := greenlight.NewStore(db, logger)
	if err := store.CheckCompatibility(ctx); err != nil {
		logger.WithError(err).Fatal("Greenlight schema is not compatible")
	}

	renderer, err := templates.New()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load mail templates")
	}

	processor := commands.New(b, store, renderer, logger)
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Command processor stopped unexpectedly")
	}

	logger.Info("Shutting down")
	b.BgSave(context.Background())
}
