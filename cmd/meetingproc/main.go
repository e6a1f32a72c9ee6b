package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/engine"
	"github.com/aau-zid/scheduLight/internal/greenlight"
	"github.com/aau-zid/scheduLight/internal/livestream"
	"github.com/aau-zid/scheduLight/internal/templates"
	"github.com/aau-zid/scheduLight/pkg/config"
	"github.com/aau-zid/scheduLight/pkg/database"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/redis"
)

func main() {
	fs := pflag.NewFlagSet("meetingproc", pflag.ExitOnError)
	dbFlags := config.RegisterDBFlags(fs)
	logFile := config.RegisterLogFileFlag(fs)
	preOpen := fs.IntP("pre_open", "p", 90, "pre open the meeting n minutes before the startDate")
	preStart := fs.IntP("pre_start", "P", 0, "pre start the meeting n minutes before the startDate")
	endAfter := fs.IntP("end_after", "a", 0, "end the meeting n minutes after the startDate")
	reminder := fs.IntP("reminder_minutes", "r", 0, "set the reminder to n minutes before the start of the meeting")
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewWorkerLogger("meetingProcessor", *logFile)
	config.LoadEnv(logger)

	logger.Info("Starting meeting processor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redis.NewClientFromURL(ctx, config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/1"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to broker")
	}
	b := broker.New(client, logger, config.GetEnvInt("KEEP_REDIS_CACHE", broker.DefaultKeepCacheSeconds))
	defer b.Close()

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

	streamer := livestream.New(livestream.Config{
		User:           config.GetEnv("STREAMER_SSH_USER", "root"),
		KeyPath:        config.GetEnv("STREAMER_SSH_KEY", ""),
		Password:       config.GetEnv("STREAMER_SSH_PASSWORD", ""),
		KnownHostsPath: config.GetEnv("STREAMER_KNOWN_HOSTS", ""),
		Insecure:       config.GetEnvBool("STREAMER_SSH_INSECURE", false),
	}, logger)

	eng := engine.New(engine.Config{
		PreOpenMinutes:  *preOpen,
		PreStartMinutes: *preStart,
		EndAfterMinutes: *endAfter,
		ReminderMinutes: *reminder,
	}, b, store, streamer, renderer, logger)

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Meeting processor stopped unexpectedly")
	}

	logger.Info("Shutting down")
	b.BgSave(context.Background())
}
