package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/mailworker"
	"github.com/aau-zid/scheduLight/pkg/config"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/redis"
)

func main() {
	fs := pflag.NewFlagSet("mailproc", pflag.ExitOnError)
	logFile := config.RegisterLogFileFlag(fs)
	noEmails := fs.BoolP("no_emails", "n", false, "prevent sending of emails")
	debugEmails := fs.BoolP("debug_emails", "d", false, "print mails instead of sending them")
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewWorkerLogger("mailProcessor", *logFile)
	config.LoadEnv(logger)

	logger.Info("Starting mail processor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redis.NewClientFromURL(ctx, config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/1"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to broker")
	}
	b := broker.New(client, logger, config.GetEnvInt("KEEP_REDIS_CACHE", broker.DefaultKeepCacheSeconds))
	defer b.Close()

	if err := b.EnsureGroup(ctx, broker.MailStream, broker.MailGroup); err != nil {
		logger.WithError(err).Fatal("Failed to create mail consumer group")
	}

	worker := mailworker.New(b, logger, mailworker.Options{
		NoEmails:    *noEmails,
		DebugEmails: *debugEmails,
	})
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Mail processor stopped unexpectedly")
	}

	logger.Info("Shutting down")
	b.BgSave(context.Background())
}
