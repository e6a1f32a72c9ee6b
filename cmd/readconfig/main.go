package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/internal/loader"
	"github.com/aau-zid/scheduLight/pkg/config"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/redis"
)

func main() {
	fs := pflag.NewFlagSet("readconfig", pflag.ExitOnError)
	logFile := config.RegisterLogFileFlag(fs)
	configFile := fs.StringP("configFile", "c", "./config.yml", "path to config file in yaml format")
	importCSV := fs.StringP("importCSV", "i", "", "path to meetings csv file to import")
	deleteMeetings := fs.BoolP("delete_meetings", "d", false, "delete meetings from the broker if they were removed from the config file")
	keepCache := fs.IntP("keep_redis_cache", "k", broker.DefaultKeepCacheSeconds, "keep the status and config in the broker cache for n seconds")
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewWorkerLogger("readConfig", *logFile)
	config.LoadEnv(logger)

	ctx := context.Background()
	client, err := redis.NewClientFromURL(ctx, config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/1"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to broker")
	}
	b := broker.New(client, logger, *keepCache)
	defer b.Close()

	l := loader.New(b, logger, loader.Options{DeleteRemoved: *deleteMeetings})

	if *importCSV != "" {
		logger.WithField("csv", *importCSV).Info("Importing meetings into config file")
		if err := l.ImportCSV(*configFile, *importCSV); err != nil {
			logger.WithError(err).Fatal("CSV import failed")
		}
		return
	}

	logger.WithField("config", *configFile).Info("Loading config")
	if err := l.Load(ctx, *configFile); err != nil {
		logger.WithError(err).Fatal("Config load failed")
	}
	b.BgSave(ctx)
}
