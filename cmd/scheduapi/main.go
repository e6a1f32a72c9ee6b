package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/aau-zid/scheduLight/internal/admin"
	"github.com/aau-zid/scheduLight/internal/broker"
	"github.com/aau-zid/scheduLight/pkg/config"
	"github.com/aau-zid/scheduLight/pkg/logging"
	"github.com/aau-zid/scheduLight/pkg/monitoring"
	"github.com/aau-zid/scheduLight/pkg/redis"
	"github.com/aau-zid/scheduLight/pkg/server"
	"github.com/aau-zid/scheduLight/pkg/version"
)

func main() {
	fs := pflag.NewFlagSet("scheduapi", pflag.ExitOnError)
	logFile := config.RegisterLogFileFlag(fs)
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewWorkerLogger("scheduapi", *logFile)
	config.LoadEnv(logger)

	logger.Info("Starting scheduLight admin API")

	ctx := context.Background()
	client, err := redis.NewClientFromURL(ctx, config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/1"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to broker")
	}
	b := broker.New(client, logger, config.GetEnvInt("KEEP_REDIS_CACHE", broker.DefaultKeepCacheSeconds))
	defer b.Close()

	healthChecker := monitoring.NewHealthChecker("scheduapi", version.Version)
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(client))
	metricsCollector := monitoring.NewMetricsCollector("scheduapi", version.Version, version.GitCommit)

	router := server.SetupRouter(logger, "scheduapi")
	router.Use(metricsCollector.MetricsMiddleware())
	router.GET("/health", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())

	admin.New(b, logger).RegisterRoutes(router)

	serverConfig := server.DefaultConfig("scheduapi", "8008")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
	b.BgSave(ctx)
}
