package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aau-zid/scheduLight/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger with a service field
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	// Add service name to all log entries
	logger = logger.WithField("service", serviceName).Logger

	return logger
}

// NewWorkerLogger creates a service logger that also appends to logFile when
// one is configured. The file handle stays open for the lifetime of the
// process.
func NewWorkerLogger(serviceName, logFile string) *logrus.Logger {
	logger := NewLoggerWithService(serviceName)
	if logFile == "" {
		return logger
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.WithError(err).Warnf("Failed to open log file %s", logFile)
		return logger
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return logger
}
