package logging

import (
	"github.com/sirupsen/logrus"

	"spyglass/pkg/config"
)

// Logger is the logger type handed around the service. Aliased so callers
// depend on this package rather than on logrus directly.
type Logger = *logrus.Logger

// Fields carries structured key/value pairs attached to a log entry.
type Fields = logrus.Fields

// NewLogger creates a JSON logger at the level configured by LOG_LEVEL.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger that stamps every entry with the
// service name, so aggregated logs stay attributable.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger = logger.WithField("service", serviceName).Logger
	return logger
}
