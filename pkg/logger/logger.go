// Package logger provides the process-wide structured logger, adapted from
// shared/pkg/logger/logger.go: level/format selection by environment, plus
// small WithX helpers that attach request/task/run context fields.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var instance *logrus.Logger

// InitLogger configures and installs the global logger.
func InitLogger(logLevel string, isDevelopment bool) *logrus.Logger {
	log := logrus.New()

	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			if isDevelopment {
				logLevel = "debug"
			} else {
				logLevel = "info"
			}
		}
	}

	if level, err := logrus.ParseLevel(strings.ToLower(logLevel)); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithField("invalid_level", logLevel).Warn("invalid LOG_LEVEL, using info")
	}

	if !isDevelopment || strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}

	log.SetOutput(os.Stdout)
	instance = log
	return log
}

// Get returns the global logger, initializing it with conservative
// defaults if InitLogger hasn't run yet.
func Get() *logrus.Logger {
	if instance == nil {
		return InitLogger("info", false)
	}
	return instance
}

// WithComponent tags log lines with the emitting core component (cache,
// scheduler, correlation, oddsstore, montecarlo, optimizer).
func WithComponent(name string) *logrus.Entry {
	return Get().WithField("component", name)
}

// WithRequestID tags log lines with the inbound request's correlation id.
func WithRequestID(requestID string) *logrus.Entry {
	return Get().WithField("request_id", requestID)
}

// WithTask tags log lines with a scheduler task name and execution id.
func WithTask(taskName, execID string) *logrus.Entry {
	return Get().WithFields(logrus.Fields{
		"task_name":    taskName,
		"execution_id": execID,
	})
}

// WithRun tags log lines with an optimization or simulation run key.
func WithRun(runKey string) *logrus.Entry {
	return Get().WithField("run_key", runKey)
}
