package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures the process logger. When filePath is set, entries are
// mirrored to the session log file in addition to stderr.
func Setup(level string, jsonFormat bool, filePath string) *logrus.Logger {
	log := logrus.New()
	if jsonFormat {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	if filePath == "" {
		log.SetOutput(os.Stderr)
		return log
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.SetOutput(os.Stderr)
		log.WithError(err).Error("could not open session log file")
		return log
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return log
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without an explicit logger.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
