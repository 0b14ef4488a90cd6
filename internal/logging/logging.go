// Package logging configures the process-wide structured logger, grounded
// on the teacher's main.go logrus setup.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a JSON-formatted logrus logger writing to stdout, with level
// read from LOG_LEVEL (default info).
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
