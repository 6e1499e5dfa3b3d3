package logging

import (
	"os"

	"github.com/Domenick1991/hostelpay/config"
	"github.com/sirupsen/logrus"
)

// New builds the process logger. Format "text" switches to the human-readable
// formatter; anything else logs JSON.
func New(cfg config.LogConfig, service string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger.WithField("service", service)
}
