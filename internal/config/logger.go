package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a JSON logger writing to stdout. An unknown level falls back to info.
func NewLogger(level string) *logrus.Logger {
	return newLogger(level, os.Stdout)
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	logg := logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logg.SetLevel(logrus.InfoLevel)
		logg.WithField("level", level).Warn("unknown log level, using info")
		return logg
	}
	logg.SetLevel(lvl)
	return logg
}
