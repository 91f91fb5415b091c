// Package logging sets up the kernel's structured logger. The kernel
// logs one event per line with a handful of fields (pid, op, reason)
// rather than free-form printf traces.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the kernel-wide logger. level is a logrus level name
// ("debug", "info", "warn", ...); an empty or invalid name defaults to
// info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
