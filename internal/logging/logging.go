// Package logging configures the single logrus.Logger every other package
// receives as a logrus.FieldLogger, matching the structured, leveled logging
// sbkg0002-ssm-proxy and runZeroInc-sockstats both use logrus for.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given level (parsed with
// logrus.ParseLevel; an invalid level falls back to Info), writing text
// output with full timestamps to stderr.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
