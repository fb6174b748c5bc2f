package observability

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. level is a logrus level name
// (debug/info/warn/error); format is "json" or "text". Unknown values
// fall back to info/text.
func NewLogger(level, format string, output io.Writer) *logrus.Logger {
	log := logrus.New()
	if output != nil {
		log.SetOutput(output)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
