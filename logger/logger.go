// Package logger configures the process-wide operational logger. Audit
// events live in the signed log chain on the drive; this logger only carries
// operational diagnostics and never secret material.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

func Init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.InfoLevel)
	if os.Getenv("URSAFE_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
