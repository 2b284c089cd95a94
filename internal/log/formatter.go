// Package log configures the logrus output of the daemon.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NewFormatter returns the formatter used by tanksync. JSON output is meant for log
// collectors on gateways, text output for a console.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339,
		DisableSorting:   false,
		QuoteEmptyFields: true,
	}
}

// Setup parses the level and installs the formatter on the standard logger
func Setup(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(NewFormatter(json))
	return nil
}
