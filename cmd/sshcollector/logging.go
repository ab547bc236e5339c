package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// setLogLevel configures the global logger. Debug adds the caller and full
// timestamps; critical keeps only fatal messages.
func setLogLevel(name string) error {
	level, err := parseLogLevel(name)
	if err != nil {
		return err
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	formatter := &log.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"}
	if level == log.DebugLevel {
		formatter.TimestampFormat = "2006-01-02 15:04:05.000"
		log.SetReportCaller(true)
	} else {
		log.SetReportCaller(false)
	}
	log.SetFormatter(formatter)
	return nil
}

func parseLogLevel(name string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error", "":
		return log.ErrorLevel, nil
	case "critical":
		return log.FatalLevel, nil
	default:
		return log.ErrorLevel, errors.Errorf("unknown log level %q", name)
	}
}
