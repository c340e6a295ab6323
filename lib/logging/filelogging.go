package logging

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/ziflex/lecho/v3"
)

// Logger builds the process-wide lecho logger. Output goes to STDOUT
// unless a log file is configured; file names carry the startup date
// so restarts append to the day's log instead of clobbering it.
func Logger(logFilePath, level string) *lecho.Logger {
	logger := lecho.New(
		os.Stdout,
		lecho.WithLevel(parseLevel(level)),
		lecho.WithTimestamp(),
	)
	if logFilePath != "" {
		file, err := openLogFile(logFilePath)
		if err != nil {
			logger.Errorf("Failed to open log file, keeping stdout: %v", err)
			return logger
		}
		logger.SetOutput(file)
	}
	return logger
}

func parseLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "info":
		return log.INFO
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.DEBUG
	}
}

func openLogFile(path string) (*os.File, error) {
	suffix := time.Now().Format("2006-01-02")
	if ext := filepath.Ext(path); ext != "" {
		path = strings.TrimSuffix(path, ext) + "-" + suffix + ext
	} else {
		path = path + "-" + suffix
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
