package log

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a shared go-kit logger.
// TODO: remove once all components accept an injected logger.
var Logger = log.NewNopLogger()

// InitLogger initialises the global logger according to the given level and
// format ("logfmt" or "json").
func InitLogger(logLevel, logFormat string) (log.Logger, error) {
	var logger log.Logger
	switch logFormat {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	case "logfmt", "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unknown log format: %s", logFormat)
	}

	var lvl level.Option
	switch logLevel {
	case "debug":
		lvl = level.AllowDebug()
	case "info", "":
		lvl = level.AllowInfo()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level: %s", logLevel)
	}

	logger = level.NewFilter(logger, lvl)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	Logger = logger
	return logger, nil
}

// WithUserID returns a Logger that has information about the current user in
// its details.
func WithUserID(userID string, l log.Logger) log.Logger {
	return log.With(l, "org_id", userID)
}
