// Package debug gates the reader's per-checkpoint trace logging. A log line
// per verified checkpoint is too hot for normal operation, so the flag sits
// in front of it and is checked lock-free on the verify path.
package debug

import (
	"os"
	"strconv"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	enabled.Store(fromEnv())
}

// Enabled reports whether per-checkpoint trace logging is on.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled flips per-checkpoint trace logging at runtime.
func SetEnabled(value bool) {
	enabled.Store(value)
}

// InitFromLogLevel enables tracing when the configured log level is debug,
// unless an environment variable already decided.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("ARCHIVE_DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		enabled.Store(logLevel == "debug")
	}
}

// fromEnv reads the initial flag: ARCHIVE_DEBUG wins, LOG_LEVEL=debug is the
// fallback.
func fromEnv() bool {
	if v := os.Getenv("ARCHIVE_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return os.Getenv("LOG_LEVEL") == "debug"
}
