// Package env provides typed helpers for reading configuration from the
// process environment. Durations accept extended syntax such as "30m",
// "24h", "1d" or "90s" via str2duration.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/openlms/engage/logger"
)

// String returns the value of key, or def when unset or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Bool returns the boolean value of key, or def when unset or unparseable.
// Accepts the strconv.ParseBool forms plus "yes"/"no" and "on"/"off".
func Bool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns the integer value of key, or def when unset or unparseable.
func Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration returns the duration value of key, or def when unset or
// unparseable.
func Duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not
// found, look it up in the environment and fall back to defaultValue.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// LogLevel resolves the log level from the log-level flag, then the
// ENGAGE_LOG_LEVEL environment value, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	switch strings.ToLower(FlagOrEnv(cmd, "log-level", "ENGAGE_LOG_LEVEL", "info")) {
	case "trace":
		return logger.LevelTrace
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	}
	return logger.LevelInfo
}

// NewLogger returns a console logger at the level resolved by LogLevel.
func NewLogger(cmd *cobra.Command) logger.Logger {
	return logger.NewConsoleLogger(LogLevel(cmd))
}
