// Package logging builds the process-wide zap.Logger, constructed once
// in cmd/chainlb and passed down explicitly rather than kept as a
// package-level singleton (§9 "no hidden module-level state").
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger. level is parsed from the LOG_LEVEL
// environment convention (§6); an unrecognized or empty value defaults
// to info. json controls encoder selection: JSON for production,
// console for local development.
func New(level string, json bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "info", "":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// FromEnv reads LOG_LEVEL (and LOG_LEVEL_JSON, "1"/"true" to select JSON
// encoding; otherwise the console encoder is used) and builds a logger.
func FromEnv() (*zap.Logger, error) {
	level := os.Getenv("LOG_LEVEL")
	json := os.Getenv("LOG_LEVEL_JSON")
	return New(level, json == "1" || strings.EqualFold(json, "true"))
}
