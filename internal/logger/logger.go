// Package logger configures the broker's structured logger and hands out
// component-scoped children, matching the severity-tagged log sink the
// broker requires (debug, info, warn, error).
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "sessionbroker").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Broker creates a logger for link-state-machine and registry events.
func Broker() *zerolog.Logger {
	l := Log.With().Str("component", "broker").Logger()
	return &l
}

// Wire creates a logger for frame decode/encode failures.
func Wire() *zerolog.Logger {
	l := Log.With().Str("component", "wire").Logger()
	return &l
}

// HTTP creates a logger for WebSocket upgrade / accept-gate events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// Presence creates a logger for the optional Redis presence mirror.
func Presence() *zerolog.Logger {
	l := Log.With().Str("component", "presence").Logger()
	return &l
}
