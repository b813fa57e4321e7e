// Package observability provides logging and telemetry for gocohort.
//
// Two loggers exist: CLILogger renders human-facing command output through
// zap's console encoder, and the structured logger backs long-running
// components (driver, server). Telemetry exposes Prometheus collectors for
// the status server's /metrics endpoint.
package observability

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the console logger used by CLI commands.
//
// It is initialized to a sane default so package-level command code can log
// before root command setup runs; InitCLILogger reconfigures it with the
// resolved profile and verbosity.
var CLILogger = newCLILogger(false)

var (
	loggerMu         sync.Mutex
	structuredLogger *zap.Logger
)

// InitCLILogger reconfigures the CLI logger.
//
// profile selects the encoder ("CLI" and "test" use the console encoder,
// anything else the JSON encoder). verbose enables debug-level output.
func InitCLILogger(profile string, verbose bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	switch profile {
	case "", "CLI", "cli", "test":
		CLILogger = newCLILogger(verbose)
	default:
		CLILogger = newStructuredLogger(levelFor(verbose))
	}
}

// InitLogger configures the structured logger from a level name.
func InitLogger(level string) *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	structuredLogger = newStructuredLogger(lvl)
	return structuredLogger
}

// Logger returns the structured logger, initializing it at info level when
// no explicit InitLogger call happened.
func Logger() *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if structuredLogger == nil {
		structuredLogger = newStructuredLogger(zapcore.InfoLevel)
	}
	return structuredLogger
}

func levelFor(verbose bool) zapcore.Level {
	if verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func newCLILogger(verbose bool) *zap.Logger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = ""
	encoderCfg.LevelKey = ""
	encoderCfg.CallerKey = ""
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		levelFor(verbose),
	)
	return zap.New(core)
}

func newStructuredLogger(level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}
