// Package logging builds the process-wide structured logger, the same way
// the teacher's miner.initLogger does: a JSON encoder over a
// zap.AtomicLevel so the level can be raised or lowered without rebuilding
// the logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var atom = zap.NewAtomicLevel()

func selectLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// New builds the root logger at level. The returned Setter lets a config
// watcher raise or lower verbosity in place without touching every child
// logger already handed out via Named.
func New(level string) (*zap.Logger, Setter) {
	atom.SetLevel(selectLevel(level))
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atom,
	))
	return logger, SetLevel
}

// Setter mutates the shared atomic level.
type Setter func(level string)

// SetLevel updates the process-wide log level in place.
func SetLevel(level string) {
	atom.SetLevel(selectLevel(level))
}
