// Package applog builds the rotating console+file zap logger shared by
// both binaries, grounded on the teacher's createLogger.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at level that writes to stdout and to a
// timestamped file under logDir/<prefix>-<timestamp>.log, pruning
// older log files beyond maxFiles.
func New(prefix string, level string, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("applog: create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", prefix, ts))

	if maxFiles > 0 {
		files, _ := filepath.Glob(filepath.Join(logDir, prefix+"-*.log"))
		if len(files) > maxFiles {
			sort.Strings(files)
			for _, f := range files[:len(files)-maxFiles] {
				_ = os.Remove(f)
			}
		}
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return cfg.Build()
}
