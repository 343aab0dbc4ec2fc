// Package observability contains logging setup and other observability
// utilities.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zy643208/gearmand/pkg/api"
	"github.com/zy643208/gearmand/pkg/config"
)

// Setup builds the process logger from cfg, installs it as the zap global,
// and returns it. The caller should defer logger.Sync().
//
// Levels accept both the usual zap names and the engine's verbosity names
// (fatal, error, info, debug, crazy), so a config written against the
// session's -v scale works unchanged.
func Setup(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	cores := make([]zapcore.Core, 0, len(cfg.Outputs))
	for _, out := range cfg.Outputs {
		ws, err := openSink(out, cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(cfg), ws, level))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg), zapcore.AddSync(os.Stderr), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// ParseLevel maps a config level name onto a zap level. The engine's
// verbosity scale folds in: FATAL and ERROR collapse onto zap's error
// level, CRAZY onto debug.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fatal", "error":
		return zap.ErrorLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "debug", "crazy":
		return zap.DebugLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// ZapLevel converts an engine verbosity into the zap level a line should
// be written at.
func ZapLevel(v api.Verbose) zapcore.Level {
	switch v {
	case api.VerboseFatal, api.VerboseError:
		return zap.ErrorLevel
	case api.VerboseInfo:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

func newEncoder(cfg config.LogConfig) zapcore.Encoder {
	if strings.ToLower(cfg.Format) == "json" {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	enc := zap.NewDevelopmentEncoderConfig()
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(enc)
}

// openSink resolves one configured output. File outputs rotate through
// lumberjack when rotation is enabled; otherwise they append, creating
// parent directories as needed.
func openSink(out string, cfg config.LogConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}

	if cfg.Rotation.Enable {
		name := out
		if f := strings.TrimSpace(cfg.Rotation.Filename); f != "" {
			name = f
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   name,
			MaxSize:    max(cfg.Rotation.MaxSizeMB, 10),
			MaxBackups: max(cfg.Rotation.MaxBackups, 1),
			MaxAge:     max(cfg.Rotation.MaxAgeDays, 7),
			Compress:   cfg.Rotation.Compress,
		}), nil
	}

	if dir := filepath.Dir(out); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
