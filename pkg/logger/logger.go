// Package logger builds the service's zap logger, optionally writing to a rotated file.
package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig controls log file rotation.
type RotationConfig struct {
	Filename   string // log file path
	MaxSize    int    // megabytes per file
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// New returns a JSON logger at the given level writing to stdout, and also to
// logFile when it is non-empty.
func New(level string, logFile string) (*zap.Logger, error) {
	if strings.TrimSpace(logFile) == "" {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
		config.EncoderConfig = encoderConfig()
		return config.Build()
	}
	return NewWithRotation(level, RotationConfig{Filename: logFile, Compress: true}), nil
}

// NewWithRotation returns a logger that tees stdout and a lumberjack-rotated file.
func NewWithRotation(level string, rotation RotationConfig) *zap.Logger {
	if rotation.MaxSize == 0 {
		rotation.MaxSize = 100
	}
	if rotation.MaxBackups == 0 {
		rotation.MaxBackups = 3
	}
	if rotation.MaxAge == 0 {
		rotation.MaxAge = 28
	}

	fileWriter := &lumberjack.Logger{
		Filename:   rotation.Filename,
		MaxSize:    rotation.MaxSize,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAge,
		Compress:   rotation.Compress,
	}

	atomicLevel := zap.NewAtomicLevelAt(ParseLevel(level))
	encoder := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), atomicLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(fileWriter), atomicLevel),
	)
	return zap.New(core, zap.AddCaller())
}

// ParseLevel maps a textual level onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.CallerKey = "caller"
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.LevelKey = "level"
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.MessageKey = "msg"
	return cfg
}
