package log

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogFilePath  = "./logs/eventchat.log"
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
	logFileDisabled     = "off"
)

var global atomic.Pointer[zap.SugaredLogger]

func init() {
	global.Store(newLoggerFromEnv().Sugar())
}

func newLoggerFromEnv() *zap.Logger {
	path := strings.TrimSpace(os.Getenv(envLogFilePath))
	if path == "" {
		path = defaultLogFilePath
	}

	maxSizeBytes := int64(defaultMaxSizeBytes)
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			maxSizeBytes = int64(sizeMB) * 1024 * 1024
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}

	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	return build(level, format, path, maxSizeBytes)
}

func build(level zapcore.Level, format, path string, maxSizeBytes int64) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoderCfg.EncodeCaller = zapcore.ShortCallerEncoder

	consoleCfg := encoderCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}
	if path != logFileDisabled {
		var fileEncoder zapcore.Encoder
		if format == logFormatJSON {
			fileEncoder = zapcore.NewJSONEncoder(encoderCfg)
		} else {
			fileEncoder = zapcore.NewConsoleEncoder(encoderCfg)
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, newRotatingFile(path, maxSizeBytes), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// Replace swaps the package logger, returning a func that restores the previous one.
func Replace(logger *zap.Logger) func() {
	prev := global.Swap(logger.Sugar())
	return func() { global.Store(prev) }
}

// Logger exposes the underlying zap logger for components that take one directly.
func Logger() *zap.Logger {
	return global.Load().Desugar().WithOptions(zap.AddCallerSkip(-1))
}

func Sync() {
	_ = global.Load().Sync()
}

func Debugf(format string, args ...any) {
	global.Load().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	global.Load().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	global.Load().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	global.Load().Errorf(format, args...)
}

// Exceptionf logs at error level with a stack trace attached.
func Exceptionf(format string, args ...any) {
	global.Load().With(zap.StackSkip("stack", 1)).Errorf(format, args...)
}
