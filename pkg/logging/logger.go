package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogging initializes the process-wide logger. Debug mode uses the
// console encoder, everything else logs JSON.
func InitLogging(mode string) {
	var cfg zap.Config
	if mode == "debug" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	var err error
	logger, err = cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
}

// L returns the structured logger for call sites that want typed fields.
func L() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	L().Sugar().Infof(format, v...)
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	L().Sugar().Warnf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	L().Sugar().Errorf(format, v...)
}

// Sync flushes buffered log entries before shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
