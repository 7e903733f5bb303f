package serverlogger

import (
	"github.com/livekit/protocol/logger"
	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"
)

// implements pion's logging.LoggerFactory on top of a protocol logger
type loggerFactory struct {
	logger logger.Logger
	level  zapcore.Level
}

// NewLoggerFactory returns a factory for the pion dtls stack. Messages below
// level are dropped; valid levels: debug, info, warn, error. An empty or
// invalid level means info. Trace messages are always dropped.
func NewLoggerFactory(l logger.Logger, level string) logging.LoggerFactory {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	return &loggerFactory{
		logger: l,
		level:  lvl,
	}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		logger: f.logger.WithName(scope),
		level:  f.level,
	}
}
