package serverlogger

import (
	"fmt"

	"github.com/livekit/protocol/logger"
	"go.uber.org/zap/zapcore"
)

// implements logging.LeveledLogger
type logAdapter struct {
	logger logger.Logger
	level  zapcore.Level
}

func (l *logAdapter) log(level zapcore.Level, msg string) {
	if level < l.level {
		return
	}

	switch level {
	case zapcore.DebugLevel:
		l.logger.Debugw(msg)
	case zapcore.InfoLevel:
		l.logger.Infow(msg)
	case zapcore.WarnLevel:
		l.logger.Warnw(msg, nil)
	default:
		l.logger.Errorw(msg, nil)
	}
}

func (l *logAdapter) Trace(msg string) {
	// ignore trace
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	// ignore trace
}

func (l *logAdapter) Debug(msg string) {
	l.log(zapcore.DebugLevel, msg)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.log(zapcore.DebugLevel, fmt.Sprintf(format, args...))
}

func (l *logAdapter) Info(msg string) {
	l.log(zapcore.InfoLevel, msg)
}

func (l *logAdapter) Infof(format string, args ...interface{}) {
	if l.level > zapcore.InfoLevel {
		return
	}
	l.log(zapcore.InfoLevel, fmt.Sprintf(format, args...))
}

func (l *logAdapter) Warn(msg string) {
	l.log(zapcore.WarnLevel, msg)
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	l.log(zapcore.WarnLevel, fmt.Sprintf(format, args...))
}

func (l *logAdapter) Error(msg string) {
	l.log(zapcore.ErrorLevel, msg)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	l.log(zapcore.ErrorLevel, fmt.Sprintf(format, args...))
}
