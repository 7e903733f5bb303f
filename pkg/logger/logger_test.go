package serverlogger

import (
	"testing"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	logger.Logger

	name  string
	lines *[]string
}

func (r *recordingLogger) WithName(name string) logger.Logger {
	return &recordingLogger{Logger: r.Logger, name: name, lines: r.lines}
}

func (r *recordingLogger) Debugw(msg string, _ ...interface{}) {
	*r.lines = append(*r.lines, r.name+" debug "+msg)
}

func (r *recordingLogger) Infow(msg string, _ ...interface{}) {
	*r.lines = append(*r.lines, r.name+" info "+msg)
}

func (r *recordingLogger) Warnw(msg string, _ error, _ ...interface{}) {
	*r.lines = append(*r.lines, r.name+" warn "+msg)
}

func (r *recordingLogger) Errorw(msg string, _ error, _ ...interface{}) {
	*r.lines = append(*r.lines, r.name+" error "+msg)
}

func TestLoggerFactory(t *testing.T) {
	var lines []string
	base := &recordingLogger{Logger: logger.GetLogger(), lines: &lines}

	l := NewLoggerFactory(base, "warn").NewLogger("dtls")
	l.Trace("t")
	l.Debugf("d %d", 1)
	l.Info("i")
	l.Warnf("w %s", "x")
	l.Error("e")
	require.Equal(t, []string{"dtls warn w x", "dtls error e"}, lines)

	lines = nil
	l = NewLoggerFactory(base, "").NewLogger("srtp")
	l.Debug("d")
	l.Infof("i %d", 2)
	require.Equal(t, []string{"srtp info i 2"}, lines)

	lines = nil
	l = NewLoggerFactory(base, "debug").NewLogger("dtls")
	l.Tracef("t %d", 1)
	l.Debug("d")
	require.Equal(t, []string{"dtls debug d"}, lines)

	// invalid level falls back to info
	lines = nil
	l = NewLoggerFactory(base, "chatty").NewLogger("dtls")
	l.Debug("d")
	l.Info("i")
	require.Equal(t, []string{"dtls info i"}, lines)
}
