// Package logging builds the zap logger shared by every component. Lines go
// to stderr and carry the component name as a tag, e.g.
// "portal-bypass.engine".
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Name is the root tag on every log line.
const Name = "portal-bypass"

// New returns a console logger writing to w at the given level
// ("debug", "info", "warn", "error"). A nil w means stderr.
func New(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if w == nil {
		w = os.Stderr
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.StacktraceKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core).Named(Name), nil
}

// Printf adapts a logger to the printf-style hooks third-party engines expose.
func Printf(l *zap.Logger) func(format string, args ...any) {
	s := l.Sugar()
	return func(format string, args ...any) {
		s.Debugf(format, args...)
	}
}
