package modelcache

import "go.uber.org/zap"

// zapLogger adapts a zap sugared logger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps a zap logger for use with WithLogger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.s.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.s.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.s.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Error(msg string, keysAndValues ...any) {
	z.s.Errorw(msg, keysAndValues...)
}
