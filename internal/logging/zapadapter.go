package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapCore forwards zap log entries to a Logger so the model layer, which
// logs through zap, shares the service's sink and level filtering.
type zapCore struct {
	logger *Logger
}

// NewZapLogger wraps logger in a *zap.Logger.
func NewZapLogger(logger *Logger) *zap.Logger {
	return zap.New(&zapCore{logger: logger})
}

func mapLevel(level zapcore.Level) Level {
	switch level {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (c *zapCore) Enabled(level zapcore.Level) bool {
	return c.logger.enabled(mapLevel(level))
}

func (c *zapCore) With(fields []zapcore.Field) zapcore.Core {
	return &zapCore{logger: c.logger.WithFields(fieldMap(fields))}
}

func (c *zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *zapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	f := fieldMap(fields)
	if ent.LoggerName != "" {
		f["logger"] = ent.LoggerName
	}
	c.logger.write(mapLevel(ent.Level), ent.Message, f)
	return nil
}

func (c *zapCore) Sync() error { return nil }

func fieldMap(fields []zapcore.Field) map[string]interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}
