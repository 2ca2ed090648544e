package logger

import (
	"go.uber.org/zap/zapcore"
)

// DBCore is a custom Zap Core that copies sync log entries into the database
type DBCore struct {
	zapcore.Core
	writer   *DBLogWriter
	minLevel zapcore.Level
	fields   []zapcore.Field
}

// NewDBCore wraps an existing core (like console logger) and adds DB logging
func NewDBCore(baseCore zapcore.Core, writer *DBLogWriter, minLevel zapcore.Level) zapcore.Core {
	return &DBCore{
		Core:     baseCore,
		writer:   writer,
		minLevel: minLevel,
	}
}

// With keeps fields added through logger.With so they are persisted as well.
func (c *DBCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.Core = c.Core.With(fields)
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

// Write is called for every log entry
func (c *DBCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= c.minLevel {
		all := append(append([]zapcore.Field{}, c.fields...), fields...)
		c.writer.AddLog(entryFromFields(entry, all))
	}

	// Call the underlying core (so it still prints to Console/File)
	return c.Core.Write(entry, fields)
}

// Check decides if we should log this level
func (c *DBCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func entryFromFields(entry zapcore.Entry, fields []zapcore.Field) LogEntry {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	out := LogEntry{
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller.Function,
		Time:    entry.Time,
		Context: map[string]interface{}{},
	}

	for key, value := range enc.Fields {
		str, _ := value.(string)
		switch key {
		case FieldIntegrationID:
			out.IntegrationID = str
		case FieldConversationID:
			out.ConversationID = str
		case FieldProvider:
			out.Provider = str
		default:
			out.Context[key] = value
		}
	}

	return out
}
