package relay

import (
	"maps"
	"time"

	"go.uber.org/zap/zapcore"
)

// Record is a single log event travelling through the relay.
type Record struct {
	Time       time.Time
	Level      zapcore.Level
	LoggerName string
	Message    string
	Caller     zapcore.EntryCaller
	Stack      string
	Fields     map[string]any
}

// NewRecord creates a record stamped with the current time.
func NewRecord(level zapcore.Level, msg string, fields map[string]any) Record {
	return Record{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Fields:  fields,
	}
}

// RecordFromEntry converts a zap entry and its fields into a Record.
func RecordFromEntry(ent zapcore.Entry, fields []zapcore.Field) Record {
	var extra map[string]any
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		extra = enc.Fields
	}

	return Record{
		Time:       ent.Time,
		Level:      ent.Level,
		LoggerName: ent.LoggerName,
		Message:    ent.Message,
		Caller:     ent.Caller,
		Stack:      ent.Stack,
		Fields:     extra,
	}
}

// Entry returns the zap entry describing r, without its fields.
func (r Record) Entry() zapcore.Entry {
	return zapcore.Entry{
		Level:      r.Level,
		Time:       r.Time,
		LoggerName: r.LoggerName,
		Message:    r.Message,
		Caller:     r.Caller,
		Stack:      r.Stack,
	}
}

// enrich returns a copy of r with extra merged into its fields. Keys in extra
// overwrite keys already present on the record. r itself is left untouched.
func (r Record) enrich(extra map[string]string) Record {
	if len(extra) == 0 {
		return r
	}

	fields := make(map[string]any, len(r.Fields)+len(extra))
	maps.Copy(fields, r.Fields)
	for k, v := range extra {
		fields[k] = v
	}
	r.Fields = fields
	return r
}
