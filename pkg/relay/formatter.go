package relay

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formatter renders a record to the string that is sent to the queue.
// Implementations must be safe for concurrent use.
type Formatter interface {
	Format(Record) (string, error)
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc func(Record) (string, error)

func (f FormatterFunc) Format(r Record) (string, error) {
	return f(r)
}

// DefaultEncoderConfig is the encoder configuration used when no formatter is
// supplied: production keys with ISO8601 timestamps.
func DefaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// NewJSONFormatter renders records as single-line JSON objects.
func NewJSONFormatter(cfg zapcore.EncoderConfig) Formatter {
	return &encoderFormatter{enc: zapcore.NewJSONEncoder(cfg)}
}

// NewConsoleFormatter renders records in zap's human-readable console layout.
func NewConsoleFormatter(cfg zapcore.EncoderConfig) Formatter {
	return &encoderFormatter{enc: zapcore.NewConsoleEncoder(cfg)}
}

type encoderFormatter struct {
	enc zapcore.Encoder
}

func (f *encoderFormatter) Format(r Record) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &FormatError{Message: r.Message, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	// Sorted so equal records always render identically.
	keys := slices.Sorted(maps.Keys(r.Fields))
	fields := make([]zapcore.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, r.Fields[k]))
	}

	buf, err := f.enc.EncodeEntry(r.Entry(), fields)
	if err != nil {
		return "", &FormatError{Message: r.Message, Err: err}
	}
	defer buf.Free()

	return strings.TrimSuffix(buf.String(), "\n"), nil
}
