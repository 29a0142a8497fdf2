package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/pkg/relay"
)

// maxLineSize bounds a single input line.
const maxLineSize = 1 << 20

// parseLine turns one input line into a record. A JSON object has its msg (or
// message), level and ts (or time) keys lifted into the record and the
// remaining keys kept as fields. Any other line becomes the message of an info
// record.
func parseLine(line string, name string) relay.Record {
	rec := relay.NewRecord(zapcore.InfoLevel, line, nil)
	rec.LoggerName = name

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return rec
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return rec
	}

	for _, key := range []string{"msg", "message"} {
		if s, ok := obj[key].(string); ok {
			rec.Message = s
			delete(obj, key)
			break
		}
	}
	if s, ok := obj["level"].(string); ok {
		if lvl, err := zapcore.ParseLevel(s); err == nil {
			rec.Level = lvl
			delete(obj, "level")
		}
	}
	for _, key := range []string{"ts", "time"} {
		if s, ok := obj[key].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				rec.Time = ts
				delete(obj, key)
				break
			}
		}
	}

	if len(obj) > 0 {
		rec.Fields = obj
	}
	return rec
}

// pump reads r line by line and passes each non-empty line to emit until EOF
// or ctx is done. It returns the number of lines read.
func pump(ctx context.Context, r io.Reader, name string, emit func(relay.Record)) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return n, nil
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		emit(parseLine(line, name))
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read input: %w", err)
	}
	return n, nil
}
