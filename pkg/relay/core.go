package relay

import (
	"context"
	"slices"

	"go.uber.org/zap/zapcore"
)

// sink is the destination behind a zapcore.Core view.
type sink interface {
	Enabled(zapcore.Level) bool
	Sync() error
	write(Record) error
}

// core binds accumulated With fields to a sink.
type core struct {
	sink   sink
	fields []zapcore.Field
}

var (
	_ zapcore.Core = (*core)(nil)
	_ zapcore.Core = (*Dispatcher)(nil)
)

func (c *core) Enabled(l zapcore.Level) bool {
	return c.sink.Enabled(l)
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	return &core{sink: c.sink, fields: slices.Concat(c.fields, fields)}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.sink.write(RecordFromEntry(ent, slices.Concat(c.fields, fields)))
}

func (c *core) Sync() error {
	return c.sink.Sync()
}

// Enabled reports whether records at level l are accepted.
func (d *Dispatcher) Enabled(l zapcore.Level) bool {
	return d.client.Enabled(l)
}

// With returns a core that adds fields to every record written through it.
func (d *Dispatcher) With(fields []zapcore.Field) zapcore.Core {
	return &core{sink: d, fields: slices.Clone(fields)}
}

// Check adds d to ce when ent's level is enabled.
func (d *Dispatcher) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if d.Enabled(ent.Level) {
		return ce.AddCore(ent, d)
	}
	return ce
}

// Write converts the entry to a Record and emits it. It never fails.
func (d *Dispatcher) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return d.write(RecordFromEntry(ent, fields))
}

// Sync flushes the relay, waiting at most Config.SyncTimeout.
func (d *Dispatcher) Sync() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SyncTimeout)
	defer cancel()
	return d.Flush(ctx)
}

func (d *Dispatcher) write(rec Record) error {
	d.Emit(rec)
	return nil
}

// NewSyncCore returns a zapcore.Core that delivers each entry inline through
// client.DeliverOne, bounded by Config.SyncTimeout.
//
// Entries written while the client is already delivering, for example by a
// Deliverer that logs through the same core, are skipped.
func NewSyncCore(client *Client) zapcore.Core {
	return &core{sink: syncSink{client: client}}
}

type syncSink struct {
	client *Client
}

func (s syncSink) Enabled(l zapcore.Level) bool {
	return s.client.Enabled(l)
}

func (s syncSink) Sync() error {
	return nil
}

func (s syncSink) write(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.syncTimeout)
	defer cancel()
	return s.client.DeliverOne(ctx, rec)
}
