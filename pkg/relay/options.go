package relay

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ava-labs/logrelay/pkg/metrics"
)

type options struct {
	log           *zap.SugaredLogger
	metrics       *metrics.Metrics
	formatter     Formatter
	newID         func() string
	failureBuffer int
}

func defaultOptions() options {
	return options{
		log:           zap.NewNop().Sugar(),
		formatter:     NewJSONFormatter(DefaultEncoderConfig()),
		newID:         uuid.NewString,
		failureBuffer: DefaultFailureBuffer,
	}
}

// Option customizes a Client or Dispatcher.
type Option func(*options)

// WithLogger sets the logger used for the relay's own diagnostics.
//
// For a synchronous core it is safe to pass a logger that writes back into the
// same core: nested deliveries are skipped by the guard. A logger that writes
// into an asynchronous Dispatcher does not recurse but feeds it: every
// delivery queues another record, so Flush never sees the relay idle.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records relay metrics. A nil *metrics.Metrics disables them.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFormatter sets the initial formatter. Defaults to JSON.
func WithFormatter(f Formatter) Option {
	return func(o *options) {
		if f != nil {
			o.formatter = f
		}
	}
}

// WithIDGenerator replaces the per-message id generator (random UUIDs).
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithFailureBuffer sets the capacity of the Dispatcher.Failures channel.
func WithFailureBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.failureBuffer = n
		}
	}
}
