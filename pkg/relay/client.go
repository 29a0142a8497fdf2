package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/pkg/metrics"
)

// Client delivers records to a Deliverer.
//
// Every delivery merges the global fields into the records, formats them and
// sends the result in batches of at most Config.MaxBatchSize messages. A batch
// is attempted up to Config.MaxRetryAttempts times with jittered exponential
// backoff between attempts.
//
// Deliveries on one Client never nest: while one is in progress, any other
// call to Deliver or DeliverOne returns nil without contacting the Deliverer.
type Client struct {
	name        string
	deliverer   Deliverer
	extra       map[string]string
	maxBatch    int
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	syncTimeout time.Duration
	newID       func() string
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics

	guard Guard
	level zap.AtomicLevel

	mu        sync.RWMutex
	formatter Formatter
}

// NewClient creates a Client for deliverer. Zero-valued config fields take
// their defaults, except Level whose zero value means info.
func NewClient(cfg Config, deliverer Deliverer, opts ...Option) (*Client, error) {
	if deliverer == nil {
		return nil, errors.New("deliverer cannot be nil")
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return newClient(cfg, deliverer, o), nil
}

func newClient(cfg Config, deliverer Deliverer, o options) *Client {
	return &Client{
		name:        cfg.Name,
		deliverer:   deliverer,
		extra:       maps.Clone(cfg.GlobalExtra),
		maxBatch:    cfg.MaxBatchSize,
		maxAttempts: cfg.MaxRetryAttempts,
		minBackoff:  cfg.RetryMinBackoff,
		maxBackoff:  cfg.RetryMaxBackoff,
		syncTimeout: cfg.SyncTimeout,
		newID:       o.newID,
		log:         o.log,
		metrics:     o.metrics,
		level:       zap.NewAtomicLevelAt(cfg.Level),
		formatter:   o.formatter,
	}
}

// Name returns the relay name.
func (c *Client) Name() string {
	return c.name
}

// Level returns the minimum level accepted by the relay.
func (c *Client) Level() zapcore.Level {
	return c.level.Level()
}

// SetLevel changes the minimum level accepted by the relay.
func (c *Client) SetLevel(l zapcore.Level) {
	c.level.SetLevel(l)
}

// Enabled reports whether records at level l are accepted.
func (c *Client) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l)
}

// SetFormatter replaces the formatter used for subsequent deliveries.
// A nil formatter is ignored.
func (c *Client) SetFormatter(f Formatter) {
	if f == nil {
		return
	}
	c.mu.Lock()
	c.formatter = f
	c.mu.Unlock()
}

func (c *Client) currentFormatter() Formatter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.formatter
}

// Deliver sends records to the Deliverer.
//
// Records that fail to format are logged and skipped. When the formatted output
// is longer than Config.MaxBatchSize it is sent as several batches, each with
// its own retry budget. Batches whose attempts are exhausted are returned as
// *DeliveryError values, joined when there is more than one.
//
// Deliver returns nil without side effects when another delivery on c is in
// progress.
func (c *Client) Deliver(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	enriched := make([]Record, len(records))
	for i, r := range records {
		enriched[i] = r.enrich(c.extra)
	}

	var err error
	ran := c.guard.Do(func() {
		msgs := c.formatAll(enriched)
		err = c.sendBatches(ctx, msgs)
	})
	if !ran {
		c.metrics.IncRecursionSkip()
		return nil
	}
	return err
}

// DeliverOne sends a single record with Deliverer.SendOne. It shares the guard
// and retry policy of Deliver. A formatting failure is returned as a
// *FormatError.
func (c *Client) DeliverOne(ctx context.Context, record Record) error {
	enriched := record.enrich(c.extra)

	var err error
	ran := c.guard.Do(func() {
		var msg string
		msg, err = c.format(enriched)
		if err != nil {
			return
		}
		err = c.withRetry(ctx, 1, func(ctx context.Context) error {
			return c.deliverer.SendOne(ctx, msg)
		})
	})
	if !ran {
		c.metrics.IncRecursionSkip()
		return nil
	}
	return err
}

func (c *Client) format(r Record) (string, error) {
	msg, err := c.currentFormatter().Format(r)
	if err != nil {
		var fe *FormatError
		if !errors.As(err, &fe) {
			err = &FormatError{Message: r.Message, Err: err}
		}
		c.metrics.IncFormatError()
		c.metrics.AddDropped(metrics.DropReasonFormatError, 1)
		c.log.Warnw("skipping record that failed to format",
			"relay", c.name,
			"message", r.Message,
			"error", err,
		)
		return "", err
	}
	return msg, nil
}

func (c *Client) formatAll(records []Record) []string {
	msgs := make([]string, 0, len(records))
	for _, r := range records {
		msg, err := c.format(r)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *Client) sendBatches(ctx context.Context, msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}

	var errs []error
	for chunk := range slices.Chunk(msgs, c.maxBatch) {
		ids := make([]string, len(chunk))
		for i := range ids {
			ids[i] = c.newID()
		}

		err := c.withRetry(ctx, len(chunk), func(ctx context.Context) error {
			return c.deliverer.SendBatch(ctx, chunk, ids)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withRetry calls send until it succeeds, the attempt budget is spent or ctx
// is done. size is the number of messages carried by each call.
func (c *Client) withRetry(ctx context.Context, size int, send func(context.Context) error) error {
	b := &backoff.Backoff{
		Min:    c.minBackoff,
		Max:    c.maxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var (
		err      error
		attempts int
	)
retry:
	for attempts < c.maxAttempts {
		attempts++

		start := time.Now()
		c.metrics.IncDeliveryInFlight()
		err = send(ctx)
		c.metrics.DecDeliveryInFlight()
		c.metrics.RecordDeliveryAttempt(err, time.Since(start).Seconds())

		if err == nil {
			c.metrics.RecordBatch(size, nil)
			return nil
		}
		if attempts == c.maxAttempts {
			break
		}

		delay := b.Duration()
		c.log.Warnw("delivery attempt failed, retrying",
			"relay", c.name,
			"attempt", attempts,
			"maxAttempts", c.maxAttempts,
			"backoff", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = errors.Join(err, fmt.Errorf("retry aborted: %w", ctx.Err()))
			break retry
		case <-timer.C:
		}
	}

	c.metrics.RecordBatch(size, err)
	c.metrics.AddDropped(metrics.DropReasonDeliveryFailed, size)
	return &DeliveryError{
		Relay:    c.name,
		Size:     size,
		Attempts: attempts,
		Err:      err,
	}
}
