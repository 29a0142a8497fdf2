package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/internal/buffer"
	"github.com/ava-labs/logrelay/pkg/metrics"
)

// Dispatcher accepts records from any number of goroutines without blocking
// and delivers them in the background.
//
// A single worker goroutine drains the buffer with Accumulate and passes each
// batch to the Client. Batches that exhaust their delivery attempts are logged,
// counted and published on Failures; producers never see delivery errors.
//
// Records emitted while a batch is being delivered are buffered, not skipped:
// the guard only covers the delivery itself. A Deliverer or diagnostics logger
// that writes back into the same Dispatcher therefore queues one more record
// per delivery, the worker never goes idle and Flush only returns when its ctx
// is done. Send such output to a separate core.
//
// Dispatcher implements zapcore.Core.
type Dispatcher struct {
	cfg      Config
	client   *Client
	buf      *buffer.FIFO[Record]
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	failures chan *DeliveryError

	// Records pushed but not yet delivered or dropped. Incremented before the
	// push so that Flush never observes zero while a record is buffered.
	outstanding atomic.Int64

	idleMu sync.Mutex
	idle   chan struct{} // closed and replaced whenever outstanding drops to zero

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once

	// emitMu orders Emit against Close: Emit holds it shared across the closed
	// check and the push, Close holds it exclusively to set closed.
	emitMu    sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Dispatcher delivering to deliverer and starts its worker.
func New(cfg Config, deliverer Deliverer, opts ...Option) (*Dispatcher, error) {
	d, err := newDispatcher(cfg, deliverer, opts...)
	if err != nil {
		return nil, err
	}
	d.start()
	return d, nil
}

func newDispatcher(cfg Config, deliverer Deliverer, opts ...Option) (*Dispatcher, error) {
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		client:   newClient(cfg, deliverer, o),
		buf:      buffer.New[Record](),
		log:      o.log,
		metrics:  o.metrics,
		failures: make(chan *DeliveryError, o.failureBuffer),
		idle:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

func (d *Dispatcher) start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Emit queues rec for delivery and returns immediately. Records below the
// configured level are ignored. After Close, records are dropped.
func (d *Dispatcher) Emit(rec Record) {
	d.emitMu.RLock()
	defer d.emitMu.RUnlock()

	if d.closed.Load() {
		d.metrics.AddDropped(metrics.DropReasonClosed, 1)
		return
	}
	if !d.client.Enabled(rec.Level) {
		return
	}

	n := d.outstanding.Add(1)
	d.buf.Push(rec)
	d.metrics.IncEmitted()
	d.metrics.SetPending(n)
}

// Flush blocks until every record emitted so far has been delivered or
// dropped, including the batch the worker may be sending. It returns early
// with an error when ctx is done. Pass context.Background to wait without
// bound.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.FlushPollInterval)
	defer ticker.Stop()

	for {
		d.idleMu.Lock()
		idle := d.idle
		d.idleMu.Unlock()

		if d.outstanding.Load() == 0 {
			return nil
		}

		select {
		case <-idle:
		case <-ticker.C:
		case <-d.done:
			if d.outstanding.Load() == 0 {
				return nil
			}
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("failed to flush relay %q: %w", d.cfg.Name, ctx.Err())
		}
	}
}

// Close flushes pending records within ctx, stops the worker and closes the
// Failures channel. Records still buffered when ctx expires are dropped.
// Calling Close more than once returns the first result.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.log.Infow("closing relay", "relay", d.cfg.Name, "pending", d.outstanding.Load())
		d.emitMu.Lock()
		d.closed.Store(true)
		d.emitMu.Unlock()

		// A dispatcher that never started has nothing in flight.
		d.startOnce.Do(func() { close(d.done) })

		d.closeErr = d.Flush(ctx)
		d.cancel()
		<-d.done

		dropped := 0
		for {
			if _, ok := d.buf.TryPop(); !ok {
				break
			}
			dropped++
		}
		if dropped > 0 {
			d.log.Warnw("dropping undelivered records on close", "relay", d.cfg.Name, "count", dropped)
			d.metrics.AddDropped(metrics.DropReasonClosed, dropped)
			d.settle(dropped)
		}
		d.metrics.SetPending(d.outstanding.Load())

		close(d.failures)
		d.log.Infow("relay closed", "relay", d.cfg.Name)
	})
	return d.closeErr
}

// Failures returns the channel on which dropped batches are reported. Reports
// are discarded, though still logged and counted, when the channel is full.
// The channel is closed by Close.
func (d *Dispatcher) Failures() <-chan *DeliveryError {
	return d.failures
}

// Handle delivers rec synchronously through the Client, bypassing the buffer.
// It is skipped, returning nil, while the worker is delivering a batch.
func (d *Dispatcher) Handle(ctx context.Context, rec Record) error {
	if !d.client.Enabled(rec.Level) {
		return nil
	}
	return d.client.Deliver(ctx, rec)
}

// Client returns the Client that performs deliveries for d.
func (d *Dispatcher) Client() *Client {
	return d.client
}

// Name returns the relay name.
func (d *Dispatcher) Name() string {
	return d.client.Name()
}

// Level returns the minimum level accepted by the relay.
func (d *Dispatcher) Level() zapcore.Level {
	return d.client.Level()
}

// SetLevel changes the minimum level accepted by the relay.
func (d *Dispatcher) SetLevel(l zapcore.Level) {
	d.client.SetLevel(l)
}

// SetFormatter replaces the formatter used for subsequent batches.
func (d *Dispatcher) SetFormatter(f Formatter) {
	d.client.SetFormatter(f)
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}

// Pending returns the number of records emitted but not yet delivered or
// dropped.
func (d *Dispatcher) Pending() int64 {
	return d.outstanding.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	d.log.Debugw("relay worker started", "relay", d.cfg.Name)
	for d.ctx.Err() == nil {
		batch := Accumulate(d.ctx, d.buf, d.cfg.MaxBatchSize, d.cfg.AccumulateWait)
		if len(batch) == 0 {
			continue
		}
		d.deliver(batch)
	}
	d.log.Debugw("relay worker stopped", "relay", d.cfg.Name)
}

func (d *Dispatcher) deliver(batch []Record) {
	defer d.settle(len(batch))
	defer func() {
		if p := recover(); p != nil {
			d.metrics.IncError(metrics.ErrTypeWorkerPanic)
			d.metrics.AddDropped(metrics.DropReasonDeliveryFailed, len(batch))
			d.log.Errorw("recovered panic while delivering batch",
				"relay", d.cfg.Name,
				"size", len(batch),
				"panic", p,
			)
		}
	}()

	err := d.client.Deliver(d.ctx, batch...)
	for _, de := range DeliveryErrors(err) {
		d.report(de)
	}
}

func (d *Dispatcher) report(err *DeliveryError) {
	d.log.Errorw("dropping batch after failed delivery",
		"relay", err.Relay,
		"size", err.Size,
		"attempts", err.Attempts,
		"error", err.Err,
	)

	select {
	case d.failures <- err:
	default:
		d.metrics.IncError(metrics.ErrTypeDiagnosticsFull)
	}
}

// settle marks n records as delivered or dropped.
func (d *Dispatcher) settle(n int) {
	left := d.outstanding.Add(-int64(n))
	d.metrics.SetPending(left)
	if left > 0 {
		return
	}

	d.idleMu.Lock()
	close(d.idle)
	d.idle = make(chan struct{})
	d.idleMu.Unlock()
}
