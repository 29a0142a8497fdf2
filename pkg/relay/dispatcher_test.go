package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/pkg/metrics"
	"github.com/ava-labs/logrelay/pkg/relay/testutils"
)

const flushTimeout = 5 * time.Second

func testDispatcherOptions(t *testing.T, opts []Option) []Option {
	return append([]Option{
		WithLogger(testutils.NewTestLogger(t)),
		WithFormatter(messageFormatter),
	}, opts...)
}

// newStartedDispatcher returns a running dispatcher closed at test cleanup.
func newStartedDispatcher(t *testing.T, d Deliverer, opts ...Option) *Dispatcher {
	t.Helper()
	disp, err := New(testConfig(), d, testDispatcherOptions(t, opts)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = disp.Close(ctx)
	})
	return disp
}

// newPausedDispatcher returns a dispatcher whose worker is not running yet, so
// that records emitted before start are all buffered.
func newPausedDispatcher(t *testing.T, d Deliverer, opts ...Option) *Dispatcher {
	t.Helper()
	disp, err := newDispatcher(testConfig(), d, testDispatcherOptions(t, opts)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = disp.Close(ctx)
	})
	return disp
}

func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	require.NoError(t, d.Flush(ctx))
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.MaxRetryAttempts = -3
	_, err = New(cfg, &testutils.RecordingDeliverer{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDispatcher_TwentyFiveRecordsMakeThreeBatches(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	disp := newPausedDispatcher(t, d)

	recs := numberedRecords("r", 25)
	for _, r := range recs {
		disp.Emit(r)
	}
	disp.start()
	flush(t, disp)

	calls := d.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, messagesOf(recs[:10]), calls[0].Msgs)
	assert.Equal(t, messagesOf(recs[10:20]), calls[1].Msgs)
	assert.Equal(t, messagesOf(recs[20:]), calls[2].Msgs)
}

func TestDispatcher_FailTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{
		Hook: func(_ context.Context, n int, _ []string) error {
			if n <= 2 {
				return errUnavailable
			}
			return nil
		},
	}
	disp := newPausedDispatcher(t, d)

	recs := numberedRecords("r", 3)
	for _, r := range recs {
		disp.Emit(r)
	}
	disp.start()
	flush(t, disp)

	calls := d.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, messagesOf(recs), c.Msgs)
		assert.Equal(t, calls[0].IDs, c.IDs)
	}

	select {
	case f := <-disp.Failures():
		t.Fatalf("unexpected failure report: %v", f)
	default:
	}
}

func TestDispatcher_PermanentFailureIsReportedAndDropped(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{
		Hook: func(context.Context, int, []string) error { return errUnavailable },
	}
	m, reg := newTestMetrics(t)
	disp := newPausedDispatcher(t, d, WithMetrics(m))

	for _, r := range numberedRecords("r", 12) {
		disp.Emit(r)
	}
	disp.start()
	flush(t, disp)

	// Two batches, [10, 2], each tried three times.
	assert.Equal(t, []int{10, 10, 10, 2, 2, 2}, d.BatchSizes())
	assert.Zero(t, disp.Pending())

	var reports []*DeliveryError
	for len(reports) < 2 {
		select {
		case f := <-disp.Failures():
			reports = append(reports, f)
		case <-time.After(flushTimeout):
			t.Fatal("missing failure report")
		}
	}
	assert.Equal(t, 10, reports[0].Size)
	assert.Equal(t, 2, reports[1].Size)
	for _, r := range reports {
		assert.Equal(t, DefaultMaxRetryAttempts, r.Attempts)
		assert.ErrorIs(t, r, errUnavailable)
	}

	assert.Equal(t, float64(12), metricValue(t, reg, "logrelay_records_dropped_total",
		map[string]string{"reason": metrics.DropReasonDeliveryFailed}))
	assert.Equal(t, float64(0), metricValue(t, reg, "logrelay_records_pending", nil))
}

func TestDispatcher_FailureReportDiscardedWhenChannelFull(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{
		Hook: func(context.Context, int, []string) error { return errUnavailable },
	}
	m, reg := newTestMetrics(t)
	disp := newStartedDispatcher(t, d, WithMetrics(m), WithFailureBuffer(0))

	disp.Emit(infoRecord("lost"))
	flush(t, disp)

	assert.Equal(t, float64(1), metricValue(t, reg, "logrelay_errors_total",
		map[string]string{"type": metrics.ErrTypeDiagnosticsFull}))
}

func TestDispatcher_FIFOAcrossProducers(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	disp := newStartedDispatcher(t, d)

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				disp.Emit(NewRecord(zapcore.InfoLevel, fmt.Sprintf("%d/%03d", p, i), nil))
			}
		}(p)
	}
	wg.Wait()
	flush(t, disp)

	msgs := d.Messages()
	require.Len(t, msgs, producers*perProducer)

	next := make(map[int]int)
	for _, msg := range msgs {
		var p, i int
		_, err := fmt.Sscanf(msg, "%d/%d", &p, &i)
		require.NoError(t, err)
		require.Equal(t, next[p], i, "producer %d delivered out of order", p)
		next[p]++
	}

	for _, size := range d.BatchSizes() {
		assert.GreaterOrEqual(t, size, 1)
		assert.LessOrEqual(t, size, DefaultMaxBatchSize)
	}
}

func TestDispatcher_EmitDoesNotBlockOnDelivery(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	d := &testutils.RecordingDeliverer{
		Hook: func(context.Context, int, []string) error {
			<-release
			return nil
		},
	}
	disp := newStartedDispatcher(t, d)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		disp.Emit(infoRecord("m"))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1000, disp.Pending())

	close(release)
	flush(t, disp)
	assert.Len(t, d.Messages(), 1000)
}

func TestDispatcher_FlushWaitsForInFlightBatch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	d := &testutils.RecordingDeliverer{
		Hook: func(_ context.Context, n int, _ []string) error {
			if n == 1 {
				close(started)
				<-release
			}
			return nil
		},
	}
	disp := newStartedDispatcher(t, d)

	disp.Emit(infoRecord("in flight"))
	<-started

	// The buffer is empty now but the batch is still being delivered.
	flushed := make(chan error, 1)
	go func() {
		flushed <- disp.Flush(context.Background())
	}()

	select {
	case err := <-flushed:
		t.Fatalf("flush returned while a batch was in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(flushTimeout):
		t.Fatal("flush did not return after delivery completed")
	}
}

func TestDispatcher_FlushHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	d := &testutils.RecordingDeliverer{
		Hook: func(context.Context, int, []string) error {
			<-release
			return nil
		},
	}
	disp := newStartedDispatcher(t, d)
	disp.Emit(infoRecord("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := disp.Flush(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_FlushWhenIdle(t *testing.T) {
	t.Parallel()

	disp := newStartedDispatcher(t, &testutils.RecordingDeliverer{})
	flush(t, disp)
}

func TestDispatcher_HandleSkippedWhileDeliveryInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	d := &testutils.RecordingDeliverer{
		Hook: func(_ context.Context, n int, _ []string) error {
			if n == 1 {
				close(started)
				<-release
			}
			return nil
		},
	}
	m, reg := newTestMetrics(t)
	disp := newStartedDispatcher(t, d, WithMetrics(m))

	disp.Emit(infoRecord("batch"))
	<-started

	require.NoError(t, disp.Handle(context.Background(), infoRecord("concurrent")))
	assert.Equal(t, 1, d.CallCount(), "no deliverer call while the guard is held")
	assert.Equal(t, float64(1), metricValue(t, reg, "logrelay_delivery_recursion_skips_total", nil))

	close(release)
	flush(t, disp)

	require.NoError(t, disp.Handle(context.Background(), infoRecord("later")))
	assert.Equal(t, []string{"batch", "later"}, d.Messages())
}

func TestDispatcher_LevelFiltering(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	disp := newStartedDispatcher(t, d)

	disp.SetLevel(zapcore.WarnLevel)
	assert.Equal(t, zapcore.WarnLevel, disp.Level())
	assert.False(t, disp.Enabled(zapcore.InfoLevel))

	disp.Emit(NewRecord(zapcore.InfoLevel, "ignored", nil))
	disp.Emit(NewRecord(zapcore.ErrorLevel, "kept", nil))
	require.NoError(t, disp.Handle(context.Background(), NewRecord(zapcore.DebugLevel, "ignored too", nil)))
	flush(t, disp)

	assert.Equal(t, []string{"kept"}, d.Messages())
}

func TestDispatcher_Passthroughs(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	disp := newStartedDispatcher(t, d)

	assert.Equal(t, "test", disp.Name())
	assert.Same(t, disp.client, disp.Client())

	disp.SetFormatter(FormatterFunc(func(r Record) (string, error) {
		return "formatted:" + r.Message, nil
	}))
	disp.Emit(infoRecord("x"))
	flush(t, disp)

	assert.Equal(t, []string{"formatted:x"}, d.Messages())
}

func TestDispatcher_AsZapCore(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	cfg := testConfig()
	cfg.GlobalExtra = map[string]string{"host": "web-1"}
	disp, err := New(cfg, d, WithLogger(testutils.NewTestLogger(t)))
	require.NoError(t, err)
	defer disp.Close(context.Background()) //nolint:errcheck // test cleanup

	logger := zap.New(disp).Named("api").With(zap.String("component", "auth"))
	logger.Info("login", zap.Int("attempt", 2))
	logger.Debug("details")
	require.NoError(t, logger.Sync())

	msgs := d.Messages()
	require.Len(t, msgs, 2)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &decoded))
	assert.Equal(t, "login", decoded["msg"])
	assert.Equal(t, "api", decoded["logger"])
	assert.Equal(t, "auth", decoded["component"])
	assert.EqualValues(t, 2, decoded["attempt"])
	assert.Equal(t, "web-1", decoded["host"])
}

func TestDispatcher_WorkerSurvivesPanic(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{
		Hook: func(_ context.Context, n int, _ []string) error {
			if n == 1 {
				panic("driver bug")
			}
			return nil
		},
	}
	m, reg := newTestMetrics(t)
	disp := newStartedDispatcher(t, d, WithMetrics(m))

	disp.Emit(infoRecord("first"))
	flush(t, disp)
	disp.Emit(infoRecord("second"))
	flush(t, disp)

	assert.Equal(t, []string{"first", "second"}, d.Messages())
	assert.Zero(t, disp.Pending())
	assert.Equal(t, float64(1), metricValue(t, reg, "logrelay_errors_total",
		map[string]string{"type": metrics.ErrTypeWorkerPanic}))
}

func TestDispatcher_Close(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	m, reg := newTestMetrics(t)
	disp, err := New(testConfig(), d, testDispatcherOptions(t, []Option{WithMetrics(m)})...)
	require.NoError(t, err)

	disp.Emit(infoRecord("before"))
	require.NoError(t, disp.Close(context.Background()))
	assert.Equal(t, []string{"before"}, d.Messages())

	disp.Emit(infoRecord("after"))
	assert.Zero(t, disp.Pending())
	assert.Equal(t, 1, d.CallCount())
	assert.Equal(t, float64(1), metricValue(t, reg, "logrelay_records_dropped_total",
		map[string]string{"reason": metrics.DropReasonClosed}))

	_, open := <-disp.Failures()
	assert.False(t, open, "failures channel is closed")

	require.NoError(t, disp.Close(context.Background()), "second close is a no-op")
	require.NoError(t, disp.Flush(context.Background()))
}

func TestDispatcher_CloseDropsUndeliveredRecords(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	d := &testutils.RecordingDeliverer{
		Hook: func(ctx context.Context, n int, _ []string) error {
			if n == 1 {
				close(started)
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	disp, err := New(testConfig(), d, testDispatcherOptions(t, nil)...)
	require.NoError(t, err)

	disp.Emit(infoRecord("in flight"))
	<-started
	for i := 0; i < 3; i++ {
		disp.Emit(infoRecord("buffered"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = disp.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Zero(t, disp.Pending())
	assert.Equal(t, 1, d.CallCount())

	f, ok := <-disp.Failures()
	require.True(t, ok)
	assert.Equal(t, 1, f.Size)
}

func TestDispatcher_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	d := &testutils.RecordingDeliverer{}
	disp, err := newDispatcher(testConfig(), d, testDispatcherOptions(t, nil)...)
	require.NoError(t, err)

	disp.Emit(infoRecord("never sent"))
	require.ErrorIs(t, disp.Close(context.Background()), ErrClosed)
	assert.Zero(t, disp.Pending())
	assert.Zero(t, d.CallCount())
}

func TestDispatcher_EmitRacingCloseIsSettled(t *testing.T) {
	t.Parallel()

	for round := 0; round < 10; round++ {
		d := &testutils.RecordingDeliverer{}
		m, reg := newTestMetrics(t)
		disp, err := New(testConfig(), d, testDispatcherOptions(t, []Option{WithMetrics(m)})...)
		require.NoError(t, err)

		var (
			emitted atomic.Int64
			wg      sync.WaitGroup
			stop    = make(chan struct{})
		)
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					disp.Emit(infoRecord("r"))
					emitted.Add(1)
				}
			}()
		}

		time.Sleep(time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		require.NoError(t, disp.Close(ctx))
		cancel()
		close(stop)
		wg.Wait()

		dropped := metricValue(t, reg, "logrelay_records_dropped_total",
			map[string]string{"reason": metrics.DropReasonClosed})
		require.Zero(t, disp.Pending(), "round %d", round)
		require.Zero(t, metricValue(t, reg, "logrelay_records_pending", nil), "round %d", round)
		require.Equal(t, float64(emitted.Load()), float64(len(d.Messages()))+dropped, "round %d", round)
	}
}

func TestDispatcher_DelivererLoggingIntoDispatcherKeepsWorkerBusy(t *testing.T) {
	t.Parallel()

	var (
		disp    *Dispatcher
		nesting atomic.Int32
		maxNest atomic.Int32
	)
	d := &testutils.RecordingDeliverer{
		Hook: func(context.Context, int, []string) error {
			n := nesting.Add(1)
			defer nesting.Add(-1)
			if n > maxNest.Load() {
				maxNest.Store(n)
			}
			zap.New(disp).Info("delivered")
			return nil
		},
	}
	var err error
	disp, err = New(testConfig(), d, testDispatcherOptions(t, nil)...)
	require.NoError(t, err)

	disp.Emit(infoRecord("seed"))
	require.Eventually(t, func() bool { return d.CallCount() >= 5 }, flushTimeout, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, disp.Flush(ctx), context.DeadlineExceeded)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer closeCancel()
	_ = disp.Close(closeCtx)

	assert.Equal(t, int32(1), maxNest.Load(), "deliveries never nest")
	assert.Zero(t, disp.Pending())
}
