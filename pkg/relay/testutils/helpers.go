package testutils

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// MockDeliverer is a mock implementation of relay.Deliverer for testing
type MockDeliverer struct {
	mock.Mock
}

// SendOne mocks the SendOne method
func (m *MockDeliverer) SendOne(ctx context.Context, msg string) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// SendBatch mocks the SendBatch method
func (m *MockDeliverer) SendBatch(ctx context.Context, msgs, ids []string) error {
	args := m.Called(ctx, msgs, ids)
	return args.Error(0)
}

// Call is one recorded Deliverer invocation. IDs is nil for SendOne.
type Call struct {
	Msgs []string
	IDs  []string
}

// RecordingDeliverer records every call it receives.
//
// Hook, when set, runs on every call before it is recorded as finished and
// decides its result; n is the 1-based call number. It may block to simulate a
// slow queue.
type RecordingDeliverer struct {
	Hook func(ctx context.Context, n int, msgs []string) error

	mu    sync.Mutex
	calls []Call
}

func (r *RecordingDeliverer) SendOne(ctx context.Context, msg string) error {
	return r.record(ctx, Call{Msgs: []string{msg}})
}

func (r *RecordingDeliverer) SendBatch(ctx context.Context, msgs, ids []string) error {
	return r.record(ctx, Call{Msgs: slices.Clone(msgs), IDs: slices.Clone(ids)})
}

func (r *RecordingDeliverer) record(ctx context.Context, c Call) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	n := len(r.calls)
	r.mu.Unlock()

	if r.Hook != nil {
		return r.Hook(ctx, n, c.Msgs)
	}
	return nil
}

// Calls returns a copy of the recorded calls in order.
func (r *RecordingDeliverer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns the number of calls received so far.
func (r *RecordingDeliverer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Messages returns every message received, in call order.
func (r *RecordingDeliverer) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.Msgs...)
	}
	return out
}

// BatchSizes returns the number of messages of each call.
func (r *RecordingDeliverer) BatchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.calls))
	for i, c := range r.calls {
		sizes[i] = len(c.Msgs)
	}
	return sizes
}
