package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/pkg/metrics"
)

// testConfig returns a config with short waits so tests run quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.AccumulateWait = 50 * time.Millisecond
	cfg.FlushPollInterval = 20 * time.Millisecond
	cfg.RetryMinBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Millisecond
	cfg.SyncTimeout = 5 * time.Second
	return cfg
}

// messageFormatter renders only the record message.
var messageFormatter = FormatterFunc(func(r Record) (string, error) {
	return r.Message, nil
})

func infoRecord(msg string) Record {
	return NewRecord(zapcore.InfoLevel, msg, nil)
}

func numberedRecords(prefix string, n int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = infoRecord(fmt.Sprintf("%s-%02d", prefix, i))
	}
	return recs
}

func messagesOf(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out
}

func newTestMetrics(t *testing.T) (*metrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	return m, reg
}

// metricValue sums the counter, gauge or histogram sample count of the named
// family across series whose labels include want.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}
