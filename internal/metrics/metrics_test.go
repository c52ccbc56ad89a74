package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordConnect(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    string
	}{
		{"success", true, "success"},
		{"failure", false, "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(ConnectAttempts.WithLabelValues(tt.want))

			RecordConnect(tt.success, 0.25)

			if got := testutil.ToFloat64(ConnectAttempts.WithLabelValues(tt.want)); got != initial+1 {
				t.Errorf("ConnectAttempts[%s] = %v, want %v", tt.want, got, initial+1)
			}
		})
	}
}

func TestRecordCommand(t *testing.T) {
	initial := testutil.ToFloat64(CommandsIssued.WithLabelValues("SELECT"))

	RecordCommand("SELECT", 0.01)

	if got := testutil.ToFloat64(CommandsIssued.WithLabelValues("SELECT")); got != initial+1 {
		t.Errorf("CommandsIssued[SELECT] = %v, want %v", got, initial+1)
	}
	// Histogram is tested indirectly - just verify it doesn't panic.
	CommandDuration.WithLabelValues("SELECT").Observe(0.01)
}

func TestRecordSync(t *testing.T) {
	decisions := []string{"full_resync", "no_change", "append_only", "reenumerate", "invalidate", "qresync"}

	for _, d := range decisions {
		t.Run(d, func(t *testing.T) {
			initial := testutil.ToFloat64(SyncDecisions.WithLabelValues(d))

			RecordSync(d, 0.05)

			if got := testutil.ToFloat64(SyncDecisions.WithLabelValues(d)); got != initial+1 {
				t.Errorf("SyncDecisions[%s] = %v, want %v", d, got, initial+1)
			}
		})
	}
}

func TestRecordAuth(t *testing.T) {
	tests := []struct {
		name      string
		mechanism string
		success   bool
		want      string
	}{
		{"plain success", "PLAIN", true, "success"},
		{"plain failure", "PLAIN", false, "failure"},
		{"xoauth2 success", "XOAUTH2", true, "success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(AuthAttempts.WithLabelValues(tt.mechanism, tt.want))

			RecordAuth(tt.mechanism, tt.success)

			if got := testutil.ToFloat64(AuthAttempts.WithLabelValues(tt.mechanism, tt.want)); got != initial+1 {
				t.Errorf("AuthAttempts[%s,%s] = %v, want %v", tt.mechanism, tt.want, got, initial+1)
			}
		})
	}
}

func TestRecordCacheLookup(t *testing.T) {
	initialHit := testutil.ToFloat64(CacheHits.WithLabelValues("envelope"))
	initialMiss := testutil.ToFloat64(CacheMisses.WithLabelValues("envelope"))

	RecordCacheLookup("envelope", true)
	if got := testutil.ToFloat64(CacheHits.WithLabelValues("envelope")); got != initialHit+1 {
		t.Errorf("CacheHits[envelope] = %v, want %v", got, initialHit+1)
	}

	RecordCacheLookup("envelope", false)
	if got := testutil.ToFloat64(CacheMisses.WithLabelValues("envelope")); got != initialMiss+1 {
		t.Errorf("CacheMisses[envelope] = %v, want %v", got, initialMiss+1)
	}
}

func TestRecordError(t *testing.T) {
	tests := []struct {
		component string
		kind      string
	}{
		{"conn", "timeout"},
		{"wire", "parse"},
		{"mboxsync", "decision"},
	}

	for _, tt := range tests {
		t.Run(tt.component+"_"+tt.kind, func(t *testing.T) {
			initial := testutil.ToFloat64(Errors.WithLabelValues(tt.component, tt.kind))

			RecordError(tt.component, tt.kind)

			if got := testutil.ToFloat64(Errors.WithLabelValues(tt.component, tt.kind)); got != initial+1 {
				t.Errorf("Errors[%s,%s] = %v, want %v", tt.component, tt.kind, got, initial+1)
			}
		})
	}
}

func TestMetricsRegistration(t *testing.T) {
	counters := []prometheus.Counter{
		Reconnects,
		BytesRead,
		BytesWritten,
	}
	for _, c := range counters {
		_ = testutil.ToFloat64(c) // Should not panic
	}

	gauges := []prometheus.Gauge{
		ActiveConnections,
		TaskQueueDepth,
	}
	for _, g := range gauges {
		_ = testutil.ToFloat64(g) // Should not panic
	}

	_ = testutil.ToFloat64(ConnectAttempts.WithLabelValues("success"))
	_ = testutil.ToFloat64(TasksFailed.WithLabelValues("state"))
	_ = testutil.ToFloat64(ParseErrors.WithLabelValues("literal"))
	_ = testutil.ToFloat64(CommandsIssued.WithLabelValues("NOOP"))

	CommandDuration.WithLabelValues("NOOP").Observe(0.001)
	SyncDuration.WithLabelValues("no_change").Observe(0.001)
}

func TestMetricNames(t *testing.T) {
	expected := "imapkit_"

	metricsToCheck := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"Reconnects", Reconnects},
		{"ActiveConnections", ActiveConnections},
		{"TaskQueueDepth", TaskQueueDepth},
	}

	for _, m := range metricsToCheck {
		t.Run(m.name, func(t *testing.T) {
			ch := make(chan prometheus.Metric, 1)
			m.metric.Collect(ch)
			metric := <-ch
			desc := metric.Desc().String()
			if !strings.Contains(desc, expected) {
				t.Errorf("Metric %s description doesn't contain prefix %s: %s", m.name, expected, desc)
			}
		})
	}
}
