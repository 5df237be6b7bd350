package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/masseurmatch/callrelay/internal/relay"
)

type fakeSessions int

func (f fakeSessions) Count() int { return int(f) }

type fakeStats relay.StatsSnapshot

func (f fakeStats) Snapshot() relay.StatsSnapshot { return relay.StatsSnapshot(f) }

type fakeWaitlist struct {
	n   int64
	err error
}

func (f fakeWaitlist) CountWaitlistEntries(context.Context) (int64, error) { return f.n, f.err }

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelled(f *dto.MetricFamily, value string) *dto.Metric {
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestCollector(t *testing.T) {
	stats := fakeStats{
		SessionsStarted:  5,
		SessionsEnded:    3,
		UpstreamOpened:   4,
		UpstreamFailures: 1,
		MalformedEvents:  2,
		MediaIn:          100,
		MediaOut:         80,
		MediaDropped:     7,
		ToolCalls:        3,
		ToolCallFailures: 1,
	}
	c := NewCollector(fakeSessions(2), stats, fakeWaitlist{n: 9}, time.Now().Add(-time.Minute))
	got := gather(t, c)

	if v := got["callrelay_active_sessions"].GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("active sessions = %v, want 2", v)
	}
	if v := got["callrelay_waitlist_entries"].GetMetric()[0].GetGauge().GetValue(); v != 9 {
		t.Errorf("waitlist entries = %v, want 9", v)
	}
	if v := got["callrelay_media_frames_dropped_total"].GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Errorf("dropped = %v, want 7", v)
	}
	if v := got["callrelay_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(); v < 60 {
		t.Errorf("uptime = %v, want >= 60", v)
	}

	tests := []struct {
		family string
		label  string
		want   float64
	}{
		{"callrelay_sessions_total", "started", 5},
		{"callrelay_sessions_total", "ended", 3},
		{"callrelay_upstream_opens_total", "ok", 4},
		{"callrelay_upstream_opens_total", "error", 1},
		{"callrelay_malformed_messages_total", "telephony", 0},
		{"callrelay_malformed_messages_total", "realtime", 2},
		{"callrelay_media_frames_total", "inbound", 100},
		{"callrelay_media_frames_total", "outbound", 80},
		{"callrelay_tool_calls_total", "success", 2},
		{"callrelay_tool_calls_total", "failure", 1},
	}
	for _, tt := range tests {
		m := labelled(got[tt.family], tt.label)
		if m == nil {
			t.Errorf("%s{%s} missing", tt.family, tt.label)
			continue
		}
		if v := m.GetCounter().GetValue(); v != tt.want {
			t.Errorf("%s{%s} = %v, want %v", tt.family, tt.label, v, tt.want)
		}
	}
}

func TestCollectorNilProviders(t *testing.T) {
	got := gather(t, NewCollector(nil, nil, nil, time.Now()))
	if len(got) != 1 {
		t.Errorf("got %d families, want only uptime", len(got))
	}
	if _, ok := got["callrelay_uptime_seconds"]; !ok {
		t.Error("uptime missing")
	}
}

func TestCollectorSkipsFailedWaitlistCount(t *testing.T) {
	got := gather(t, NewCollector(nil, nil, fakeWaitlist{err: errors.New("db closed")}, time.Now()))
	if _, ok := got["callrelay_waitlist_entries"]; ok {
		t.Error("waitlist gauge reported despite count error")
	}
}
