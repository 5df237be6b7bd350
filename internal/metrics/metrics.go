package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/masseurmatch/callrelay/internal/relay"
)

// ActiveSessionCounter exposes the number of registered relay sessions.
type ActiveSessionCounter interface {
	Count() int
}

// RelayStatsProvider returns the cumulative relay counters.
type RelayStatsProvider interface {
	Snapshot() relay.StatsSnapshot
}

// WaitlistCounter returns the number of stored waitlist entries.
type WaitlistCounter interface {
	CountWaitlistEntries(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers callrelay metrics at scrape time.
type Collector struct {
	sessions  ActiveSessionCounter
	stats     RelayStatsProvider
	waitlist  WaitlistCounter
	startTime time.Time

	activeSessionsDesc  *prometheus.Desc
	sessionsTotalDesc   *prometheus.Desc
	upstreamDesc        *prometheus.Desc
	duplicateCallsDesc  *prometheus.Desc
	malformedDesc       *prometheus.Desc
	mediaFramesDesc     *prometheus.Desc
	mediaDroppedDesc    *prometheus.Desc
	toolCallsDesc       *prometheus.Desc
	waitlistEntriesDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(sessions ActiveSessionCounter, stats RelayStatsProvider, waitlist WaitlistCounter, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		stats:     stats,
		waitlist:  waitlist,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"callrelay_active_sessions",
			"Number of media streams with a registered call",
			nil, nil,
		),
		sessionsTotalDesc: prometheus.NewDesc(
			"callrelay_sessions_total",
			"Media stream connections by lifecycle event",
			[]string{"event"}, nil,
		),
		upstreamDesc: prometheus.NewDesc(
			"callrelay_upstream_opens_total",
			"Realtime connection attempts by result",
			[]string{"result"}, nil,
		),
		duplicateCallsDesc: prometheus.NewDesc(
			"callrelay_duplicate_calls_total",
			"Media streams rejected because their call was already active",
			nil, nil,
		),
		malformedDesc: prometheus.NewDesc(
			"callrelay_malformed_messages_total",
			"Undecodable messages by side",
			[]string{"side"}, nil,
		),
		mediaFramesDesc: prometheus.NewDesc(
			"callrelay_media_frames_total",
			"Audio frames relayed by direction",
			[]string{"direction"}, nil,
		),
		mediaDroppedDesc: prometheus.NewDesc(
			"callrelay_media_frames_dropped_total",
			"Caller audio frames dropped before the realtime connection was ready",
			nil, nil,
		),
		toolCallsDesc: prometheus.NewDesc(
			"callrelay_tool_calls_total",
			"Function calls answered by result",
			[]string{"result"}, nil,
		),
		waitlistEntriesDesc: prometheus.NewDesc(
			"callrelay_waitlist_entries",
			"Stored waitlist entries",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callrelay_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.sessionsTotalDesc
	ch <- c.upstreamDesc
	ch <- c.duplicateCallsDesc
	ch <- c.malformedDesc
	ch <- c.mediaFramesDesc
	ch <- c.mediaDroppedDesc
	ch <- c.toolCallsDesc
	ch <- c.waitlistEntriesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}

	if c.stats != nil {
		s := c.stats.Snapshot()
		counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
		}

		counter(c.sessionsTotalDesc, s.SessionsStarted, "started")
		counter(c.sessionsTotalDesc, s.SessionsEnded, "ended")
		counter(c.upstreamDesc, s.UpstreamOpened, "ok")
		counter(c.upstreamDesc, s.UpstreamFailures, "error")
		counter(c.duplicateCallsDesc, s.DuplicateCalls)
		counter(c.malformedDesc, s.MalformedFrames, "telephony")
		counter(c.malformedDesc, s.MalformedEvents, "realtime")
		counter(c.mediaFramesDesc, s.MediaIn, "inbound")
		counter(c.mediaFramesDesc, s.MediaOut, "outbound")
		counter(c.mediaDroppedDesc, s.MediaDropped)
		succeeded := uint64(0)
		if s.ToolCalls > s.ToolCallFailures {
			succeeded = s.ToolCalls - s.ToolCallFailures
		}
		counter(c.toolCallsDesc, succeeded, "success")
		counter(c.toolCallsDesc, s.ToolCallFailures, "failure")
	}

	if c.waitlist != nil {
		count, err := c.waitlist.CountWaitlistEntries(ctx)
		if err != nil {
			slog.Error("metrics: failed to count waitlist entries", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.waitlistEntriesDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
