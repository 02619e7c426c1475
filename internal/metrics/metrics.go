package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DialerStatusProvider exposes live dispatcher counts.
type DialerStatusProvider interface {
	ActiveCampaignCount() int
	ActiveCallTotal() int
}

// PoolStatsProvider exposes channel pool state.
type PoolStatsProvider interface {
	Counts() (available, busy, errored int)
	Connected() bool
}

// CallStatusCounter returns call-log counts grouped by status.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector is a prometheus.Collector that gathers FlowDial metrics at scrape time.
type Collector struct {
	dialer    DialerStatusProvider
	pool      PoolStatsProvider
	calls     CallStatusCounter
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc     *prometheus.Desc
	activeCampaignsDesc *prometheus.Desc
	channelsDesc        *prometheus.Desc
	poolConnectedDesc   *prometheus.Desc
	callsTotalDesc      *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	dialer DialerStatusProvider,
	pool PoolStatsProvider,
	calls CallStatusCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		dialer:    dialer,
		pool:      pool,
		calls:     calls,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"flowdial_active_calls",
			"Number of calls currently in flight",
			nil, nil,
		),
		activeCampaignsDesc: prometheus.NewDesc(
			"flowdial_active_campaigns",
			"Number of campaigns currently being dispatched",
			nil, nil,
		),
		channelsDesc: prometheus.NewDesc(
			"flowdial_channels",
			"Channel pool occupancy by state",
			[]string{"state"}, nil,
		),
		poolConnectedDesc: prometheus.NewDesc(
			"flowdial_pool_connected",
			"Whether the channel pool finished loading (1=connected)",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"flowdial_calls_total",
			"Total number of dial attempts by status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowdial_uptime_seconds",
			"Seconds since the FlowDial process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeCampaignsDesc
	ch <- c.channelsDesc
	ch <- c.poolConnectedDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.dialer != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.dialer.ActiveCallTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.activeCampaignsDesc, prometheus.GaugeValue,
			float64(c.dialer.ActiveCampaignCount()),
		)
	}

	if c.pool != nil {
		available, busy, errored := c.pool.Counts()
		for _, s := range []struct {
			state string
			count int
		}{
			{"available", available},
			{"busy", busy},
			{"error", errored},
		} {
			ch <- prometheus.MustNewConstMetric(
				c.channelsDesc, prometheus.GaugeValue,
				float64(s.count), s.state,
			)
		}

		connected := 0.0
		if c.pool.Connected() {
			connected = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.poolConnectedDesc, prometheus.GaugeValue, connected,
		)
	}

	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for status, count := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(count), status,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
