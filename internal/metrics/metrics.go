package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
)

// CallCounter exposes the number of live calls.
type CallCounter interface {
	Counts() (initiating, active int)
}

// LineStatusProvider returns line counts per bank and status.
type LineStatusProvider interface {
	StatusCounts() map[string]map[bank.Status]int
}

// MonitorCounter returns the number of hoot monitoring subscriptions.
type MonitorCounter interface {
	MonitorCount() int
}

// DNDCounter returns the number of users currently in do-not-disturb.
type DNDCounter interface {
	ActiveCount(now time.Time) int
}

// RegistrationProvider exposes tenant registration states.
type RegistrationProvider interface {
	Registrations() []gateway.RegistrationResult
}

// ArchiveCounter returns archived call counts grouped by final status.
type ArchiveCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers dealerboard metrics at
// scrape time.
type Collector struct {
	calls         CallCounter
	lines         LineStatusProvider
	monitors      MonitorCounter
	dnd           DNDCounter
	registrations RegistrationProvider
	archive       ArchiveCounter
	startTime     time.Time

	callsDesc         *prometheus.Desc
	lineStatusDesc    *prometheus.Desc
	hootMonitorsDesc  *prometheus.Desc
	dndActiveDesc     *prometheus.Desc
	registrationDesc  *prometheus.Desc
	archivedCallsDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// Providers groups the sources a Collector reads. Any may be nil.
type Providers struct {
	Calls         CallCounter
	Lines         LineStatusProvider
	Monitors      MonitorCounter
	DND           DNDCounter
	Registrations RegistrationProvider
	Archive       ArchiveCounter
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		calls:         p.Calls,
		lines:         p.Lines,
		monitors:      p.Monitors,
		dnd:           p.DND,
		registrations: p.Registrations,
		archive:       p.Archive,
		startTime:     startTime,

		callsDesc: prometheus.NewDesc(
			"dealerboard_calls",
			"Number of live call sessions by status",
			[]string{"status"}, nil,
		),
		lineStatusDesc: prometheus.NewDesc(
			"dealerboard_lines",
			"Number of trading lines by bank and status",
			[]string{"bank_id", "status"}, nil,
		),
		hootMonitorsDesc: prometheus.NewDesc(
			"dealerboard_hoot_monitors",
			"Number of hoot line monitoring subscriptions",
			nil, nil,
		),
		dndActiveDesc: prometheus.NewDesc(
			"dealerboard_dnd_active_users",
			"Number of users with do-not-disturb currently in effect",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"dealerboard_tenant_registration",
			"Tenant SBC registration status (1=registered, 0=other)",
			[]string{"bank_id", "state"}, nil,
		),
		archivedCallsDesc: prometheus.NewDesc(
			"dealerboard_archived_calls_total",
			"Total number of archived calls by final status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dealerboard_uptime_seconds",
			"Seconds since the dealerboard process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.lineStatusDesc
	ch <- c.hootMonitorsDesc
	ch <- c.dndActiveDesc
	ch <- c.registrationDesc
	ch <- c.archivedCallsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		initiating, active := c.calls.Counts()
		ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(initiating), "initiating")
		ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(active), "active")
	}

	if c.lines != nil {
		statuses := []bank.Status{bank.StatusInactive, bank.StatusReady, bank.StatusBusy, bank.StatusError}
		for bankID, counts := range c.lines.StatusCounts() {
			for _, s := range statuses {
				ch <- prometheus.MustNewConstMetric(
					c.lineStatusDesc, prometheus.GaugeValue,
					float64(counts[s]), bankID, string(s),
				)
			}
		}
	}

	if c.monitors != nil {
		ch <- prometheus.MustNewConstMetric(
			c.hootMonitorsDesc, prometheus.GaugeValue,
			float64(c.monitors.MonitorCount()),
		)
	}

	if c.dnd != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dndActiveDesc, prometheus.GaugeValue,
			float64(c.dnd.ActiveCount(time.Now())),
		)
	}

	if c.registrations != nil {
		for _, r := range c.registrations.Registrations() {
			val := 0.0
			if r.State == gateway.RegistrationRegistered {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.registrationDesc, prometheus.GaugeValue, val,
				r.BankID, string(r.State),
			)
		}
	}

	if c.archive != nil {
		counts, err := c.archive.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count archived calls", "error", err)
		} else {
			for _, status := range []string{"ended", "failed"} {
				ch <- prometheus.MustNewConstMetric(
					c.archivedCallsDesc, prometheus.CounterValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
