package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// Metrics holds the counters the request and reaper paths increment.
type Metrics struct {
	Claims      prometheus.Counter
	Transitions *prometheus.CounterVec
	Reaped      prometheus.Counter
}

// NewMetrics registers and returns the engine counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gearqueue_claims_total",
			Help: "Jobs successfully claimed by pollers.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gearqueue_transitions_total",
			Help: "Job state transitions applied, by target state.",
		}, []string{"to"}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gearqueue_reaped_total",
			Help: "Jobs failed by the reaper for heartbeat timeout.",
		}),
	}
	reg.MustRegister(m.Claims, m.Transitions, m.Reaped)
	return m
}

// StatsFunc supplies queue statistics for scraping.
type StatsFunc func(ctx context.Context) (*core.QueueStats, error)

// queueCollector exposes jobs-by-state and permafailed gauges computed at
// scrape time, so the gauge always reflects the store, never a cache.
type queueCollector struct {
	stats       StatsFunc
	byState     *prometheus.Desc
	permafailed *prometheus.Desc
}

// NewQueueCollector builds a prometheus collector over queue statistics.
func NewQueueCollector(stats StatsFunc) prometheus.Collector {
	return &queueCollector{
		stats: stats,
		byState: prometheus.NewDesc(
			"gearqueue_jobs",
			"Jobs currently recorded, by state.",
			[]string{"state"}, nil),
		permafailed: prometheus.NewDesc(
			"gearqueue_jobs_permafailed",
			"Failed jobs that exhausted their retry budget.",
			nil, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byState
	ch <- c.permafailed
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.byState, err)
		return
	}
	for state, count := range stats.ByState {
		ch <- prometheus.MustNewConstMetric(c.byState, prometheus.GaugeValue, float64(count), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.permafailed, prometheus.GaugeValue, float64(stats.Permafailed))
}
