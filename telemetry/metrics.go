package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements scheduler.Metrics with one histogram, one gauge
// and three counters: ready nodes observed
// per step, nodes currently running, nodes finished/failed totals, and
// pipe bytes written.
type Collector struct {
	readyNodes         prometheus.Histogram
	nodesRunning       prometheus.Gauge
	nodesFinishedTotal prometheus.Counter
	nodesFailedTotal   prometheus.Counter
	pipeBytesWritten   prometheus.Counter
}

// NewCollector registers the scheduler's metrics under namespace with
// the default Prometheus registry, matching the teacher's promauto
// convenience constructors.
func NewCollector(namespace string) *Collector {
	return &Collector{
		readyNodes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ready_nodes",
			Help:      "Number of nodes found ready to dispatch per scheduler step.",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		nodesRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_running",
			Help:      "Number of node bodies currently executing.",
		}),
		nodesFinishedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_finished_total",
			Help:      "Total number of nodes that reached the finished state.",
		}),
		nodesFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_failed_total",
			Help:      "Total number of nodes that reached the failed state.",
		}),
		pipeBytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipe_bytes_written_total",
			Help:      "Total number of bytes written across all node output pipes.",
		}),
	}
}

func (c *Collector) ObserveReadyNodes(n int)   { c.readyNodes.Observe(float64(n)) }
func (c *Collector) IncNodesRunning(delta int) { c.nodesRunning.Add(float64(delta)) }
func (c *Collector) IncNodesFinished()         { c.nodesFinishedTotal.Inc() }
func (c *Collector) IncNodesFailed()           { c.nodesFailedTotal.Inc() }
func (c *Collector) AddPipeBytesWritten(n int) { c.pipeBytesWritten.Add(float64(n)) }

// Handler serves the collected metrics in the Prometheus exposition
// format, for mounting on the debug/metrics address.
func Handler() http.Handler {
	return promhttp.Handler()
}
