// Package metrics exposes node values and poll outcomes to Prometheus.
package metrics

import (
	"time"

	"github.com/jameshartig/emporiasync/pkg/poller"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Nodes is the registry view the collector reads on every scrape.
type Nodes interface {
	Nodes() []types.NodeInfo
}

// Collector implements prometheus.Collector over the registry's nodes.
type Collector struct {
	nodes Nodes

	value   *prometheus.Desc
	info    *prometheus.Desc
	updated *prometheus.Desc
}

func NewCollector(nodes Nodes) *Collector {
	return &Collector{
		nodes: nodes,
		value: prometheus.NewDesc(
			"emporiasync_node_value",
			"Latest value of a node driver",
			[]string{"address", "driver", "description"},
			nil,
		),
		info: prometheus.NewDesc(
			"emporiasync_node_info",
			"Node identity",
			[]string{"address", "parent", "name", "kind", "channel"},
			nil,
		),
		updated: prometheus.NewDesc(
			"emporiasync_node_updated_timestamp_seconds",
			"Unix time the node last changed",
			[]string{"address"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
	ch <- c.info
	ch <- c.updated
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, n := range c.nodes.Nodes() {
		ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, n.Address, n.Parent, n.Name, n.Kind.String(), n.ChannelNum)
		if !n.UpdatedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.updated, prometheus.GaugeValue, float64(n.UpdatedAt.Unix()), n.Address)
		}
		for _, d := range n.Kind.Drivers() {
			v, ok := n.Drivers[d]
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, v, n.Address, string(d), d.Description())
		}
	}
}

var (
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emporiasync_polls_total",
			Help: "Poll cycles by scale and outcome",
		},
		[]string{"scale", "result"},
	)
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emporiasync_poll_duration_seconds",
			Help:    "Duration of poll cycles",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scale"},
	)
	itemFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emporiasync_poll_item_failures_total",
			Help: "Node operations that failed within a poll",
		},
		[]string{"op"},
	)
	discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emporiasync_discoveries_total",
			Help: "Discovery passes by outcome",
		},
		[]string{"result"},
	)
	nodesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emporiasync_nodes_created_total",
			Help: "Nodes created by discovery",
		},
	)
)

// Collectors returns the poll and discovery collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{polls, pollDuration, itemFailures, discoveries, nodesCreated}
}

// ObservePoll records the outcome of one poll cycle.
func ObservePoll(scale types.Scale, report poller.Report, err error, took time.Duration) {
	s := string(scale)
	pollDuration.WithLabelValues(s).Observe(took.Seconds())
	switch {
	case err != nil:
		polls.WithLabelValues(s, "error").Inc()
		return
	case len(report.Failed()) > 0 || report.StatusErr != nil:
		polls.WithLabelValues(s, "partial").Inc()
	default:
		polls.WithLabelValues(s, "ok").Inc()
	}
	for _, res := range report.Failed() {
		itemFailures.WithLabelValues(string(res.Op)).Inc()
	}
}

// ObserveDiscovery records a discovery pass.
func ObserveDiscovery(created int, err error) {
	if err != nil {
		discoveries.WithLabelValues("error").Inc()
		return
	}
	discoveries.WithLabelValues("ok").Inc()
	nodesCreated.Add(float64(created))
}

// Registry builds a registry from the node collector, the poll collectors
// and any extra collector groups.
func Registry(nodes Nodes, extra ...[]prometheus.Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(nodes))
	registry.MustRegister(Collectors()...)
	for _, group := range extra {
		registry.MustRegister(group...)
	}
	return registry
}
