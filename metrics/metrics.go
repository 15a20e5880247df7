// Package metrics exports the packet counter to Prometheus.
//
// The packet count is read from the counter map at scrape time rather
// than copied on every tick, so a scrape always sees the value the
// kernel holds at that moment.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-pktcount"
)

const namespace = "pktcount"

// Source is what the collector reads from; *control.Process satisfies
// it.
type Source interface {
	Read() (uint64, error)
	Status() pktcount.Status
}

// Collector implements prometheus.Collector for one counter.
type Collector struct {
	source   Source
	iface    string
	packets  *prometheus.Desc
	attached *prometheus.Desc
	readErrs prometheus.Counter
	attempts *prometheus.CounterVec
}

// NewCollector returns a collector reading from source. iface labels
// the per-interface series.
func NewCollector(source Source, iface string) *Collector {
	return &Collector{
		source: source,
		iface:  iface,
		packets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "packets_total"),
			"Packets seen by the counter program since it was attached or last reset.",
			[]string{"interface"}, nil),
		attached: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "attached"),
			"Whether the counter program is attached (1) or not (0).",
			[]string{"interface"}, nil),
		readErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed reads of the counter map.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_attempts_total",
			Help:      "Attach attempts by result.",
		}, []string{"result"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packets
	ch <- c.attached
	c.readErrs.Describe(ch)
	c.attempts.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	attached := 0.0
	if c.source.Status().State == pktcount.StateAttached {
		attached = 1
		if v, err := c.source.Read(); err != nil {
			c.ObserveReadError(err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(v), c.iface)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.attached, prometheus.GaugeValue, attached, c.iface)
	c.readErrs.Collect(ch)
	c.attempts.Collect(ch)
}

// ObserveAttach records the outcome of an attach attempt. It has the
// signature control.WithAttachObserver expects.
func (c *Collector) ObserveAttach(err error) {
	c.attempts.WithLabelValues(attachResult(err)).Inc()
}

// ObserveReadError counts a failed counter read.
func (c *Collector) ObserveReadError(error) {
	c.readErrs.Inc()
}

func attachResult(err error) string {
	var (
		loadErr   *pktcount.LoadError
		attachErr *pktcount.AttachError
		permErr   *pktcount.PermissionError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &permErr):
		return "permission_error"
	case errors.As(err, &loadErr):
		return "load_error"
	case errors.As(err, &attachErr):
		return "attach_error"
	default:
		return "error"
	}
}
