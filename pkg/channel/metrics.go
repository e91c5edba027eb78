package channel

import (
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmchan/api"
)

// Collector exports the process-local counters of registered endpoints.
type Collector struct {
	endpoints cmap.ConcurrentMap[string, api.Endpoint]
	messages  *prometheus.Desc
	bytes     *prometheus.Desc
	owner     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns an empty Collector whose metrics live under namespace.
func NewCollector(namespace string) *Collector {
	labels := []string{"endpoint"}
	return &Collector{
		endpoints: cmap.New[api.Endpoint](),
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "channel", "messages_total"),
			"Messages handed over by the endpoint in this process.", labels, nil),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "channel", "bytes_total"),
			"Payload bytes copied by the endpoint in this process.", labels, nil),
		owner: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "channel", "owner"),
			"Current ownership flag (0 sender, 1 receiver).", labels, nil),
	}
}

// Register adds e under name, replacing any endpoint already there.
func (c *Collector) Register(name string, e api.Endpoint) {
	c.endpoints.Set(name, e)
}

func (c *Collector) Unregister(name string) {
	c.endpoints.Remove(name)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.bytes
	ch <- c.owner
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for item := range c.endpoints.IterBuffered() {
		st := item.Val.Stats()
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.Messages), item.Key)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.Bytes), item.Key)
		ch <- prometheus.MustNewConstMetric(c.owner, prometheus.GaugeValue, float64(item.Val.Owner()), item.Key)
	}
}
