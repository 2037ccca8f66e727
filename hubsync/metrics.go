package hubsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PollPasses     prometheus.Counter
	PollFailures   *prometheus.CounterVec
	PushMessages   *prometheus.CounterVec
	PushConnected  prometheus.Gauge
	PushReconnects prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "hubsync_poll_passes_total",
			Help: "Number of completed poll passes",
		}),
		PollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hubsync_poll_failures_total",
			Help: "Failed requests during poll passes, by reason",
		}, []string{"reason"}),
		PushMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hubsync_push_messages_total",
			Help: "Push messages received, by how they were routed",
		}, []string{"route"}),
		PushConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hubsync_push_connected",
			Help: "1 while the push connection is open",
		}),
		PushReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "hubsync_push_reconnects_total",
			Help: "Number of scheduled push reconnect attempts",
		}),
	}
}

var (
	consumptionDesc = prometheus.NewDesc(
		"hubsync_device_consumption_watts",
		"Last known power draw of a device",
		[]string{"device", "name", "status"}, nil,
	)
	lastUpdatedDesc = prometheus.NewDesc(
		"hubsync_device_last_updated_timestamp_seconds",
		"Time of the last write to a device's telemetry",
		[]string{"device"}, nil,
	)
)

// storeCollector exports the store contents at scrape time.
type storeCollector struct {
	store *Store
}

func (c storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- consumptionDesc
	ch <- lastUpdatedDesc
}

func (c storeCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.store.Snapshot() {
		ch <- prometheus.MustNewConstMetric(consumptionDesc, prometheus.GaugeValue, t.Consumption, t.DeviceID, t.DeviceName, string(t.Status))
		if !t.LastUpdated.IsZero() {
			ch <- prometheus.MustNewConstMetric(lastUpdatedDesc, prometheus.GaugeValue, float64(t.LastUpdated.Unix()), t.DeviceID)
		}
	}
}
