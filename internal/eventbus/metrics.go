package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// statsExporter exports bus metrics for Prometheus, the same
// Describe/Collect shape as the teacher's StatsExporter.
type statsExporter struct {
	bus *Bus

	mu             sync.Mutex
	publishedTotal map[string]float64
	handlerFailed  map[string]float64

	publishedDesc     *prometheus.Desc
	handlerFailedDesc *prometheus.Desc
	subscribersDesc   *prometheus.Desc
	inboxDepthDesc    *prometheus.Desc
	dropsDesc         *prometheus.Desc
}

func newStatsExporter(b *Bus) *statsExporter {
	return &statsExporter{
		bus:            b,
		publishedTotal: make(map[string]float64),
		handlerFailed:  make(map[string]float64),

		publishedDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_eventbus", "", "published_total"),
			"Total number of events published by event type",
			[]string{"event_type"}, nil,
		),
		handlerFailedDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_eventbus", "", "handler_failed_total"),
			"Total number of handler failures by event type",
			[]string{"event_type"}, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_eventbus", "", "subscribers"),
			"Number of active subscriptions",
			nil, nil,
		),
		inboxDepthDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_eventbus", "", "inbox_depth"),
			"Current depth of a subscriber inbox",
			[]string{"subscriber"}, nil,
		),
		dropsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_eventbus", "", "best_effort_drops_total"),
			"Total number of best-effort envelopes dropped",
			[]string{"subscriber"}, nil,
		),
	}
}

func (s *statsExporter) observePublish(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishedTotal[eventType]++
}

func (s *statsExporter) observeHandlerFailure(eventType, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerFailed[eventType]++
}

// Describe implements prometheus.Collector.
func (s *statsExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.publishedDesc
	ch <- s.handlerFailedDesc
	ch <- s.subscribersDesc
	ch <- s.inboxDepthDesc
	ch <- s.dropsDesc
}

// Collect implements prometheus.Collector.
func (s *statsExporter) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	for eventType, v := range s.publishedTotal {
		ch <- prometheus.MustNewConstMetric(s.publishedDesc, prometheus.CounterValue, v, eventType)
	}
	for eventType, v := range s.handlerFailed {
		ch <- prometheus.MustNewConstMetric(s.handlerFailedDesc, prometheus.CounterValue, v, eventType)
	}
	s.mu.Unlock()

	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(s.subscribersDesc, prometheus.GaugeValue, float64(len(s.bus.subs)))

	for _, sub := range s.bus.subs {
		ch <- prometheus.MustNewConstMetric(s.inboxDepthDesc, prometheus.GaugeValue, float64(len(sub.inbox)), sub.subscriberID)
		ch <- prometheus.MustNewConstMetric(s.dropsDesc, prometheus.CounterValue, float64(sub.drops.Load()), sub.subscriberID)
	}
}
