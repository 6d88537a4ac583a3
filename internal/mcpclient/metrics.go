package mcpclient

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// statsExporter exports MCP client metrics for Prometheus, the same
// Describe/Collect shape as the teacher's StatsExporter.
type statsExporter struct {
	client *Client

	mu          sync.Mutex
	connects    map[string]float64
	callsByStat map[[3]string]float64 // [server, tool, status] -> count

	connectsDesc *prometheus.Desc
	callsDesc    *prometheus.Desc
	readyDesc    *prometheus.Desc
}

func newStatsExporter(c *Client) *statsExporter {
	return &statsExporter{
		client:      c,
		connects:    make(map[string]float64),
		callsByStat: make(map[[3]string]float64),

		connectsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_mcp", "", "server_connects_total"),
			"Total number of successful server connects",
			[]string{"server"}, nil,
		),
		callsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_mcp", "", "tool_calls_total"),
			"Total number of tool calls by outcome",
			[]string{"server", "tool", "status"}, nil,
		),
		readyDesc: prometheus.NewDesc(
			prometheus.BuildFQName("xkit_mcp", "", "servers_ready"),
			"Number of servers currently in the ready state",
			nil, nil,
		),
	}
}

func (s *statsExporter) observeConnect(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects[server]++
}

func (s *statsExporter) observeCallStart(server, tool string) {}

func (s *statsExporter) observeCallEnd(server, tool, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callsByStat[[3]string{server, tool, status}]++
}

// Describe implements prometheus.Collector.
func (s *statsExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.connectsDesc
	ch <- s.callsDesc
	ch <- s.readyDesc
}

// Collect implements prometheus.Collector.
func (s *statsExporter) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	for server, v := range s.connects {
		ch <- prometheus.MustNewConstMetric(s.connectsDesc, prometheus.CounterValue, v, server)
	}
	for key, v := range s.callsByStat {
		ch <- prometheus.MustNewConstMetric(s.callsDesc, prometheus.CounterValue, v, key[0], key[1], key[2])
	}
	s.mu.Unlock()

	s.client.mu.RLock()
	ready := 0
	for _, conn := range s.client.conns {
		if conn.State() == StateReady {
			ready++
		}
	}
	s.client.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(s.readyDesc, prometheus.GaugeValue, float64(ready))
}
