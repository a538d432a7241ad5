package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	instancesDesc = prometheus.NewDesc("taskpilot_browser_instances",
		"Pooled browser instances by status.", []string{"status"}, nil)
	tabsDesc = prometheus.NewDesc("taskpilot_browser_tabs_active",
		"Open tabs across the pool.", nil, nil)
)

// collector reports the allocation table on scrape.
type collector struct {
	m *Manager
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- instancesDesc
	ch <- tabsDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	counts := map[InstanceStatus]int{InstanceIdle: 0, InstanceBusy: 0, InstanceError: 0}
	tabs := 0
	for _, v := range c.m.Snapshot() {
		counts[v.Status]++
		tabs += len(v.ActiveTabs)
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(instancesDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(tabsDesc, prometheus.GaugeValue, float64(tabs))
}

// RegisterMetrics exposes m on reg. Registering a second manager is a no-op.
func RegisterMetrics(reg prometheus.Registerer, m *Manager) error {
	err := reg.Register(collector{m: m})
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}
