package cache

import "github.com/prometheus/client_golang/prometheus"

// StatsSource 能提供统计快照的缓存
type StatsSource interface {
	Name() string
	Stats() Stats
}

// Collector 把若干缓存的统计导出为 prometheus 指标
type Collector struct {
	sources   []StatsSource
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	expires   *prometheus.Desc
	size      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector 创建采集器，namespace 为空时使用 bookingsaga
func NewCollector(namespace string, sources ...StatsSource) *Collector {
	if namespace == "" {
		namespace = "bookingsaga"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, []string{"cache"}, nil)
	}
	return &Collector{
		sources:   sources,
		hits:      desc("hits_total", "Cache hits"),
		misses:    desc("misses_total", "Cache misses"),
		evictions: desc("evictions_total", "Entries evicted by the LRU policy"),
		expires:   desc("expires_total", "Entries dropped after their TTL"),
		size:      desc("entries", "Current number of entries"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expires
	ch <- c.size
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		s := src.Stats()
		name := src.Name()
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.expires, prometheus.CounterValue, float64(s.Expires), name)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size), name)
	}
}
