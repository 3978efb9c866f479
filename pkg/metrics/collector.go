package metrics

import (
	"time"

	"github.com/cuemby/drillmaster/pkg/store"
)

// Collector periodically samples the store and republishes fleet-wide
// gauges, so Prometheus reflects drone and queue state even between API
// requests and scheduler ticks.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given store.
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDroneMetrics()
	c.collectQueueMetrics()
	c.collectHealthMetrics()
}

func (c *Collector) collectDroneMetrics() {
	drones, err := c.store.ListDrones()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, d := range drones {
		kind := string(d.Kind)
		status := string(d.Status)
		if counts[kind] == nil {
			counts[kind] = make(map[string]int)
		}
		counts[kind][status]++
	}

	for kind, statuses := range counts {
		for status, n := range statuses {
			DronesTotal.WithLabelValues(kind, status).Set(float64(n))
		}
	}
}

func (c *Collector) collectQueueMetrics() {
	items, err := c.store.ListQueueItems()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, item := range items {
		counts[string(item.Status)]++
	}
	for status, n := range counts {
		QueueItemsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectHealthMetrics() {
	records, err := c.store.ListHealthRecords()
	if err != nil {
		return
	}

	grounded := 0
	now := time.Now()
	for _, rec := range records {
		EscalationLevel.WithLabelValues(rec.DroneID).Set(float64(rec.EscalationLevel))
		if rec.Grounded(now) {
			grounded++
		}
	}
	DronesGrounded.Set(float64(grounded))
}
