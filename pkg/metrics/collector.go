package metrics

import (
	"time"

	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/types"
)

// Collector periodically refreshes the task gauges from the project stores.
type Collector struct {
	stores func() []*store.Store
	stopCh chan struct{}
	clock  func() time.Time
}

// NewCollector creates a collector. The stores callback is re-invoked every
// cycle so newly discovered projects are picked up.
func NewCollector(stores func() []*store.Store) *Collector {
	return &Collector{
		stores: stores,
		stopCh: make(chan struct{}),
		clock:  time.Now,
	}
}

// Start begins collecting on a 15-second cadence.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
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

// Collect performs one refresh pass.
func (c *Collector) Collect() {
	TasksTotal.Reset()
	TaskStalenessSeconds.Reset()

	now := c.clock()
	for _, st := range c.stores() {
		tasks, err := st.List(store.Filter{})
		if err != nil {
			continue
		}

		counts := make(map[[2]string]int)
		for _, task := range tasks {
			agent := task.Routing.Agent
			if task.Lease != nil {
				agent = task.Lease.Agent
			}
			counts[[2]string{agent, string(task.Status)}]++

			if task.Status == types.StatusInProgress {
				staleness := now.Sub(task.UpdatedAt).Seconds()
				TaskStalenessSeconds.WithLabelValues(agent, task.ID).Set(staleness)
			}
		}
		for key, n := range counts {
			TasksTotal.WithLabelValues(key[0], key[1]).Add(float64(n))
		}
	}
}
