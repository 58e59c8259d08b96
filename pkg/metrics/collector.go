package metrics

import (
	"time"

	"github.com/cuemby/paddock/pkg/storage"
)

// Collector periodically gauges fleet counts from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectVMMetrics()
	c.collectLaunchRequestMetrics()
	c.collectCandidateMetrics()
	c.collectSeedMetrics()
}

func (c *Collector) collectVMMetrics() {
	vms, err := c.store.ListVMs()
	if err != nil {
		return
	}
	active := 0
	for _, vm := range vms {
		if vm.Active() {
			active++
		}
	}
	ActiveVMs.Set(float64(active))
}

func (c *Collector) collectLaunchRequestMetrics() {
	requests, err := c.store.ListLaunchRequests()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, lr := range requests {
		counts[string(lr.Status)]++
	}
	LaunchRequestsTotal.Reset()
	for status, n := range counts {
		LaunchRequestsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectCandidateMetrics() {
	candidates, err := c.store.ListCandidates()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, cand := range candidates {
		if cand.Active() {
			counts[string(cand.Role)]++
		}
	}
	CandidatesTotal.Reset()
	for role, n := range counts {
		CandidatesTotal.WithLabelValues(role).Set(float64(n))
	}
}

func (c *Collector) collectSeedMetrics() {
	statuses, err := c.store.ListSeedStatuses()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, st := range statuses {
		counts[string(st.Status)]++
	}
	SeedClaimsTotal.Reset()
	for state, n := range counts {
		SeedClaimsTotal.WithLabelValues(state).Set(float64(n))
	}
}
