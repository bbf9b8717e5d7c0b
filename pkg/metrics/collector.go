package metrics

import (
	"context"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
)

// TrafficSource reads the routing state applied to the cluster
type TrafficSource interface {
	Traffic(ctx context.Context) (types.TrafficState, error)
}

// BackupCounter reports how many backups are retained
type BackupCounter interface {
	Count() (int, error)
}

// Collector periodically refreshes gauges that mirror cluster state
type Collector struct {
	environment string
	traffic     TrafficSource
	backups     BackupCounter
	health      *HealthChecker
	interval    time.Duration
	stopCh      chan struct{}
}

// NewCollector creates a new collector for one environment. health may be nil.
func NewCollector(environment string, traffic TrafficSource, backups BackupCounter, health *HealthChecker) *Collector {
	return &Collector{
		environment: environment,
		traffic:     traffic,
		backups:     backups,
		health:      health,
		interval:    15 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	c.collectTraffic(ctx)
	c.collectBackups()
}

func (c *Collector) collectTraffic(ctx context.Context) {
	state, err := c.traffic.Traffic(ctx)
	if c.health != nil {
		if err != nil {
			c.health.Update("orchestrator", false, err.Error())
		} else {
			c.health.Update("orchestrator", true, "")
		}
	}
	if err != nil {
		return
	}
	CanaryWeight.WithLabelValues(c.environment).Set(float64(state.CandidateWeight))
}

func (c *Collector) collectBackups() {
	n, err := c.backups.Count()
	if c.health != nil {
		if err != nil {
			c.health.Update("storage", false, err.Error())
		} else {
			c.health.Update("storage", true, "")
		}
	}
	if err != nil {
		return
	}
	BackupsStored.Set(float64(n))
}
