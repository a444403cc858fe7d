package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/cadence/internal/campaign"
)

// StatsProvider provides state counts for the gauges
type StatsProvider interface {
	ExecutionStats(ctx context.Context) (map[campaign.StageStatus]int64, error)
	CampaignStats(ctx context.Context) (map[campaign.Status]int64, error)
}

var stageStatuses = []campaign.StageStatus{
	campaign.StagePending,
	campaign.StageDispatched,
	campaign.StageSettling,
	campaign.StageCompleted,
	campaign.StageFailed,
	campaign.StageSkipped,
}

var campaignStatuses = []campaign.Status{
	campaign.StatusDraft,
	campaign.StatusScheduled,
	campaign.StatusActive,
	campaign.StatusPaused,
	campaign.StatusCompleted,
	campaign.StatusCancelled,
}

// Collector periodically updates state and system gauges
type Collector struct {
	metrics     *Metrics
	stats       StatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, stats StatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}

	return &Collector{
		metrics:     m,
		stats:       stats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.updateLoop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// updateLoop periodically updates gauges
func (c *Collector) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates every gauge once
func (c *Collector) Collect(ctx context.Context) {
	// Update uptime
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())

	// Update goroutines
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	// Update storage size
	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}

	if stats, err := c.stats.ExecutionStats(ctx); err == nil {
		for _, s := range stageStatuses {
			c.metrics.StageExecutions.WithLabelValues(string(s)).Set(float64(stats[s]))
		}
	}

	if stats, err := c.stats.CampaignStats(ctx); err == nil {
		for _, s := range campaignStatuses {
			c.metrics.Campaigns.WithLabelValues(string(s)).Set(float64(stats[s]))
		}
	}
}
