package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

// StatusCounter counts campaign contacts by status
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// trackedStatuses always get a series, even at zero
var trackedStatuses = []string{
	models.StatusInProgress,
	models.StatusProcessing,
	models.StatusCompleted,
	models.StatusFailed,
	models.StatusReplied,
	models.StatusUnsubscribed,
}

// Collector refreshes gauges that are read from the store
type Collector struct {
	metrics   *Metrics
	counter   StatusCounter
	interval  time.Duration
	startTime time.Time
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector refreshing every interval
func NewCollector(m *Metrics, counter StatusCounter, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		metrics:   m,
		counter:   counter,
		interval:  interval,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the refresh loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the refresh loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
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

// Collect refreshes every gauge once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.counter == nil {
		return
	}
	counts, err := c.counter.StatusCounts(ctx)
	if err != nil {
		c.logger.Warn("failed to collect contact status counts", "error", err)
		return
	}
	for _, status := range trackedStatuses {
		c.metrics.CampaignContacts.WithLabelValues(status).Set(float64(counts[status]))
	}
}
