package metrics

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// Snapshot is the state of the service reflected in gauges
type Snapshot struct {
	TotalSent          int64
	TotalFailed        int64
	SentInCurrentHour  int
	SentInCurrentDay   int
	RemainingHour      int
	RemainingDay       int
	Recipients         int
	EligibleRecipients int
}

// SnapshotProvider supplies usage and recipient numbers for gauges
type SnapshotProvider interface {
	MetricsSnapshot(ctx context.Context) (*Snapshot, error)
}

// Collector periodically refreshes gauges.
// Lifetime counters come from the durable ledger, so they survive restarts
// without separate persistence.
type Collector struct {
	metrics     *Metrics
	provider    SnapshotProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time
	logger      *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, provider SnapshotProvider, storagePath string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Collector{
		metrics:     m,
		provider:    provider,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
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

// Collect refreshes every gauge once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.provider == nil {
		return
	}

	snap, err := c.provider.MetricsSnapshot(ctx)
	if err != nil {
		c.logger.Warn("failed to collect snapshot", "error", err)
		return
	}

	c.metrics.LifetimeSent.Set(float64(snap.TotalSent))
	c.metrics.LifetimeFailed.Set(float64(snap.TotalFailed))
	c.metrics.SentCurrentHour.Set(float64(snap.SentInCurrentHour))
	c.metrics.SentCurrentDay.Set(float64(snap.SentInCurrentDay))
	c.metrics.RemainingHour.Set(float64(snap.RemainingHour))
	c.metrics.RemainingDay.Set(float64(snap.RemainingDay))
	c.metrics.RecipientsTotal.Set(float64(snap.Recipients))
	c.metrics.RecipientsEligible.Set(float64(snap.EligibleRecipients))
}
