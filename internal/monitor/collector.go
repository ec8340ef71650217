package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceSample is one reading of host utilisation
type ResourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
}

// ResourceCollector samples host CPU and memory on an interval and
// publishes them as gauges
type ResourceCollector struct {
	logger   *zap.Logger
	metrics  *Metrics
	interval time.Duration
	mu       sync.RWMutex
	last     ResourceSample
	stop     chan struct{}
	once     sync.Once

	cpuPercent func(time.Duration, bool) ([]float64, error)
	memPercent func() (float64, error)
}

// NewResourceCollector creates a new collector; metrics may be nil
func NewResourceCollector(logger *zap.Logger, metrics *Metrics, interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ResourceCollector{
		logger:     logger.Named("resource-collector"),
		metrics:    metrics,
		interval:   interval,
		stop:       make(chan struct{}),
		cpuPercent: cpu.Percent,
		memPercent: func() (float64, error) {
			v, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return v.UsedPercent, nil
		},
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *ResourceCollector) Start(ctx context.Context) {
	c.logger.Info("Starting resource collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop
func (c *ResourceCollector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping resource collector")
		close(c.stop)
	})
}

func (c *ResourceCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample and updates the gauges
func (c *ResourceCollector) Collect() (ResourceSample, error) {
	cpuPercent, err := c.cpuPercent(0, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return ResourceSample{}, err
	}
	memPercent, err := c.memPercent()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return ResourceSample{}, err
	}

	sample := ResourceSample{Timestamp: time.Now(), MemoryPercent: memPercent}
	if len(cpuPercent) > 0 {
		sample.CPUPercent = cpuPercent[0]
	}

	c.mu.Lock()
	c.last = sample
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.HostCPUPercent.Set(sample.CPUPercent)
		c.metrics.HostMemoryPercent.Set(sample.MemoryPercent)
	}

	c.logger.Debug("Resources collected",
		zap.Float64("cpu_percent", sample.CPUPercent),
		zap.Float64("memory_percent", sample.MemoryPercent))
	return sample, nil
}

// Last returns the most recent sample
func (c *ResourceCollector) Last() ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// WorkerCount returns the number of logical cores, used to size the
// detection worker pool
func WorkerCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
