package telemetry

import (
	"sync"
	"time"
)

// LagProvider reports how far a consumer is behind its committed position
type LagProvider interface {
	// Lag returns records consumed but not yet committed
	Lag() int64
}

// MetricsCollector periodically samples providers into gauges
type MetricsCollector struct {
	lag      LagProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector sampling lag every interval
func NewMetricsCollector(lag LagProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		lag:      lag,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector; safe to call more than once
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.lag == nil {
		return
	}
	ReplayLagRecords.Set(float64(mc.lag.Lag()))
}
