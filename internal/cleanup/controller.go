// Package cleanup prunes the in-process caches: expired pod-spec entries and
// stale smart-buffer maps left behind by closed SSE streams.
package cleanup

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/plogdev/plog-backend/internal/metricsbuf"
	"github.com/plogdev/plog-backend/internal/pkg/metrics"
	"github.com/plogdev/plog-backend/internal/podspec"
)

const (
	// Buffer maps idle past this are garbage from a finished or abandoned
	// stream.
	staleAfter = 30 * time.Minute

	// Under memory pressure the idle horizon shrinks.
	pressureStaleAfter = 15 * time.Minute
	memoryPressureBytes = 1 << 30
)

type Config struct {
	Interval            time.Duration
	MemoryCheckInterval time.Duration
}

type Controller struct {
	pods    *podspec.Cache
	buffers *metricsbuf.Store
	cfg     Config
	log     *slog.Logger

	// Overridable for tests.
	nowFn      func() time.Time
	memUsageFn func() uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewController(pods *podspec.Cache, buffers *metricsbuf.Store, cfg Config, log *slog.Logger) *Controller {
	return &Controller{
		pods:       pods,
		buffers:    buffers,
		cfg:        cfg,
		log:        log,
		nowFn:      time.Now,
		memUsageFn: processMemory,
		stopCh:     make(chan struct{}),
	}
}

func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		memTicker := time.NewTicker(c.cfg.MemoryCheckInterval)
		defer memTicker.Stop()

		c.log.Info("cleanup controller started",
			"interval", c.cfg.Interval, "memory_check_interval", c.cfg.MemoryCheckInterval)
		for {
			select {
			case <-ticker.C:
				c.Tick()
			case <-memTicker.C:
				c.MemoryTick()
			case <-c.stopCh:
				c.log.Info("cleanup controller stopped")
				return
			}
		}
	}()
}

func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Tick runs one regular sweep.
func (c *Controller) Tick() {
	expired := c.pods.Cleanup()
	dropped := c.sweepBuffers(staleAfter)
	metrics.CleanupRuns.Inc()
	if expired > 0 || dropped > 0 {
		c.log.Info("cleanup sweep", "expired_pod_specs", expired, "dropped_buffer_jobs", dropped)
	}
}

// MemoryTick force-drops more aggressively when the process is over the
// memory pressure threshold.
func (c *Controller) MemoryTick() {
	usage := c.memUsageFn()
	if usage <= memoryPressureBytes {
		return
	}
	dropped := c.sweepBuffers(pressureStaleAfter)
	c.log.Warn("memory pressure sweep",
		"usage_bytes", usage, "dropped_buffer_jobs", dropped)
}

// sweepBuffers drops every job map that is either entirely empty or has not
// seen a sample within maxIdle.
func (c *Controller) sweepBuffers(maxIdle time.Duration) int {
	now := c.nowFn()
	dropped := 0
	for _, job := range c.buffers.Jobs() {
		if c.buffers.AllEmpty(job) {
			c.buffers.DropJob(job)
			dropped++
			continue
		}
		if now.Sub(c.buffers.LatestTimestamp(job)) > maxIdle {
			c.buffers.DropJob(job)
			dropped++
		}
	}
	return dropped
}

func processMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
