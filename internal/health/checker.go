// Package health tracks whether the service's backing dependencies are
// reachable and reports overall readiness.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dependency states reported by Status.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	// FailThreshold is the number of consecutive failures before a
	// dependency is marked degraded.
	FailThreshold int `mapstructure:"fail_threshold" validate:"gte=0"`
}

// Probe checks one dependency. A nil error means reachable.
type Probe func(ctx context.Context) error

// ReadyChangeFunc is an optional callback invoked when overall readiness flips.
type ReadyChangeFunc func(ready bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, success bool)

// Checker runs periodic dependency probes. The service is ready while no
// dependency is degraded.
type Checker struct {
	probes     map[string]Probe
	failCounts map[string]int
	ready      bool
	mu         sync.Mutex
	cfg        Config
	onReady    ReadyChangeFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker. It reports ready until a dependency degrades.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		probes:     make(map[string]Probe),
		failCounts: make(map[string]int),
		ready:      true,
		cfg:        cfg,
		logger:     logger,
	}
}

// Register adds a named dependency probe.
func (h *Checker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// SetReadyChange configures the readiness transition callback.
func (h *Checker) SetReadyChange(fn ReadyChangeFunc) {
	h.onReady = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every registered dependency concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := probe(pctx)
			cancel()

			if h.onMetrics != nil {
				h.onMetrics(name, err == nil)
			}

			h.mu.Lock()
			prevCount := h.failCounts[name]
			if err == nil {
				h.failCounts[name] = 0
			} else {
				h.failCounts[name]++
			}
			count := h.failCounts[name]
			h.mu.Unlock()

			if err == nil && prevCount >= h.cfg.FailThreshold {
				h.logger.Info("health: recovered", zap.String("dependency", name))
			} else if count == h.cfg.FailThreshold {
				// Transition: healthy → degraded (exactly at threshold)
				h.logger.Warn("health: degraded",
					zap.String("dependency", name),
					zap.Int("fail_count", count),
					zap.Error(err),
				)
			}
		}(name, probe)
	}
	wg.Wait()

	h.mu.Lock()
	ready := h.degradedLocked() == 0
	changed := ready != h.ready
	h.ready = ready
	h.mu.Unlock()

	if changed && h.onReady != nil {
		h.onReady(ready)
	}
}

// Ready reports whether every dependency is healthy.
func (h *Checker) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Status returns the state of each registered dependency.
func (h *Checker) Status() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.probes))
	for _, name := range h.namesLocked() {
		out[name] = StatusHealthy
		if h.failCounts[name] >= h.cfg.FailThreshold {
			out[name] = StatusDegraded
		}
	}
	return out
}

func (h *Checker) degradedLocked() int {
	n := 0
	for _, name := range h.namesLocked() {
		if h.failCounts[name] >= h.cfg.FailThreshold {
			n++
		}
	}
	return n
}

func (h *Checker) namesLocked() []string {
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
