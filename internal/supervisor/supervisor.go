// Package supervisor runs the periodic sweep that prunes dead
// connections, forgets long-gone peers and sheds caches under memory
// pressure. It is a cost control: switching it off degrades memory use
// but never loses messages for active peers.
package supervisor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"

	"github.com/agentwire/bridge/internal/history"
	"github.com/agentwire/bridge/internal/queue"
	"github.com/agentwire/bridge/internal/registry"
)

type Options struct {
	BaseInterval   time.Duration
	ProbeAfter     time.Duration // idle time before an active peer gets probed
	Retention      time.Duration // how long disconnected peers and empty queues are kept
	PruneThreshold int           // prunes per sweep that trigger a faster next sweep
	PressureLimit  float64       // heap-used ratio that triggers cache shedding

	// Pressure overrides the memory-pressure signal; nil uses the
	// heap-inuse / total-system-memory ratio.
	Pressure func() float64

	// Clock overrides the timer source for tests.
	Clock clock.Clock
}

type Supervisor struct {
	registry *registry.Registry
	queues   *queue.Manager
	history  *history.Ring
	logger   *slog.Logger

	clk            clock.Clock
	base           time.Duration
	probeAfter     time.Duration
	retention      time.Duration
	pruneThreshold int
	pressure       func() float64
	pressureLimit  float64

	mu       sync.Mutex
	interval time.Duration

	sweeping atomic.Bool
}

func New(reg *registry.Registry, queues *queue.Manager, ring *history.Ring, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Pressure == nil {
		opts.Pressure = heapRatio
	}
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = time.Minute
	}

	return &Supervisor{
		registry:       reg,
		queues:         queues,
		history:        ring,
		logger:         logger,
		clk:            opts.Clock,
		base:           opts.BaseInterval,
		probeAfter:     opts.ProbeAfter,
		retention:      opts.Retention,
		pruneThreshold: opts.PruneThreshold,
		pressure:       opts.Pressure,
		pressureLimit:  opts.PressureLimit,
		interval:       opts.BaseInterval,
	}
}

// Run sweeps on an adaptive timer until ctx is cancelled. A sweep that
// prunes more than the threshold halves the next interval; quiet
// sweeps relax it back toward the base.
func (s *Supervisor) Run(ctx context.Context) {
	timer := s.clk.Timer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			pruned := s.Sweep()
			s.adjust(pruned)
			timer.Reset(s.Interval())
		}
	}
}

// Sweep runs one pass. Returns the number of pruned peers, or -1 when
// skipped because the previous sweep is still running.
func (s *Supervisor) Sweep() int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return -1
	}
	defer s.sweeping.Store(false)

	now := s.clk.Now()
	pruned := 0

	for _, p := range s.registry.Peers() {
		switch p.State {
		case registry.StateActive:
			if now.Sub(p.LastActivity) < s.probeAfter {
				continue
			}
			if err := s.registry.Probe(p.ID); err != nil {
				s.logger.Warn("liveness probe failed", "peer", p.ID, "err", err)
				s.registry.Drop(p.ID, registry.ReasonDead)
				pruned++
			}
		case registry.StateDisconnected:
			if now.Sub(p.LastActivity) >= s.retention && s.queues.Depth(p.ID) == 0 {
				s.registry.Remove(p.ID)
				s.queues.PurgeIfEmpty(p.ID, 0)
				pruned++
			}
		}
	}

	// Queue bookkeeping for ids without a live peer (never registered,
	// or removed above).
	for _, id := range s.queues.PeerIDs() {
		if s.registry.LookupActive(id) == nil {
			s.queues.PurgeIfEmpty(id, s.retention)
		}
	}

	if ratio := s.pressure(); ratio >= s.pressureLimit && s.pressureLimit > 0 {
		s.logger.Warn("memory pressure, shedding caches", "ratio", ratio)
		s.history.DropCaches()
	}

	if pruned > 0 {
		s.logger.Info("sweep complete", "pruned", pruned)
	}
	return pruned
}

// Interval reports the current sweep interval.
func (s *Supervisor) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Supervisor) adjust(pruned int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pruned > s.pruneThreshold {
		s.interval /= 2
		if min := s.base / 8; s.interval < min {
			s.interval = min
		}
		return
	}

	s.interval *= 2
	if s.interval > s.base {
		s.interval = s.base
	}
}

// heapRatio is the default pressure signal: Go heap in use relative to
// total system memory.
func heapRatio() float64 {
	total := memory.TotalMemory()
	if total == 0 {
		return 0
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse) / float64(total)
}
