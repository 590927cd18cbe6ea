// Package queue holds per-peer bounded FIFOs for messages addressed to
// peers that are currently disconnected. Queues are keyed by peer id
// only; a queue may exist for an id that has never registered.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire/bridge/internal/message"
)

type peerQueue struct {
	items   []message.Envelope
	dropped uint64

	// emptySince is set whenever the queue drains to zero; the zero
	// value means the queue currently holds items.
	emptySince time.Time
}

type Manager struct {
	mu     sync.Mutex
	queues map[string]*peerQueue

	perPeer int // per-peer FIFO capacity; 0 means "never queue"
	ceiling int // hard cap on queued envelopes across all peers
	depth   int // current total across all peers

	// suppressed counts envelopes discarded because queueing is
	// disabled; no per-peer bookkeeping is kept in that mode, or the
	// map would grow with every distinct offline target id.
	suppressed uint64

	logger *slog.Logger
}

func NewManager(perPeer, ceiling int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if perPeer < 0 {
		perPeer = 0
	}
	if ceiling < perPeer {
		ceiling = perPeer
	}

	return &Manager{
		queues:  make(map[string]*peerQueue),
		perPeer: perPeer,
		ceiling: ceiling,
		logger:  logger,
	}
}

// Enqueue appends an envelope to the peer's FIFO. A full FIFO drops its
// oldest entry first; once the global ceiling is reached the longest
// queue gives up its oldest entry instead. Never grows unbounded.
func (m *Manager) Enqueue(peerID string, env message.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.perPeer == 0 {
		m.suppressed++
		m.logger.Debug("queueing disabled, envelope dropped", "peer", peerID, "envelope", env.ID)
		return
	}

	q := m.queues[peerID]
	if q == nil {
		q = &peerQueue{emptySince: time.Now()}
		m.queues[peerID] = q
	}

	if len(q.items) >= m.perPeer {
		m.popOldest(peerID, q)
	} else if m.depth >= m.ceiling {
		m.evictFromLongest()
	}

	q.items = append(q.items, env)
	q.emptySince = time.Time{}
	m.depth++
}

// Flush atomically removes and returns every queued envelope for the
// peer in FIFO order. Bookkeeping (drop counters) survives until the
// supervisor purges it.
func (m *Manager) Flush(peerID string) []message.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[peerID]
	if q == nil || len(q.items) == 0 {
		return nil
	}

	items := q.items
	q.items = nil
	q.emptySince = time.Now()
	m.depth -= len(items)
	return items
}

// PurgeIfEmpty removes the peer's bookkeeping once its queue has been
// empty for longer than the retention window. The caller is
// responsible for checking that the peer has no active connection.
func (m *Manager) PurgeIfEmpty(peerID string, retention time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[peerID]
	if q == nil || len(q.items) > 0 {
		return false
	}
	if time.Since(q.emptySince) < retention {
		return false
	}

	delete(m.queues, peerID)
	return true
}

func (m *Manager) Depth(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[peerID]; q != nil {
		return len(q.items)
	}
	return 0
}

func (m *Manager) Dropped(peerID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[peerID]; q != nil {
		return q.dropped
	}
	return 0
}

// Suppressed reports envelopes discarded because queueing is disabled.
func (m *Manager) Suppressed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed
}

func (m *Manager) TotalDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// PeerIDs lists every peer id with queue bookkeeping, empty or not.
func (m *Manager) PeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	return ids
}

// popOldest removes the head of q. Caller holds m.mu.
func (m *Manager) popOldest(peerID string, q *peerQueue) {
	dropped := q.items[0]
	q.items = q.items[1:]
	q.dropped++
	m.depth--
	if len(q.items) == 0 {
		q.emptySince = time.Now()
	}
	m.logger.Debug("offline queue full, dropped oldest", "peer", peerID, "envelope", dropped.ID)
}

// evictFromLongest frees one slot under the global ceiling by dropping
// the oldest entry of the deepest queue. Caller holds m.mu.
func (m *Manager) evictFromLongest() {
	var victimID string
	var victim *peerQueue
	for id, q := range m.queues {
		if victim == nil || len(q.items) > len(victim.items) {
			victimID, victim = id, q
		}
	}
	if victim != nil && len(victim.items) > 0 {
		m.popOldest(victimID, victim)
	}
}
