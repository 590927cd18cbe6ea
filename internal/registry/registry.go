// Package registry owns peer records and their connection lifecycle.
// All mutation goes through one mutex so registration races resolve
// deterministically to last-registration-wins.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Close reasons passed to Conn.Close.
const (
	ReasonSuperseded      = "superseded"
	ReasonCapacity        = "capacity exceeded"
	ReasonDeliveryFailure = "delivery failure"
	ReasonDead            = "liveness probe failed"
)

var ErrCapacityExceeded = errors.New("capacity exceeded")

// Conn is the live transport handle for a peer. Send must be
// non-blocking: a full outbound buffer is an error, not a stall.
type Conn interface {
	Send(frame []byte) error
	Close(reason string)
	Probe() error
}

type State int

const (
	StateRegistering State = iota
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type peer struct {
	id           string
	state        State
	conn         Conn
	registeredAt time.Time
	lastActivity time.Time
}

// PeerInfo is a point-in-time copy of a peer record for callers that
// must not hold the registry lock (supervisor, control plane).
type PeerInfo struct {
	ID           string
	State        State
	RegisteredAt time.Time
	LastActivity time.Time
}

type Registry struct {
	mu        sync.Mutex
	peers     map[string]*peer
	maxActive int
	logger    *slog.Logger
}

func New(maxActive int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		peers:     make(map[string]*peer),
		maxActive: maxActive,
		logger:    logger,
	}
}

// Register claims peerID for conn. A connection already active under
// the same id is preempted and closed with a superseded reason; at the
// peer ceiling a registration for a new id is refused instead of
// evicting anyone.
func (r *Registry) Register(peerID string, conn Conn) error {
	r.mu.Lock()

	p := r.peers[peerID]
	var superseded Conn
	if p != nil && p.state == StateActive && p.conn != nil {
		superseded = p.conn
	}

	if p == nil || p.state != StateActive {
		if r.activeLocked() >= r.maxActive {
			r.mu.Unlock()
			return ErrCapacityExceeded
		}
	}

	now := time.Now()
	if p == nil {
		p = &peer{id: peerID, registeredAt: now}
		r.peers[peerID] = p
	}
	p.state = StateActive
	p.conn = conn
	p.lastActivity = now
	active := r.activeLocked()
	r.mu.Unlock()

	if superseded != nil {
		superseded.Close(ReasonSuperseded)
		r.logger.Info("registration superseded", "peer", peerID)
	}
	r.logger.Info("peer registered", "peer", peerID, "active", active)
	return nil
}

// Unregister transitions the peer to disconnected if conn still holds
// the id. A stale connection (already superseded) is ignored so its
// deferred cleanup cannot knock out the replacement.
func (r *Registry) Unregister(peerID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.peers[peerID]
	if p == nil || p.conn != conn {
		return
	}

	p.state = StateDisconnected
	p.conn = nil
	p.lastActivity = time.Now()
	r.logger.Info("peer disconnected", "peer", peerID)
}

// Remove deletes the peer record entirely. Supervisor-only; routing
// code never removes records.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

func (r *Registry) LookupActive(peerID string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.peers[peerID]; p != nil && p.state == StateActive {
		return p.conn
	}
	return nil
}

// ListPeers returns the ids of currently active peers, sorted.
func (r *Registry) ListPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.peers))
	for id, p := range r.peers {
		if p.state == StateActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveConns snapshots the active connections for fan-out.
func (r *Registry) ActiveConns() map[string]Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make(map[string]Conn, len(r.peers))
	for id, p := range r.peers {
		if p.state == StateActive && p.conn != nil {
			conns[id] = p.conn
		}
	}
	return conns
}

func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.peers[peerID]; p != nil {
		p.lastActivity = time.Now()
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Peers snapshots every record, including disconnected ones.
func (r *Registry) Peers() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		infos = append(infos, PeerInfo{
			ID:           p.id,
			State:        p.state,
			RegisteredAt: p.registeredAt,
			LastActivity: p.lastActivity,
		})
	}
	return infos
}

// Probe checks the peer's transport liveness. The network write runs
// outside the registry lock.
func (r *Registry) Probe(peerID string) error {
	conn := r.LookupActive(peerID)
	if conn == nil {
		return errors.New("no active connection")
	}
	return conn.Probe()
}

// Drop force-closes an active connection and marks the peer
// disconnected. Used by the supervisor when a probe fails.
func (r *Registry) Drop(peerID, reason string) {
	r.mu.Lock()
	p := r.peers[peerID]
	var conn Conn
	if p != nil && p.state == StateActive {
		conn = p.conn
		p.state = StateDisconnected
		p.conn = nil
		p.lastActivity = time.Now()
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Close(reason)
		r.logger.Info("peer dropped", "peer", peerID, "reason", reason)
	}
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, p := range r.peers {
		if p.state == StateActive {
			n++
		}
	}
	return n
}
