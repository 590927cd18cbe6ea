// Package router decides how accepted envelopes move: direct delivery,
// broadcast fan-out, or offline queueing, with every accepted envelope
// recorded in the history ring first.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentwire/bridge/internal/history"
	"github.com/agentwire/bridge/internal/message"
	"github.com/agentwire/bridge/internal/queue"
	"github.com/agentwire/bridge/internal/registry"
)

// OperatorID is the reserved sender for control-plane originated
// envelopes. Peers cannot register under it (reserved at the handler).
const OperatorID = "operator"

// Mirror receives a copy of every accepted envelope. Best-effort; a
// failing mirror never affects routing.
type Mirror interface {
	Publish(ctx context.Context, env message.Envelope) error
}

type Router struct {
	registry *registry.Registry
	history  *history.Ring
	queues   *queue.Manager
	mirror   Mirror
	logger   *slog.Logger

	snapshot int // history slice size handed to freshly registered peers

	// mu orders registration (backlog flush) against live routing so a
	// peer's queued backlog is always enqueued to its connection before
	// any envelope accepted after registration.
	mu sync.Mutex

	seq       atomic.Uint64
	accepted  atomic.Uint64
	delivered atomic.Uint64
	queued    atomic.Uint64
}

func New(reg *registry.Registry, ring *history.Ring, queues *queue.Manager, snapshot int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshot < 0 {
		snapshot = 0
	}

	return &Router{
		registry: reg,
		history:  ring,
		queues:   queues,
		snapshot: snapshot,
		logger:   logger,
	}
}

// SetMirror wires an optional envelope mirror. Must be called before
// the router starts accepting frames.
func (r *Router) SetMirror(m Mirror) { r.mirror = m }

// Register claims the peer id, flushes its offline backlog and sends
// the registered acknowledgment over conn. The backlog rides in the
// acknowledgment's history slice, after the recent-history snapshot,
// and is enqueued to the connection before any new live envelope for
// that peer is admitted.
func (r *Router) Register(peerID string, conn registry.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.registry.Register(peerID, conn); err != nil {
		return err
	}

	backlog := r.queues.Flush(peerID)
	frame := message.EncodeRegistered(peerID, r.registry.ListPeers(), withBacklog(r.history.Recent(r.snapshot), backlog))

	if err := conn.Send(frame); err != nil {
		r.dropConn(peerID, conn, err)
		return err
	}
	return nil
}

// Unregister reports a closed transport for conn.
func (r *Router) Unregister(peerID string, conn registry.Conn) {
	r.registry.Unregister(peerID, conn)
}

// Accept routes one message. An empty `to` broadcasts to every active
// peer except the sender; a directed message to an unreachable peer is
// queued. Returns the recorded envelope and whether at least one live
// delivery happened.
func (r *Router) Accept(from, to string, payload json.RawMessage) (message.Envelope, bool) {
	r.registry.Touch(from)

	env := message.NewEnvelope(from, to, payload, r.seq.Add(1))
	r.history.Append(env)
	r.accepted.Add(1)
	r.publishMirror(env)

	frame := message.EncodeEnvelope(env)

	r.mu.Lock()
	defer r.mu.Unlock()

	if to != "" {
		return env, r.routeDirect(env, frame)
	}
	return env, r.routeBroadcast(env, frame)
}

// Query answers a read-only peers+history request. limit <= 0 falls
// back to the registration snapshot size; the ring clamps the rest.
func (r *Router) Query(from string, limit int) []byte {
	if from != "" {
		r.registry.Touch(from)
	}
	if limit <= 0 {
		limit = r.snapshot
	}
	return message.EncodeQueryResponse(r.registry.ListPeers(), r.history.Recent(limit))
}

// Accepted reports the number of envelopes routed since start.
func (r *Router) Accepted() uint64 { return r.accepted.Load() }

// Delivered reports live deliveries (per receiving connection).
func (r *Router) Delivered() uint64 { return r.delivered.Load() }

// Queued reports envelopes diverted to offline queues.
func (r *Router) Queued() uint64 { return r.queued.Load() }

// routeDirect delivers to the target's live connection or falls back
// to the offline queue. Caller holds r.mu.
func (r *Router) routeDirect(env message.Envelope, frame []byte) bool {
	conn := r.registry.LookupActive(env.To)
	if conn == nil {
		r.queues.Enqueue(env.To, env)
		r.queued.Add(1)
		return false
	}

	if err := conn.Send(frame); err != nil {
		// A failing write means the connection is gone; the envelope
		// falls back to offline-queue semantics, not a wire retry.
		r.dropConn(env.To, conn, err)
		r.queues.Enqueue(env.To, env)
		r.queued.Add(1)
		return false
	}

	r.delivered.Add(1)
	return true
}

// routeBroadcast fans out to every active peer except the sender.
// Broadcast is point-in-time: offline peers simply miss it, nothing is
// queued. Caller holds r.mu.
func (r *Router) routeBroadcast(env message.Envelope, frame []byte) bool {
	any := false
	for id, conn := range r.registry.ActiveConns() {
		if id == env.From {
			continue
		}
		if err := conn.Send(frame); err != nil {
			r.dropConn(id, conn, err)
			continue
		}
		r.delivered.Add(1)
		any = true
	}
	return any
}

func (r *Router) dropConn(peerID string, conn registry.Conn, err error) {
	r.logger.Warn("delivery failed, dropping connection", "peer", peerID, "err", err)
	r.registry.Unregister(peerID, conn)
	conn.Close(registry.ReasonDeliveryFailure)
}

func (r *Router) publishMirror(env message.Envelope) {
	if r.mirror == nil {
		return
	}
	go func() {
		if err := r.mirror.Publish(context.Background(), env); err != nil {
			r.logger.Error("mirror publish failed", "envelope", env.ID, "err", err)
		}
	}()
}

// withBacklog appends the flushed backlog to the history snapshot as
// one contiguous FIFO block. Snapshot entries that are also queued are
// dropped from the snapshot side, never the backlog side, so backlog
// order survives even when it only partially overlaps the snapshot
// window.
func withBacklog(snapshot, backlog []message.Envelope) []message.Envelope {
	if len(backlog) == 0 {
		return snapshot
	}

	queued := make(map[string]struct{}, len(backlog))
	for _, env := range backlog {
		queued[env.ID] = struct{}{}
	}

	out := make([]message.Envelope, 0, len(snapshot)+len(backlog))
	for _, env := range snapshot {
		if _, ok := queued[env.ID]; ok {
			continue
		}
		out = append(out, env)
	}
	return append(out, backlog...)
}
