package socialflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultRecomputeConcurrency bounds parallel count queries in RecomputeAll.
const DefaultRecomputeConcurrency = 4

// UnreadOptions configures an UnreadEngine.
type UnreadOptions struct {
	// Concurrency bounds RecomputeAll. Default 4.
	Concurrency int
	Logger      *zap.Logger
	// ActivePeer reports the peer whose conversation is open, or "".
	ActivePeer func() string
	// OnChanged fires when a peer's count changes. MarkRead always fires.
	OnChanged func(peerID string, count int)
	// OnActivity fires when an inbound message arrives for a peer that is
	// not open.
	OnActivity func(peerID string)
	Now        func() time.Time
}

func (o *UnreadOptions) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultRecomputeConcurrency
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ActivePeer == nil {
		o.ActivePeer = func() string { return "" }
	}
	if o.OnChanged == nil {
		o.OnChanged = func(string, int) {}
	}
	if o.OnActivity == nil {
		o.OnActivity = func(string) {}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ============================================================================
// UnreadEngine
// ============================================================================

// UnreadEngine derives per-peer unread counts from remote messages and the
// locally stored last-read markers. Counts live in memory only.
type UnreadEngine struct {
	backend Backend
	prefs   *PreferenceStore
	self    string
	opts    UnreadOptions

	mu      sync.Mutex
	counts  map[string]int
	epochs  map[string]uint64
	flagged map[string]bool
}

// NewUnreadEngine creates an engine for the identity owning prefs.
func NewUnreadEngine(backend Backend, prefs *PreferenceStore, opts *UnreadOptions) *UnreadEngine {
	var o UnreadOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &UnreadEngine{
		backend: backend,
		prefs:   prefs,
		self:    prefs.IdentityID(),
		opts:    o,
		counts:  make(map[string]int),
		epochs:  make(map[string]uint64),
		flagged: make(map[string]bool),
	}
}

// RecomputeFor counts messages from peerID received after the last-read
// marker. On failure it returns 0 and keeps the previously cached count.
func (e *UnreadEngine) RecomputeFor(ctx context.Context, peerID string) int {
	n, err := e.recompute(ctx, peerID)
	if err != nil {
		e.opts.Logger.Warn("unread recompute failed", zap.String("peer", peerID), zap.Error(err))
		return 0
	}
	return n
}

func (e *UnreadEngine) recompute(ctx context.Context, peerID string) (int, error) {
	if peerID == "" || peerID == e.self {
		return 0, nil
	}
	e.mu.Lock()
	epoch := e.epochs[peerID]
	e.mu.Unlock()

	since, ok, err := e.prefs.LastRead(ctx, peerID)
	if err != nil {
		return 0, err
	}
	if !ok {
		since = time.Unix(0, 0).UTC()
	}
	n, err := e.backend.Count(ctx, ResourceMessages, Where(
		Eq("receiver", e.self),
		Eq("sender", peerID),
		Gt("created", since),
	))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}

	e.mu.Lock()
	if e.epochs[peerID] != epoch {
		// MarkRead ran meanwhile; its zero wins over this stale count.
		cur := e.counts[peerID]
		e.mu.Unlock()
		return cur, nil
	}
	prev, had := e.counts[peerID]
	e.counts[peerID] = n
	e.mu.Unlock()

	if !had || prev != n {
		e.opts.OnChanged(peerID, n)
	}
	return n, nil
}

// RecomputeAll recomputes every peer with bounded concurrency. A peer whose
// recompute fails keeps its cached count in the result.
func (e *UnreadEngine) RecomputeAll(ctx context.Context, peerIDs []string) map[string]int {
	out := make(map[string]int, len(peerIDs))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, peer := range peerIDs {
		if peer == "" || peer == e.self {
			continue
		}
		peer := peer
		g.Go(func() error {
			n, err := e.recompute(ctx, peer)
			if err != nil {
				e.opts.Logger.Warn("unread recompute failed", zap.String("peer", peer), zap.Error(err))
				n = e.Count(peer)
			}
			mu.Lock()
			out[peer] = n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// MarkRead advances the last-read marker for peerID to max(existing, at)
// (now when at is zero), zeroes its count and notifies without waiting for a
// recompute.
func (e *UnreadEngine) MarkRead(ctx context.Context, peerID string, at time.Time) error {
	if peerID == "" || peerID == e.self {
		return nil
	}
	if at.IsZero() {
		at = e.opts.Now()
	}
	_, err := e.prefs.AdvanceLastRead(ctx, peerID, at)

	e.mu.Lock()
	e.epochs[peerID]++
	e.counts[peerID] = 0
	delete(e.flagged, peerID)
	e.mu.Unlock()

	e.opts.OnChanged(peerID, 0)
	if err != nil {
		return NewError("mark read", ErrTransport, err)
	}
	return nil
}

// OnInboundMessage accounts for a pushed message. Messages not addressed to
// the current identity, or sent by it, are ignored.
func (e *UnreadEngine) OnInboundMessage(ctx context.Context, msg Message) {
	if msg.Receiver != e.self || msg.Sender == "" || msg.Sender == e.self {
		return
	}
	if msg.Sender == e.opts.ActivePeer() {
		if err := e.MarkRead(ctx, msg.Sender, msg.Created); err != nil {
			e.opts.Logger.Warn("mark read failed", zap.String("peer", msg.Sender), zap.Error(err))
		}
		return
	}
	e.RecomputeFor(ctx, msg.Sender)

	e.mu.Lock()
	e.flagged[msg.Sender] = true
	e.mu.Unlock()
	e.opts.OnActivity(msg.Sender)
}

// Count returns the cached count for peerID.
func (e *UnreadEngine) Count(peerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[peerID]
}

// Counts returns a snapshot of every cached count.
func (e *UnreadEngine) Counts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

// Flagged reports whether peerID has new activity since it was last read.
func (e *UnreadEngine) Flagged(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flagged[peerID]
}

// Forget drops cached state for a peer that left the directory.
func (e *UnreadEngine) Forget(peerID string) {
	e.mu.Lock()
	delete(e.counts, peerID)
	delete(e.flagged, peerID)
	e.epochs[peerID]++
	e.mu.Unlock()
}
