package socialflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errRegistryClosed = errors.New("registry closed")

// ResourceKind names the UI scope family a handle belongs to.
type ResourceKind string

const (
	KindFeed      ResourceKind = "feed"
	KindLikes     ResourceKind = "likes"
	KindComments  ResourceKind = "comments"
	KindMessages  ResourceKind = "messages"
	KindDirectory ResourceKind = "directory"
	KindInbox     ResourceKind = "inbox"
	KindProfile   ResourceKind = "profile"
)

// HandleKey identifies at most one live handle.
type HandleKey struct {
	Kind  ResourceKind
	Scope string
}

func (k HandleKey) String() string {
	if k.Scope == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + "/" + k.Scope
}

// Target is the backend stream a handle listens to.
type Target struct {
	Resource string
	Filter   Filter
}

// Handler processes one change. A returned error or a panic is logged and
// delivery continues with the next event.
type Handler func(h *Handle, ev ChangeEvent) error

// ============================================================================
// Handle
// ============================================================================

// Handle is one live registration. Events are delivered to its handler in
// transport order by a single goroutine; once disposed, no further
// invocations start.
type Handle struct {
	id      string
	key     HandleKey
	reg     *Registry
	handler Handler

	active   atomic.Bool
	once     sync.Once
	disposer Disposer

	mu    sync.Mutex
	queue []ChangeEvent
	wake  chan struct{}
	done  chan struct{}
}

// ID returns a unique id for this registration.
func (h *Handle) ID() string { return h.id }

// Key returns the (kind, scope) pair.
func (h *Handle) Key() HandleKey { return h.key }

// Active reports whether the handle is still the live registration. Work
// started by a handler should check it before applying results.
func (h *Handle) Active() bool { return h.active.Load() }

// Context is the registry's base context. It is not cancelled when the handle
// is disposed so in-flight fetches may finish.
func (h *Handle) Context() context.Context { return h.reg.ctx }

// Dispose unregisters the handle. Safe to call more than once.
func (h *Handle) Dispose() {
	h.reg.mu.Lock()
	if h.reg.handles[h.key] == h {
		delete(h.reg.handles, h.key)
	}
	h.reg.mu.Unlock()
	h.dispose()
}

func (h *Handle) dispose() {
	h.once.Do(func() {
		h.active.Store(false)
		close(h.done)
		if h.disposer == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				h.reg.logger.Warn("disposer panicked", zap.Stringer("handle", h.key), zap.Any("panic", r))
			}
		}()
		h.disposer()
	})
}

func (h *Handle) enqueue(ev ChangeEvent) {
	if !h.active.Load() {
		return
	}
	h.mu.Lock()
	h.queue = append(h.queue, ev)
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handle) drain() {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}
		for {
			h.mu.Lock()
			if len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			ev := h.queue[0]
			h.queue[0] = ChangeEvent{}
			h.queue = h.queue[1:]
			h.mu.Unlock()

			if !h.active.Load() {
				return
			}
			h.invoke(ev)
		}
	}
}

func (h *Handle) invoke(ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.reg.logger.Error("subscription handler panicked",
				zap.Stringer("handle", h.key), zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	if err := h.handler(h, ev); err != nil {
		h.reg.logger.Warn("subscription handler failed",
			zap.Stringer("handle", h.key), zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// ============================================================================
// Registry
// ============================================================================

// Registry owns zero or one live handle per HandleKey.
type Registry struct {
	backend Backend
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	handles map[HandleKey]*Handle
	pending map[HandleKey]*keyLock
	closed  bool
}

// keyLock serializes Subscribe calls for one key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates a registry subscribing through backend.
func NewRegistry(backend Backend, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		backend: backend,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[HandleKey]*Handle),
		pending: make(map[HandleKey]*keyLock),
	}
}

func (r *Registry) lockKey(key HandleKey) func() {
	r.mu.Lock()
	l := r.pending[key]
	if l == nil {
		l = &keyLock{}
		r.pending[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.pending, key)
		}
		r.mu.Unlock()
	}
}

// Subscribe registers handler for key. A live handle already registered
// under key is disposed before the replacement subscribes, so the two are
// never live together. Calls for one key run one at a time; other keys and
// lookups proceed while the transport subscribes.
func (r *Registry) Subscribe(ctx context.Context, key HandleKey, target Target, handler Handler) (*Handle, error) {
	h := &Handle{
		id:      uuid.NewString(),
		key:     key,
		reg:     r,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.active.Store(true)

	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	prev := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()
	if prev != nil {
		prev.dispose()
	}

	go h.drain()
	disposer, err := r.backend.Subscribe(ctx, target.Resource, target.Filter, h.enqueue)
	if err != nil {
		h.dispose()
		return nil, classify("subscribe "+key.String(), err)
	}
	h.disposer = disposer

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.dispose()
		return nil, NewError("subscribe "+key.String(), ErrTransport, errRegistryClosed)
	}
	r.handles[key] = h
	r.mu.Unlock()
	r.logger.Debug("subscribed", zap.Stringer("handle", key), zap.String("resource", target.Resource))
	return h, nil
}

// Get returns the live handle for key, or nil.
func (r *Registry) Get(key HandleKey) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[key]
}

// Dispose disposes the handle for key, if any.
func (r *Registry) Dispose(key HandleKey) {
	r.mu.Lock()
	h := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()
	if h != nil {
		h.dispose()
	}
}

// DisposeWhere disposes every handle whose key matches and returns how many.
func (r *Registry) DisposeWhere(match func(HandleKey) bool) int {
	r.mu.Lock()
	var victims []*Handle
	for k, h := range r.handles {
		if match(k) {
			victims = append(victims, h)
			delete(r.handles, k)
		}
	}
	r.mu.Unlock()
	for _, h := range victims {
		h.dispose()
	}
	return len(victims)
}

// DisposeAll tears down every handle. A failing disposer does not stop the
// others.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	all := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		all = append(all, h)
	}
	r.handles = make(map[HandleKey]*Handle)
	r.mu.Unlock()

	for _, h := range all {
		h.dispose()
	}
	if len(all) > 0 {
		r.logger.Debug("disposed all handles", zap.Int("count", len(all)))
	}
}

// Close disposes every handle and cancels the base context. Subscriptions
// still in flight are disposed as they complete.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.DisposeAll()
	r.cancel()
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Keys lists live handle keys in a stable order.
func (r *Registry) Keys() []HandleKey {
	r.mu.Lock()
	keys := make([]HandleKey, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
