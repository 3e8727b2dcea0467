package socialflow

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is an in-process Backend. It keeps every collection in
// memory and fans changes out synchronously to matching subscribers, which
// makes it the local-only variant of the app and the fake used by tests.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	identity    *Identity
	subs        map[uint64]*memorySub
	nextSub     uint64
	entropy     *ulid.MonotonicEntropy
	logger      *zap.Logger
	now         func() time.Time
}

type memoryCollection struct {
	order []string
	rows  map[string]Record
}

type memorySub struct {
	resource string
	filter   Filter
	onEvent  func(ChangeEvent)
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *zap.Logger) MemoryOption {
	return func(m *MemoryBackend) { m.logger = l }
}

// WithMemoryClock overrides the clock used for created timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// NewMemoryBackend creates an empty backend signed in as identity (nil for
// signed out).
func NewMemoryBackend(identity *Identity, opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		collections: make(map[string]*memoryCollection),
		identity:    identity,
		subs:        make(map[uint64]*memorySub),
		entropy:     ulid.Monotonic(rand.Reader, 0),
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Backend = (*MemoryBackend)(nil)

// SetIdentity switches the signed-in account.
func (m *MemoryBackend) SetIdentity(identity *Identity) {
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
}

// CurrentIdentity returns the signed-in account.
func (m *MemoryBackend) CurrentIdentity() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil
	}
	id := *m.identity
	return &id
}

func (m *MemoryBackend) collection(resource string) *memoryCollection {
	c := m.collections[resource]
	if c == nil {
		c = &memoryCollection{rows: make(map[string]Record)}
		m.collections[resource] = c
	}
	return c
}

// Query returns matching rows sorted by order, at most limit (0 = all).
func (m *MemoryBackend) Query(ctx context.Context, resource string, filter Filter, order Order, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("query "+resource, err)
	}
	m.mu.RLock()
	var out []Record
	if c := m.collections[resource]; c != nil {
		for _, id := range c.order {
			if r := c.rows[id]; filter.Match(r) {
				out = append(out, r.Clone())
			}
		}
	}
	m.mu.RUnlock()

	SortRecords(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of matching rows.
func (m *MemoryBackend) Count(ctx context.Context, resource string, filter Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, classify("count "+resource, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	if c := m.collections[resource]; c != nil {
		for _, r := range c.rows {
			if filter.Match(r) {
				n++
			}
		}
	}
	return n, nil
}

// Insert stores rec, assigning id and created when absent.
func (m *MemoryBackend) Insert(ctx context.Context, resource string, rec Record) (Record, error) {
	op := "insert " + resource
	if err := ctx.Err(); err != nil {
		return nil, classify(op, err)
	}
	row := rec.Clone()

	m.mu.Lock()
	if err := m.checkOwnerLocked(op, resource, row); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if row.ID() == "" {
		row["id"] = ulid.MustNew(ulid.Timestamp(m.now()), m.entropy).String()
	}
	if _, ok := row["created"]; !ok {
		row["created"] = m.now().UTC()
	}
	c := m.collection(resource)
	if _, exists := c.rows[row.ID()]; exists {
		m.mu.Unlock()
		return nil, validationError(op, "duplicate id %q", row.ID())
	}
	c.rows[row.ID()] = row
	c.order = append(c.order, row.ID())
	subs := m.matchingSubsLocked(resource, row)
	m.mu.Unlock()

	m.fanOut(subs, ChangeEvent{Type: EventInsert, Record: row.Clone()})
	return row.Clone(), nil
}

// Update merges patch into the row with id.
func (m *MemoryBackend) Update(ctx context.Context, resource, id string, patch Record) (Record, error) {
	op := "update " + resource
	if err := ctx.Err(); err != nil {
		return nil, classify(op, err)
	}
	m.mu.Lock()
	c := m.collections[resource]
	if c == nil || c.rows[id] == nil {
		m.mu.Unlock()
		return nil, NewError(op, ErrNotFound, fmt.Errorf("id %q", id))
	}
	if err := m.checkOwnerLocked(op, resource, c.rows[id]); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	row := c.rows[id].Clone()
	for k, v := range patch {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	c.rows[id] = row
	subs := m.matchingSubsLocked(resource, row)
	m.mu.Unlock()

	m.fanOut(subs, ChangeEvent{Type: EventUpdate, Record: row.Clone()})
	return row.Clone(), nil
}

// Delete removes the row with id.
func (m *MemoryBackend) Delete(ctx context.Context, resource, id string) error {
	op := "delete " + resource
	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}
	m.mu.Lock()
	c := m.collections[resource]
	if c == nil || c.rows[id] == nil {
		m.mu.Unlock()
		return NewError(op, ErrNotFound, fmt.Errorf("id %q", id))
	}
	row := c.rows[id]
	if err := m.checkOwnerLocked(op, resource, row); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(c.rows, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	subs := m.matchingSubsLocked(resource, row)
	m.mu.Unlock()

	m.fanOut(subs, ChangeEvent{Type: EventDelete, Record: row.Clone()})
	return nil
}

// Seed stores rows without ownership checks or change events.
func (m *MemoryBackend) Seed(resource string, rows ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(resource)
	for _, r := range rows {
		row := r.Clone()
		if row.ID() == "" {
			row["id"] = ulid.MustNew(ulid.Timestamp(m.now()), m.entropy).String()
		}
		if _, ok := row["created"]; !ok {
			row["created"] = m.now().UTC()
		}
		if _, exists := c.rows[row.ID()]; !exists {
			c.order = append(c.order, row.ID())
		}
		c.rows[row.ID()] = row
	}
}

// Subscribe registers onEvent for changes on resource matching filter.
func (m *MemoryBackend) Subscribe(ctx context.Context, resource string, filter Filter, onEvent func(ChangeEvent)) (Disposer, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("subscribe "+resource, err)
	}
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = &memorySub{resource: resource, filter: filter, onEvent: onEvent}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// SubscriberCount reports live subscriptions, for leak checks.
func (m *MemoryBackend) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *MemoryBackend) checkOwnerLocked(op, resource string, row Record) error {
	field, ok := OwnerField(resource)
	if !ok {
		return nil
	}
	if m.identity == nil {
		return NewError(op, ErrPermission, ErrUnauthenticated)
	}
	if owner := row.String(field); owner != "" && owner != m.identity.ID {
		return NewError(op, ErrPermission, fmt.Errorf("%s %q is not %q", field, owner, m.identity.ID))
	}
	return nil
}

func (m *MemoryBackend) matchingSubsLocked(resource string, row Record) []*memorySub {
	var out []*memorySub
	for _, s := range m.subs {
		if s.resource == resource && s.filter.Match(row) {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemoryBackend) fanOut(subs []*memorySub, ev ChangeEvent) {
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("memory backend subscriber panicked", zap.Any("panic", r))
				}
			}()
			s.onEvent(ev)
		}()
	}
}
