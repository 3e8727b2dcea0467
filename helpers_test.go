package socialflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	alice = Identity{ID: "u1", Username: "alice"}
	bob   = Identity{ID: "u2", Username: "bob"}
	carol = Identity{ID: "u3", Username: "carol"}
)

func newTestBackend(t *testing.T, self *Identity) *MemoryBackend {
	t.Helper()
	mb := NewMemoryBackend(self)
	for _, u := range []Identity{alice, bob, carol} {
		mb.Seed(ResourceUsers, Record{"id": u.ID, "username": u.Username})
	}
	return mb
}

func newTestPrefs(t *testing.T, storage Storage, identityID string) *PreferenceStore {
	t.Helper()
	p, err := NewPreferenceStore(storage, "", identityID, nil)
	if err != nil {
		t.Fatalf("NewPreferenceStore(%q): %v", identityID, err)
	}
	return p
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// seedMessage stores a message without change events.
func seedMessage(mb *MemoryBackend, from, to, text string, at time.Time) Record {
	r := Record{
		"id":       fmt.Sprintf("m-%s-%s-%d", from, to, at.UnixNano()),
		"room":     RoomID(from, to),
		"text":     text,
		"sender":   from,
		"receiver": to,
		"created":  at.UTC(),
	}
	mb.Seed(ResourceMessages, r)
	return r
}

// ── Backend wrappers ─────────────────────────────────────

// hookedBackend lets a test intercept Query, Count and Subscribe. A non-nil
// error from query fails the call; nil passes it through.
type hookedBackend struct {
	*MemoryBackend

	query     func(ctx context.Context, resource string) error
	count     func(ctx context.Context, resource string, filter Filter) (int, error)
	subscribe func(resource string, d Disposer) Disposer
}

func (b *hookedBackend) Query(ctx context.Context, resource string, filter Filter, order Order, limit int) ([]Record, error) {
	if b.query != nil {
		if err := b.query(ctx, resource); err != nil {
			return nil, err
		}
	}
	return b.MemoryBackend.Query(ctx, resource, filter, order, limit)
}

func (b *hookedBackend) Count(ctx context.Context, resource string, filter Filter) (int, error) {
	if b.count != nil {
		return b.count(ctx, resource, filter)
	}
	return b.MemoryBackend.Count(ctx, resource, filter)
}

func (b *hookedBackend) Subscribe(ctx context.Context, resource string, filter Filter, onEvent func(ChangeEvent)) (Disposer, error) {
	d, err := b.MemoryBackend.Subscribe(ctx, resource, filter, onEvent)
	if err != nil || b.subscribe == nil {
		return d, err
	}
	return b.subscribe(resource, d), nil
}

// eventLog records an ordered trace shared by several goroutines.
type eventLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *eventLog) index(line string) int {
	for i, s := range l.snapshot() {
		if s == line {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(line string) int {
	n := 0
	for _, s := range l.snapshot() {
		if s == line {
			n++
		}
	}
	return n
}
