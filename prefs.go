package socialflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultNamespacePrefix prefixes every persisted preference key.
const DefaultNamespacePrefix = "socialflow"

const (
	keyContacts      = "contacts"
	keyLastRead      = "lastRead"
	keySchemaVersion = "schemaVersion"
)

// ============================================================================
// PreferenceStore
// ============================================================================

// PreferenceStore holds client-only state (contacts, last-read markers) for
// one identity under the namespace "<prefix>:<identityID>". Switching
// identities means constructing a new store; nothing is shared between
// namespaces.
//
// Read-modify-write operations hold the store lock from read to write, so a
// concurrent event handler never observes a half-applied update.
type PreferenceStore struct {
	storage    Storage
	prefix     string
	identityID string
	logger     *zap.Logger

	mu sync.Mutex
}

// NewPreferenceStore scopes storage to identityID.
func NewPreferenceStore(storage Storage, prefix, identityID string, logger *zap.Logger) (*PreferenceStore, error) {
	if identityID == "" {
		return nil, NewError("open preferences", ErrUnauthenticated, nil)
	}
	if strings.Contains(identityID, ":") {
		return nil, validationError("open preferences", "identity id %q contains ':'", identityID)
	}
	if prefix == "" {
		prefix = DefaultNamespacePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreferenceStore{
		storage:    storage,
		prefix:     prefix,
		identityID: identityID,
		logger:     logger.With(zap.String("namespace", prefix+":"+identityID)),
	}, nil
}

// Namespace returns "<prefix>:<identityID>".
func (p *PreferenceStore) Namespace() string { return p.prefix + ":" + p.identityID }

// IdentityID returns the owning identity.
func (p *PreferenceStore) IdentityID() string { return p.identityID }

func (p *PreferenceStore) key(name string) string { return p.Namespace() + ":" + name }

func (p *PreferenceStore) getJSON(ctx context.Context, name string, v any) (bool, error) {
	raw, err := p.storage.Get(ctx, p.key(name))
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		// A corrupt value is treated as absent; the next write replaces it.
		p.logger.Warn("discarding unreadable preference", zap.String("key", name), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (p *PreferenceStore) setJSON(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := p.storage.Set(ctx, p.key(name), string(raw)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ── Contacts ─────────────────────────────────────────────

// Contacts returns the persisted contact list, most recent first.
func (p *PreferenceStore) Contacts(ctx context.Context) ([]Contact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contactsLocked(ctx)
}

func (p *PreferenceStore) contactsLocked(ctx context.Context) ([]Contact, error) {
	var list []Contact
	if _, err := p.getJSON(ctx, keyContacts, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateContacts applies fn to the persisted list and writes the result when
// fn reports a change. It returns the list as stored afterwards.
func (p *PreferenceStore) UpdateContacts(ctx context.Context, fn func([]Contact) ([]Contact, bool)) ([]Contact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, err := p.contactsLocked(ctx)
	if err != nil {
		return nil, err
	}
	next, changed := fn(append([]Contact(nil), list...))
	if !changed {
		return list, nil
	}
	if next == nil {
		next = []Contact{}
	}
	if err := p.setJSON(ctx, keyContacts, next); err != nil {
		return list, err
	}
	return next, nil
}

// ── Last read ────────────────────────────────────────────

// LastRead returns the marker for peerID, and false when none is recorded.
func (p *PreferenceStore) LastRead(ctx context.Context, peerID string) (time.Time, bool, error) {
	all, err := p.LastReadAll(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := all[peerID]
	return t, ok, nil
}

// LastReadAll returns every recorded marker.
func (p *PreferenceStore) LastReadAll(ctx context.Context) (map[string]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReadLocked(ctx)
}

func (p *PreferenceStore) lastReadLocked(ctx context.Context) (map[string]time.Time, error) {
	raw := map[string]string{}
	if _, err := p.getJSON(ctx, keyLastRead, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for peer, s := range raw {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			p.logger.Warn("discarding unreadable last-read marker", zap.String("peer", peer), zap.String("value", s))
			continue
		}
		out[peer] = t
	}
	return out, nil
}

// AdvanceLastRead sets the marker for peerID to max(existing, at) and
// returns the stored value. Markers never move backwards.
func (p *PreferenceStore) AdvanceLastRead(ctx context.Context, peerID string, at time.Time) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	all, err := p.lastReadLocked(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if prev, ok := all[peerID]; ok && !at.After(prev) {
		return prev, nil
	}
	all[peerID] = at.UTC()
	raw := make(map[string]string, len(all))
	for peer, t := range all {
		raw[peer] = t.UTC().Format(time.RFC3339Nano)
	}
	if err := p.setJSON(ctx, keyLastRead, raw); err != nil {
		return time.Time{}, err
	}
	return all[peerID], nil
}

// ── Schema ───────────────────────────────────────────────

// SchemaVersion returns the last applied migration version (0 if none).
func (p *PreferenceStore) SchemaVersion(ctx context.Context) (int, error) {
	raw, err := p.storage.Get(ctx, p.key(keySchemaVersion))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad schema version %q: %w", raw, err)
	}
	return v, nil
}

// Migrate applies every pending migration in order and records the version
// after each step.
func (p *PreferenceStore) Migrate(ctx context.Context) error {
	version, err := p.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		if err := m.Apply(ctx, p); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if err := p.storage.Set(ctx, p.key(keySchemaVersion), strconv.Itoa(m.Version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.Version, err)
		}
		p.logger.Info("preferences migrated", zap.Int("version", m.Version), zap.String("migration", m.Name))
	}
	return nil
}

// Reset removes every key in this namespace.
func (p *PreferenceStore) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.storage.Keys(ctx, p.Namespace()+":")
	if err != nil {
		return fmt.Errorf("list preferences: %w", err)
	}
	for _, k := range keys {
		if err := p.storage.Remove(ctx, k); err != nil {
			return fmt.Errorf("remove %s: %w", k, err)
		}
	}
	return nil
}

// ============================================================================
// Migrations
// ============================================================================

// Migration is one step of the preference schema.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, p *PreferenceStore) error
}

var migrations = []Migration{
	{Version: 1, Name: "drop legacy unscoped keys", Apply: dropLegacyKeys},
	{Version: 2, Name: "drop self from contacts", Apply: dropSelfContact},
}

// CurrentSchemaVersion is the version Migrate brings a namespace to.
var CurrentSchemaVersion = migrations[len(migrations)-1].Version

var legacyKeyNames = map[string]bool{
	"contacts":  true,
	"lastRead":  true,
	"lastread":  true,
	"last_read": true,
}

// dropLegacyKeys deletes the unscoped keys written before namespacing. Their
// contents are not carried over; the user starts with an empty contact list.
func dropLegacyKeys(ctx context.Context, p *PreferenceStore) error {
	root := p.prefix + ":"
	keys, err := p.storage.Keys(ctx, root)
	if err != nil {
		return err
	}
	removed := 0
	for _, k := range keys {
		name := strings.TrimPrefix(k, root)
		if strings.Contains(name, ":") {
			continue
		}
		if !legacyKeyNames[name] && !strings.HasPrefix(name, "migrated_") {
			continue
		}
		if err := p.storage.Remove(ctx, k); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info("legacy preferences reset", zap.Int("keys", removed))
	}
	return nil
}

func dropSelfContact(ctx context.Context, p *PreferenceStore) error {
	_, err := p.UpdateContacts(ctx, func(list []Contact) ([]Contact, bool) {
		out := list[:0]
		for _, c := range list {
			if c.PeerID != p.identityID && c.PeerID != "" {
				out = append(out, c)
			}
		}
		return out, len(out) != len(list)
	})
	return err
}
