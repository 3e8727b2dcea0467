package socialflow

import (
	"context"

	"go.uber.org/zap"
)

// ContactOptions configures a ContactBook.
type ContactOptions struct {
	Logger *zap.Logger
	// ActivePeer reports the peer whose conversation is open, or "".
	ActivePeer func() string
	// OnChanged receives the list after every persisted change.
	OnChanged func(contacts []Contact)
	// OnConversationReset fires when a prune removes the active peer.
	OnConversationReset func()
}

func (o *ContactOptions) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ActivePeer == nil {
		o.ActivePeer = func() string { return "" }
	}
	if o.OnChanged == nil {
		o.OnChanged = func([]Contact) {}
	}
	if o.OnConversationReset == nil {
		o.OnConversationReset = func() {}
	}
}

// ============================================================================
// ContactBook
// ============================================================================

// ContactBook is the locally curated contact list, reconciled against the
// remote directory.
type ContactBook struct {
	prefs *PreferenceStore
	self  string
	opts  ContactOptions
}

// NewContactBook creates a contact book stored in prefs.
func NewContactBook(prefs *PreferenceStore, opts *ContactOptions) *ContactBook {
	var o ContactOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &ContactBook{prefs: prefs, self: prefs.IdentityID(), opts: o}
}

// Upsert inserts entry at the front or updates it in place. Self is never
// added; that case reports false with no error.
func (b *ContactBook) Upsert(ctx context.Context, entry DirectoryEntry) (bool, error) {
	if entry.ID == "" {
		return false, validationError("upsert contact", "empty peer id")
	}
	if entry.ID == b.self {
		return false, nil
	}
	next := ContactFromEntry(entry)
	var changed bool
	list, err := b.prefs.UpdateContacts(ctx, func(list []Contact) ([]Contact, bool) {
		for i, c := range list {
			if c.PeerID == next.PeerID {
				if c == next {
					return list, false
				}
				list[i] = next
				changed = true
				return list, true
			}
		}
		changed = true
		return append([]Contact{next}, list...), true
	})
	if err != nil {
		return false, NewError("upsert contact", ErrTransport, err)
	}
	if changed {
		b.opts.OnChanged(b.withoutSelf(list))
	}
	return changed, nil
}

// AddIfAbsent puts entry at the front unless peerID is already listed. A
// listed contact keeps its cached profile fields.
func (b *ContactBook) AddIfAbsent(ctx context.Context, entry DirectoryEntry) (bool, error) {
	if entry.ID == "" {
		return false, validationError("add contact", "empty peer id")
	}
	if entry.ID == b.self {
		return false, nil
	}
	var added bool
	list, err := b.prefs.UpdateContacts(ctx, func(list []Contact) ([]Contact, bool) {
		for _, c := range list {
			if c.PeerID == entry.ID {
				return list, false
			}
		}
		added = true
		return append([]Contact{ContactFromEntry(entry)}, list...), true
	})
	if err != nil {
		return false, NewError("add contact", ErrTransport, err)
	}
	if added {
		b.opts.OnChanged(b.withoutSelf(list))
	}
	return added, nil
}

// Remove deletes peerID from the list.
func (b *ContactBook) Remove(ctx context.Context, peerID string) (bool, error) {
	var removed bool
	list, err := b.prefs.UpdateContacts(ctx, func(list []Contact) ([]Contact, bool) {
		out := list[:0]
		for _, c := range list {
			if c.PeerID == peerID {
				removed = true
				continue
			}
			out = append(out, c)
		}
		return out, removed
	})
	if err != nil {
		return false, NewError("remove contact", ErrTransport, err)
	}
	if removed {
		b.opts.OnChanged(b.withoutSelf(list))
	}
	return removed, nil
}

// PruneAgainstDirectory removes every contact whose id is not in ids. When
// the active peer is removed OnConversationReset fires once and reset is
// true.
func (b *ContactBook) PruneAgainstDirectory(ctx context.Context, ids map[string]struct{}) (removed []Contact, reset bool, err error) {
	list, err := b.prefs.UpdateContacts(ctx, func(list []Contact) ([]Contact, bool) {
		out := make([]Contact, 0, len(list))
		for _, c := range list {
			if _, ok := ids[c.PeerID]; ok {
				out = append(out, c)
			} else {
				removed = append(removed, c)
			}
		}
		return out, len(removed) > 0
	})
	if err != nil {
		return nil, false, NewError("prune contacts", ErrTransport, err)
	}
	if len(removed) == 0 {
		return nil, false, nil
	}

	active := b.opts.ActivePeer()
	for _, c := range removed {
		if active != "" && c.PeerID == active {
			reset = true
			break
		}
	}
	b.opts.Logger.Info("pruned contacts missing from directory", zap.Int("removed", len(removed)))
	b.opts.OnChanged(b.withoutSelf(list))
	if reset {
		b.opts.OnConversationReset()
	}
	return removed, reset, nil
}

// RefreshProfiles copies username, email and avatar from entries onto
// existing contacts. It never adds contacts.
func (b *ContactBook) RefreshProfiles(ctx context.Context, entries []DirectoryEntry) error {
	byID := make(map[string]DirectoryEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	var changed bool
	list, err := b.prefs.UpdateContacts(ctx, func(list []Contact) ([]Contact, bool) {
		for i, c := range list {
			e, ok := byID[c.PeerID]
			if !ok {
				continue
			}
			if fresh := ContactFromEntry(e); fresh != c {
				list[i] = fresh
				changed = true
			}
		}
		return list, changed
	})
	if err != nil {
		return NewError("refresh contacts", ErrTransport, err)
	}
	if changed {
		b.opts.OnChanged(b.withoutSelf(list))
	}
	return nil
}

// Reconcile prunes against entries and refreshes the survivors.
func (b *ContactBook) Reconcile(ctx context.Context, entries []DirectoryEntry) (removed []Contact, reset bool, err error) {
	ids := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		ids[e.ID] = struct{}{}
	}
	removed, reset, err = b.PruneAgainstDirectory(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	return removed, reset, b.RefreshProfiles(ctx, entries)
}

// List returns contacts most recent first. Self and empty ids are filtered
// even if a previous schema persisted them.
func (b *ContactBook) List(ctx context.Context) ([]Contact, error) {
	list, err := b.prefs.Contacts(ctx)
	if err != nil {
		return nil, NewError("list contacts", ErrTransport, err)
	}
	return b.withoutSelf(list), nil
}

// IDs returns the ids of List.
func (b *ContactBook) IDs(ctx context.Context) ([]string, error) {
	list, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.PeerID
	}
	return ids, nil
}

func (b *ContactBook) withoutSelf(list []Contact) []Contact {
	out := make([]Contact, 0, len(list))
	for _, c := range list {
		if c.PeerID == "" || c.PeerID == b.self {
			continue
		}
		out = append(out, c)
	}
	return out
}
