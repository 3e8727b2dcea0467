// Package socialflow keeps a client's view of a social backend in sync with
// realtime change streams: subscription handles, unread counts, a curated
// contact list, debounced view refreshes and per-identity preferences.
//
// Example:
//
//	backend := socialflow.NewRemoteBackend("token", socialflow.WithBaseURL("https://api.example.com"))
//	session := socialflow.NewSession(backend, socialflow.NewMemoryStorage(), &socialflow.SessionOptions{
//		Listener: socialflow.Listener{
//			UnreadChanged: func(peer string, n int) { fmt.Println(peer, n) },
//		},
//	})
//	if err := session.Init(ctx); err != nil {
//		return err
//	}
//	defer session.Destroy()
//
//	session.OpenConversation(ctx, "user-123")
//	session.SendMessage(ctx, "Hello!")
//	session.WatchFeed(ctx)
package socialflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// View ids understood by RequestRefresh.
const (
	ViewDirectory = "directory"
	ViewChat      = "chat"
	ViewFeed      = "feed"
	ViewProfile   = "profile"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// NamespacePrefix prefixes persisted keys. Default "socialflow".
	NamespacePrefix string
	// RefreshDelay is the debounce window. Default 500ms.
	RefreshDelay time.Duration
	// FeedPageSize is the number of posts per feed refresh. Default 20.
	FeedPageSize int
	// CommentPreview is the number of comments loaded per post until the
	// post is expanded. Default 2.
	CommentPreview int
	// Concurrency bounds unread recomputation. Default 4.
	Concurrency int
	Logger      *zap.Logger
	Listener    Listener
	Now         func() time.Time
}

func (o *SessionOptions) defaults() {
	if o.NamespacePrefix == "" {
		o.NamespacePrefix = DefaultNamespacePrefix
	}
	if o.RefreshDelay <= 0 {
		o.RefreshDelay = DefaultRefreshDelay
	}
	if o.FeedPageSize <= 0 {
		o.FeedPageSize = 20
	}
	if o.CommentPreview <= 0 {
		o.CommentPreview = 2
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultRecomputeConcurrency
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// sessionState is everything built by Init and torn down by Destroy.
type sessionState struct {
	identity  Identity
	prefs     *PreferenceStore
	contacts  *ContactBook
	unread    *UnreadEngine
	registry  *Registry
	scheduler *RefreshScheduler
}

// ============================================================================
// Session
// ============================================================================

// Session is one signed-in realtime session: it owns the subscription
// registry, refresh scheduler, unread engine and contact book for the current
// identity. Construct with NewSession, start with Init, stop with Destroy.
type Session struct {
	backend Backend
	storage Storage
	opts    SessionOptions
	logger  *zap.Logger
	notify  notifier

	mu          sync.Mutex
	st          *sessionState
	active      string
	directory   map[string]DirectoryEntry
	feed        []string
	expanded    map[string]bool
	profileUser string
}

// NewSession creates a session. Nothing happens until Init.
func NewSession(backend Backend, storage Storage, opts *SessionOptions) *Session {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Session{
		backend:   backend,
		storage:   storage,
		opts:      o,
		logger:    o.Logger,
		notify:    notifier{l: o.Listener, logger: o.Logger},
		directory: make(map[string]DirectoryEntry),
		expanded:  make(map[string]bool),
	}
}

// Init binds the session to the backend's current identity: it migrates the
// preference namespace, loads the directory, subscribes the directory and
// inbox streams, and computes unread counts for every contact.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.st != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ident := s.backend.CurrentIdentity()
	if ident == nil || ident.ID == "" {
		return NewError("init session", ErrUnauthenticated, nil)
	}
	prefs, err := NewPreferenceStore(s.storage, s.opts.NamespacePrefix, ident.ID, s.logger)
	if err != nil {
		return err
	}
	if err := prefs.Migrate(ctx); err != nil {
		return NewError("init session", ErrTransport, err)
	}

	st := &sessionState{
		identity:  *ident,
		prefs:     prefs,
		registry:  NewRegistry(s.backend, s.logger.Named("registry")),
		scheduler: NewRefreshScheduler(s.opts.RefreshDelay, s.logger.Named("scheduler")),
	}
	st.contacts = NewContactBook(prefs, &ContactOptions{
		Logger:              s.logger,
		ActivePeer:          s.ActivePeer,
		OnChanged:           s.notify.contactsChanged,
		OnConversationReset: func() { s.resetConversation(st) },
	})
	st.unread = NewUnreadEngine(s.backend, prefs, &UnreadOptions{
		Concurrency: s.opts.Concurrency,
		Logger:      s.logger,
		ActivePeer:  s.ActivePeer,
		OnChanged:   s.notify.unreadChanged,
		OnActivity:  s.notify.activityFlagged,
		Now:         s.opts.Now,
	})

	s.mu.Lock()
	if s.st != nil {
		s.mu.Unlock()
		st.registry.Close()
		st.scheduler.Close()
		return nil
	}
	s.st = st
	s.mu.Unlock()

	st.scheduler.Register(ViewDirectory, func(ctx context.Context) error { return s.refreshDirectory(ctx, st) })
	_ = st.scheduler.RunNow(ctx, ViewDirectory)

	if _, err := st.registry.Subscribe(ctx, HandleKey{Kind: KindDirectory}, Target{Resource: ResourceUsers},
		func(*Handle, ChangeEvent) error {
			st.scheduler.ScheduleRefresh(ViewDirectory)
			return nil
		}); err != nil {
		s.Destroy()
		return err
	}
	if _, err := st.registry.Subscribe(ctx, HandleKey{Kind: KindInbox, Scope: ident.ID},
		Target{Resource: ResourceMessages, Filter: Where(Eq("receiver", ident.ID))},
		func(h *Handle, ev ChangeEvent) error { return s.onInbox(h, st, ev) }); err != nil {
		s.Destroy()
		return err
	}

	ids, err := st.contacts.IDs(ctx)
	if err != nil {
		s.logger.Warn("cannot list contacts", zap.Error(err))
	} else {
		st.unread.RecomputeAll(ctx, ids)
	}
	s.logger.Info("session started", zap.String("identity", ident.ID))
	return nil
}

// Destroy disposes every subscription and timer. The session can be
// initialized again afterwards, possibly for another identity.
func (s *Session) Destroy() {
	s.mu.Lock()
	st := s.st
	s.st = nil
	s.active = ""
	s.directory = make(map[string]DirectoryEntry)
	s.feed = nil
	s.expanded = make(map[string]bool)
	s.profileUser = ""
	s.mu.Unlock()
	if st == nil {
		return
	}
	st.scheduler.Close()
	st.registry.Close()
	s.logger.Info("session stopped", zap.String("identity", st.identity.ID))
}

func (s *Session) state(op string) (*sessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return nil, NewError(op, ErrUnauthenticated, errors.New("session not initialized"))
	}
	return s.st, nil
}

// ── Accessors ────────────────────────────────────────────

// Identity returns the signed-in identity, or nil before Init.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return nil
	}
	id := s.st.identity
	return &id
}

// ActivePeer returns the peer of the open conversation, or "".
func (s *Session) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Contacts returns the contact list, most recent first.
func (s *Session) Contacts(ctx context.Context) ([]Contact, error) {
	st, err := s.state("list contacts")
	if err != nil {
		return nil, err
	}
	return st.contacts.List(ctx)
}

// UnreadCounts returns the cached unread count per peer.
func (s *Session) UnreadCounts() map[string]int {
	st, err := s.state("unread")
	if err != nil {
		return map[string]int{}
	}
	return st.unread.Counts()
}

// Unread returns the cached unread count for peerID.
func (s *Session) Unread(peerID string) int {
	st, err := s.state("unread")
	if err != nil {
		return 0
	}
	return st.unread.Count(peerID)
}

// Flagged reports whether peerID has unseen activity.
func (s *Session) Flagged(peerID string) bool {
	st, err := s.state("unread")
	if err != nil {
		return false
	}
	return st.unread.Flagged(peerID)
}

// Directory returns the cached directory ordered by display name.
func (s *Session) Directory() []DirectoryEntry {
	s.mu.Lock()
	out := make([]DirectoryEntry, 0, len(s.directory))
	for _, e := range s.directory {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := DisplayName(out[i].ID, out[i].Username), DisplayName(out[j].ID, out[j].Username)
		if a != b {
			return strings.ToLower(a) < strings.ToLower(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns the cached directory entry for id.
func (s *Session) Lookup(id string) (DirectoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.directory[id]
	return e, ok
}

// HandleKeys lists live subscriptions.
func (s *Session) HandleKeys() []HandleKey {
	st, err := s.state("handles")
	if err != nil {
		return nil
	}
	return st.registry.Keys()
}

// RequestRefresh schedules a debounced refresh of viewID.
func (s *Session) RequestRefresh(viewID string) {
	st, err := s.state("refresh")
	if err != nil {
		return
	}
	st.scheduler.ScheduleRefresh(viewID)
}

// RecomputeUnread recounts every contact.
func (s *Session) RecomputeUnread(ctx context.Context) (map[string]int, error) {
	st, err := s.state("recompute unread")
	if err != nil {
		return nil, err
	}
	ids, err := st.contacts.IDs(ctx)
	if err != nil {
		return nil, err
	}
	return st.unread.RecomputeAll(ctx, ids), nil
}

// MarkRead marks the conversation with peerID read up to now.
func (s *Session) MarkRead(ctx context.Context, peerID string) error {
	st, err := s.state("mark read")
	if err != nil {
		return err
	}
	if peerID == "" || peerID == st.identity.ID {
		return validationError("mark read", "invalid peer %q", peerID)
	}
	return st.unread.MarkRead(ctx, peerID, time.Time{})
}

// ============================================================================
// Directory and inbox
// ============================================================================

func (s *Session) refreshDirectory(ctx context.Context, st *sessionState) error {
	rows, err := s.backend.Query(ctx, ResourceUsers, nil, Asc("username"), 0)
	if err != nil {
		return err
	}
	entries := make([]DirectoryEntry, 0, len(rows))
	dir := make(map[string]DirectoryEntry, len(rows))
	for _, r := range rows {
		e := DirectoryEntryFromRecord(r)
		if e.ID == "" {
			continue
		}
		entries = append(entries, e)
		dir[e.ID] = e
	}

	s.mu.Lock()
	if s.st != st {
		s.mu.Unlock()
		return nil
	}
	s.directory = dir
	s.mu.Unlock()

	removed, _, err := st.contacts.Reconcile(ctx, entries)
	for _, c := range removed {
		st.unread.Forget(c.PeerID)
	}
	return err
}

func (s *Session) onInbox(h *Handle, st *sessionState, ev ChangeEvent) error {
	if ev.Type != EventInsert {
		return nil
	}
	msg := MessageFromRecord(ev.Record)
	if msg.Sender == "" || msg.Sender == st.identity.ID {
		return nil
	}
	ctx := h.Context()

	var err error
	if entry, ok := s.Lookup(msg.Sender); ok {
		_, err = st.contacts.Upsert(ctx, entry)
	} else {
		// Sender joined after the last directory load, or the load failed.
		_, err = st.contacts.AddIfAbsent(ctx, DirectoryEntry{ID: msg.Sender})
		st.scheduler.ScheduleRefresh(ViewDirectory)
	}
	if err != nil {
		s.logger.Warn("cannot add sender to contacts", zap.String("peer", msg.Sender), zap.Error(err))
	}
	if !h.Active() {
		return nil
	}
	st.unread.OnInboundMessage(ctx, msg)
	return nil
}

// PickPeer adds a directory entry to the contact list.
func (s *Session) PickPeer(ctx context.Context, peerID string) (Contact, error) {
	st, err := s.state("pick peer")
	if err != nil {
		return Contact{}, err
	}
	entry, err := s.resolvePeer(st, "pick peer", peerID)
	if err != nil {
		return Contact{}, err
	}
	if _, err := st.contacts.Upsert(ctx, entry); err != nil {
		return Contact{}, err
	}
	return ContactFromEntry(entry), nil
}

// PruneContacts reloads the directory now and prunes contacts against it.
func (s *Session) PruneContacts(ctx context.Context) error {
	st, err := s.state("prune contacts")
	if err != nil {
		return err
	}
	return st.scheduler.RunNow(ctx, ViewDirectory)
}

func (s *Session) resolvePeer(st *sessionState, op, peerID string) (DirectoryEntry, error) {
	if peerID == "" {
		return DirectoryEntry{}, validationError(op, "empty peer id")
	}
	if peerID == st.identity.ID {
		return DirectoryEntry{}, validationError(op, "cannot talk to yourself")
	}
	entry, ok := s.Lookup(peerID)
	if !ok {
		return DirectoryEntry{}, NewError(op, ErrNotFound, fmt.Errorf("peer %q", peerID))
	}
	return entry, nil
}

// ============================================================================
// Conversations
// ============================================================================

// OpenConversation makes peerID the active conversation. It zeroes the
// peer's unread count at once, then subscribes the room, loads its messages
// and marks them read.
func (s *Session) OpenConversation(ctx context.Context, peerID string) error {
	st, err := s.state("open conversation")
	if err != nil {
		return err
	}
	entry, err := s.resolvePeer(st, "open conversation", peerID)
	if err != nil {
		return err
	}
	if _, err := st.contacts.Upsert(ctx, entry); err != nil {
		s.logger.Warn("cannot add peer to contacts", zap.String("peer", peerID), zap.Error(err))
	}

	s.mu.Lock()
	s.active = peerID
	s.mu.Unlock()

	// Zero the badge before any round trip; refreshes advance the marker
	// to the newest loaded message.
	if err := st.unread.MarkRead(ctx, peerID, time.Time{}); err != nil {
		s.logger.Warn("mark read failed", zap.String("peer", peerID), zap.Error(err))
	}

	room := RoomID(st.identity.ID, peerID)
	st.registry.DisposeWhere(func(k HandleKey) bool { return k.Kind == KindMessages && k.Scope != room })
	st.scheduler.Register(ViewChat, func(ctx context.Context) error { return s.refreshConversation(ctx, st, peerID) })

	_, err = st.registry.Subscribe(ctx, HandleKey{Kind: KindMessages, Scope: room},
		Target{Resource: ResourceMessages, Filter: Where(Eq("room", room))},
		func(h *Handle, _ ChangeEvent) error {
			if h.Active() && s.ActivePeer() == peerID {
				st.scheduler.ScheduleRefresh(ViewChat)
			}
			return nil
		})
	if err != nil {
		return err
	}
	return st.scheduler.RunNow(ctx, ViewChat)
}

// CloseConversation clears the active conversation and its subscription.
func (s *Session) CloseConversation() {
	st, err := s.state("close conversation")
	if err != nil {
		return
	}
	s.closeConversation(st)
}

func (s *Session) closeConversation(st *sessionState) {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	st.registry.DisposeWhere(func(k HandleKey) bool { return k.Kind == KindMessages })
	st.scheduler.Unregister(ViewChat)
}

func (s *Session) resetConversation(st *sessionState) {
	s.closeConversation(st)
	s.notify.conversationReset()
}

func (s *Session) refreshConversation(ctx context.Context, st *sessionState, peerID string) error {
	room := RoomID(st.identity.ID, peerID)
	rows, err := s.backend.Query(ctx, ResourceMessages, Where(Eq("room", room)), Asc("created"), 0)
	if err != nil {
		return err
	}
	if s.ActivePeer() != peerID {
		return nil
	}
	msgs := make([]Message, len(rows))
	var newest time.Time
	for i, r := range rows {
		msgs[i] = MessageFromRecord(r)
		if msgs[i].Created.After(newest) {
			newest = msgs[i].Created
		}
	}
	s.notify.messagesChanged(peerID, msgs)
	return st.unread.MarkRead(ctx, peerID, newest)
}

// SendMessage sends text to the active conversation.
func (s *Session) SendMessage(ctx context.Context, text string) (Message, error) {
	peer := s.ActivePeer()
	if peer == "" {
		return Message{}, validationError("send message", "no open conversation")
	}
	return s.SendMessageTo(ctx, peer, text)
}

// SendMessageTo sends text to peerID. Empty text is rejected before any
// remote call.
func (s *Session) SendMessageTo(ctx context.Context, peerID, text string) (Message, error) {
	const op = "send message"
	st, err := s.state(op)
	if err != nil {
		return Message{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, validationError(op, "empty message")
	}
	if peerID == "" || peerID == st.identity.ID {
		return Message{}, validationError(op, "invalid peer %q", peerID)
	}
	row, err := s.backend.Insert(ctx, ResourceMessages, Record{
		"room":     RoomID(st.identity.ID, peerID),
		"text":     text,
		"sender":   st.identity.ID,
		"receiver": peerID,
	})
	if err != nil {
		return Message{}, err
	}
	return MessageFromRecord(row), nil
}

// DeleteMessage deletes one of the caller's messages.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	return s.deleteOwned(ctx, "delete message", ResourceMessages, id)
}

func (s *Session) deleteOwned(ctx context.Context, op, resource, id string) error {
	if _, err := s.state(op); err != nil {
		return err
	}
	if id == "" {
		return validationError(op, "empty id")
	}
	return s.backend.Delete(ctx, resource, id)
}

// ============================================================================
// Feed
// ============================================================================

// WatchFeed subscribes the feed and loads the first page.
func (s *Session) WatchFeed(ctx context.Context) error {
	st, err := s.state("watch feed")
	if err != nil {
		return err
	}
	st.scheduler.Register(ViewFeed, func(ctx context.Context) error { return s.refreshFeed(ctx, st) })
	_, err = st.registry.Subscribe(ctx, HandleKey{Kind: KindFeed}, Target{Resource: ResourcePosts},
		func(*Handle, ChangeEvent) error {
			st.scheduler.ScheduleRefresh(ViewFeed)
			return nil
		})
	if err != nil {
		return err
	}
	return st.scheduler.RunNow(ctx, ViewFeed)
}

// UnwatchFeed drops the feed and every per-post subscription.
func (s *Session) UnwatchFeed() {
	st, err := s.state("unwatch feed")
	if err != nil {
		return
	}
	st.scheduler.Unregister(ViewFeed)
	st.registry.DisposeWhere(func(k HandleKey) bool {
		return k.Kind == KindFeed || k.Kind == KindLikes || k.Kind == KindComments
	})
	s.mu.Lock()
	s.feed = nil
	s.expanded = make(map[string]bool)
	s.mu.Unlock()
}

func (s *Session) refreshFeed(ctx context.Context, st *sessionState) error {
	rows, err := s.backend.Query(ctx, ResourcePosts, nil, Desc("created"), s.opts.FeedPageSize)
	if err != nil {
		return err
	}
	posts := make([]Post, len(rows))
	onPage := make(map[string]bool, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		posts[i] = PostFromRecord(r)
		onPage[posts[i].ID] = true
		ids[i] = posts[i].ID
	}

	s.mu.Lock()
	if s.st != st {
		s.mu.Unlock()
		return nil
	}
	s.feed = ids
	for id := range s.expanded {
		if !onPage[id] {
			delete(s.expanded, id)
		}
	}
	s.mu.Unlock()

	n := st.registry.DisposeWhere(func(k HandleKey) bool {
		return (k.Kind == KindLikes || k.Kind == KindComments) && !onPage[k.Scope]
	})
	if n > 0 {
		s.logger.Debug("disposed handles for posts off the page", zap.Int("count", n))
	}

	s.notify.feedChanged(posts)
	for _, p := range posts {
		if err := s.watchLikes(ctx, st, p.ID); err != nil {
			s.logger.Warn("cannot watch likes", zap.String("post", p.ID), zap.Error(err))
		}
		if err := s.watchComments(ctx, st, p.ID); err != nil {
			s.logger.Warn("cannot watch comments", zap.String("post", p.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Session) watchLikes(ctx context.Context, st *sessionState, postID string) error {
	h, err := st.registry.Subscribe(ctx, HandleKey{Kind: KindLikes, Scope: postID},
		Target{Resource: ResourceLikes, Filter: Where(Eq("post", postID))},
		func(h *Handle, _ ChangeEvent) error { return s.loadLikes(h.Context(), h, postID) })
	if err != nil {
		return err
	}
	return s.loadLikes(ctx, h, postID)
}

func (s *Session) loadLikes(ctx context.Context, h *Handle, postID string) error {
	rows, err := s.backend.Query(ctx, ResourceLikes, Where(Eq("post", postID)), Order{}, 0)
	if err != nil {
		return err
	}
	if !h.Active() {
		return nil
	}
	likes := make([]Like, len(rows))
	for i, r := range rows {
		likes[i] = LikeFromRecord(r)
	}
	s.notify.likesChanged(postID, likes)
	return nil
}

func (s *Session) watchComments(ctx context.Context, st *sessionState, postID string) error {
	h, err := st.registry.Subscribe(ctx, HandleKey{Kind: KindComments, Scope: postID},
		Target{Resource: ResourceComments, Filter: Where(Eq("post", postID))},
		func(h *Handle, _ ChangeEvent) error { return s.loadComments(h.Context(), h, postID) })
	if err != nil {
		return err
	}
	return s.loadComments(ctx, h, postID)
}

func (s *Session) loadComments(ctx context.Context, h *Handle, postID string) error {
	filter := Where(Eq("post", postID))
	total, err := s.backend.Count(ctx, ResourceComments, filter)
	if err != nil {
		return err
	}
	s.mu.Lock()
	limit := s.opts.CommentPreview
	if s.expanded[postID] {
		limit = 0
	}
	s.mu.Unlock()
	rows, err := s.backend.Query(ctx, ResourceComments, filter, Asc("created"), limit)
	if err != nil {
		return err
	}
	if !h.Active() {
		return nil
	}
	comments := make([]Comment, len(rows))
	for i, r := range rows {
		comments[i] = CommentFromRecord(r)
	}
	s.notify.commentsChanged(postID, comments, total)
	return nil
}

// ExpandComments loads every comment of postID from now on.
func (s *Session) ExpandComments(ctx context.Context, postID string) error {
	st, err := s.state("expand comments")
	if err != nil {
		return err
	}
	if postID == "" {
		return validationError("expand comments", "empty post id")
	}
	s.mu.Lock()
	s.expanded[postID] = true
	s.mu.Unlock()
	return s.watchComments(ctx, st, postID)
}

// ToggleLike likes postID, or removes the caller's like. It reports whether
// the post is liked afterwards.
func (s *Session) ToggleLike(ctx context.Context, postID string) (bool, error) {
	const op = "toggle like"
	st, err := s.state(op)
	if err != nil {
		return false, err
	}
	if postID == "" {
		return false, validationError(op, "empty post id")
	}
	self := st.identity.ID
	rows, err := s.backend.Query(ctx, ResourceLikes, Where(Eq("post", postID), Eq("user", self)), Order{}, 1)
	if err != nil {
		return false, err
	}
	if len(rows) > 0 {
		return false, s.backend.Delete(ctx, ResourceLikes, rows[0].ID())
	}
	if _, err := s.backend.Insert(ctx, ResourceLikes, Record{"post": postID, "user": self}); err != nil {
		return false, err
	}
	return true, nil
}

// AddComment comments on postID.
func (s *Session) AddComment(ctx context.Context, postID, text string) (Comment, error) {
	const op = "add comment"
	st, err := s.state(op)
	if err != nil {
		return Comment{}, err
	}
	text = strings.TrimSpace(text)
	if postID == "" {
		return Comment{}, validationError(op, "empty post id")
	}
	if text == "" {
		return Comment{}, validationError(op, "empty comment")
	}
	row, err := s.backend.Insert(ctx, ResourceComments, Record{"post": postID, "user": st.identity.ID, "text": text})
	if err != nil {
		return Comment{}, err
	}
	return CommentFromRecord(row), nil
}

// DeleteComment deletes one of the caller's comments.
func (s *Session) DeleteComment(ctx context.Context, id string) error {
	return s.deleteOwned(ctx, "delete comment", ResourceComments, id)
}

// DeletePost deletes one of the caller's posts.
func (s *Session) DeletePost(ctx context.Context, id string) error {
	return s.deleteOwned(ctx, "delete post", ResourcePosts, id)
}

// ============================================================================
// Profile
// ============================================================================

// WatchProfile follows userID's directory entry and posts. An empty userID
// means the signed-in identity.
func (s *Session) WatchProfile(ctx context.Context, userID string) error {
	st, err := s.state("watch profile")
	if err != nil {
		return err
	}
	if userID == "" {
		userID = st.identity.ID
	}
	s.mu.Lock()
	s.profileUser = userID
	s.mu.Unlock()

	st.registry.DisposeWhere(func(k HandleKey) bool {
		return k.Kind == KindProfile && k.Scope != userID && k.Scope != userID+"/posts"
	})
	st.scheduler.Register(ViewProfile, func(ctx context.Context) error { return s.refreshProfile(ctx, userID) })

	onChange := func(*Handle, ChangeEvent) error {
		st.scheduler.ScheduleRefresh(ViewProfile)
		return nil
	}
	if _, err := st.registry.Subscribe(ctx, HandleKey{Kind: KindProfile, Scope: userID},
		Target{Resource: ResourceUsers, Filter: Where(Eq("id", userID))}, onChange); err != nil {
		return err
	}
	if _, err := st.registry.Subscribe(ctx, HandleKey{Kind: KindProfile, Scope: userID + "/posts"},
		Target{Resource: ResourcePosts, Filter: Where(Eq("user", userID))}, onChange); err != nil {
		return err
	}
	return st.scheduler.RunNow(ctx, ViewProfile)
}

func (s *Session) refreshProfile(ctx context.Context, userID string) error {
	users, err := s.backend.Query(ctx, ResourceUsers, Where(Eq("id", userID)), Order{}, 1)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return NewError("load profile", ErrNotFound, fmt.Errorf("user %q", userID))
	}
	rows, err := s.backend.Query(ctx, ResourcePosts, Where(Eq("user", userID)), Desc("created"), 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	current := s.profileUser
	s.mu.Unlock()
	if current != userID {
		return nil
	}
	posts := make([]Post, len(rows))
	for i, r := range rows {
		posts[i] = PostFromRecord(r)
	}
	s.notify.profileChanged(DirectoryEntryFromRecord(users[0]), posts)
	return nil
}
