package socialflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// sessionRecorder captures listener callbacks.
type sessionRecorder struct {
	mu        sync.Mutex
	unread    map[string]int
	activity  []string
	resets    int
	contacts  []Contact
	messages  map[string][]Message
	feed      []Post
	likes     map[string][]Like
	comments  map[string][]Comment
	totals    map[string]int
	profile   DirectoryEntry
	profPosts []Post
}

func newSessionRecorder() *sessionRecorder {
	return &sessionRecorder{
		unread:   make(map[string]int),
		messages: make(map[string][]Message),
		likes:    make(map[string][]Like),
		comments: make(map[string][]Comment),
		totals:   make(map[string]int),
	}
}

func (r *sessionRecorder) listener() Listener {
	return Listener{
		UnreadChanged: func(peer string, n int) {
			r.mu.Lock()
			r.unread[peer] = n
			r.mu.Unlock()
		},
		ActivityFlagged: func(peer string) {
			r.mu.Lock()
			r.activity = append(r.activity, peer)
			r.mu.Unlock()
		},
		ConversationReset: func() {
			r.mu.Lock()
			r.resets++
			r.mu.Unlock()
		},
		ContactsChanged: func(list []Contact) {
			r.mu.Lock()
			r.contacts = list
			r.mu.Unlock()
		},
		MessagesChanged: func(peer string, msgs []Message) {
			r.mu.Lock()
			r.messages[peer] = msgs
			r.mu.Unlock()
		},
		FeedChanged: func(posts []Post) {
			r.mu.Lock()
			r.feed = posts
			r.mu.Unlock()
		},
		LikesChanged: func(post string, likes []Like) {
			r.mu.Lock()
			r.likes[post] = likes
			r.mu.Unlock()
		},
		CommentsChanged: func(post string, comments []Comment, total int) {
			r.mu.Lock()
			r.comments[post] = comments
			r.totals[post] = total
			r.mu.Unlock()
		},
		ProfileChanged: func(e DirectoryEntry, posts []Post) {
			r.mu.Lock()
			r.profile = e
			r.profPosts = posts
			r.mu.Unlock()
		},
	}
}

func (r *sessionRecorder) read(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func newTestSession(t *testing.T, backend Backend, storage Storage, rec *sessionRecorder) *Session {
	t.Helper()
	s := NewSession(backend, storage, &SessionOptions{
		RefreshDelay: 20 * time.Millisecond,
		Listener:     rec.listener(),
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

// sendAs inserts a message as from, then restores the previous identity.
func sendAs(t *testing.T, mb *MemoryBackend, from, to Identity, text string) {
	t.Helper()
	prev := mb.CurrentIdentity()
	mb.SetIdentity(&from)
	defer mb.SetIdentity(prev)
	if _, err := mb.Insert(context.Background(), ResourceMessages, Record{
		"room":     RoomID(from.ID, to.ID),
		"text":     text,
		"sender":   from.ID,
		"receiver": to.ID,
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func hasKey(keys []HandleKey, want HandleKey) bool {
	for _, k := range keys {
		if k == want {
			return true
		}
	}
	return false
}

func TestSessionInitRequiresIdentity(t *testing.T) {
	s := NewSession(newTestBackend(t, nil), NewMemoryStorage(), nil)
	if err := s.Init(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Init err = %v, want ErrUnauthenticated", err)
	}
	if _, err := s.Contacts(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Contacts err = %v, want ErrUnauthenticated", err)
	}
}

func TestSessionInit(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	storage := NewMemoryStorage()
	seedMessage(mb, bob.ID, alice.ID, "while you were away", time.Now().Add(-time.Minute))

	prefs := newTestPrefs(t, storage, alice.ID)
	if _, err := NewContactBook(prefs, nil).Upsert(ctx, entry(bob.ID, "bob")); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(t, mb, storage, newSessionRecorder())

	keys := s.HandleKeys()
	for _, want := range []HandleKey{{Kind: KindDirectory}, {Kind: KindInbox, Scope: alice.ID}} {
		if !hasKey(keys, want) {
			t.Errorf("missing handle %s in %v", want, keys)
		}
	}
	if got := len(s.Directory()); got != 3 {
		t.Errorf("directory size = %d, want 3", got)
	}
	if e, ok := s.Lookup(bob.ID); !ok || e.Username != "bob" {
		t.Errorf("Lookup(bob) = %+v, %v", e, ok)
	}
	if got := s.Unread(bob.ID); got != 1 {
		t.Errorf("Unread(bob) = %d, want 1", got)
	}
	if id := s.Identity(); id == nil || id.ID != alice.ID {
		t.Errorf("Identity = %v", id)
	}
}

func TestSessionInboundAndConversation(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	rec := newSessionRecorder()
	s := newTestSession(t, mb, NewMemoryStorage(), rec)

	sendAs(t, mb, bob, alice, "hello")
	waitFor(t, "unread from bob", func() bool { return s.Unread(bob.ID) == 1 && s.Flagged(bob.ID) })

	list, err := s.Contacts(ctx)
	if err != nil || len(list) != 1 || list[0].PeerID != bob.ID {
		t.Fatalf("Contacts = %+v, %v", list, err)
	}
	rec.read(func() {
		if len(rec.activity) != 1 || rec.activity[0] != bob.ID {
			t.Errorf("activity = %v", rec.activity)
		}
	})

	if err := s.OpenConversation(ctx, bob.ID); err != nil {
		t.Fatal(err)
	}
	if s.Unread(bob.ID) != 0 || s.Flagged(bob.ID) {
		t.Fatalf("after open: unread = %d flagged = %v", s.Unread(bob.ID), s.Flagged(bob.ID))
	}
	rec.read(func() {
		if len(rec.messages[bob.ID]) != 1 {
			t.Errorf("messages = %+v", rec.messages[bob.ID])
		}
		if rec.unread[bob.ID] != 0 {
			t.Errorf("last unread notification = %d", rec.unread[bob.ID])
		}
	})

	t.Run("message in the open conversation stays read", func(t *testing.T) {
		sendAs(t, mb, bob, alice, "still there?")
		waitFor(t, "the chat refresh", func() bool {
			var n int
			rec.read(func() { n = len(rec.messages[bob.ID]) })
			return n == 2
		})
		if s.Unread(bob.ID) != 0 {
			t.Fatalf("unread = %d for the open conversation", s.Unread(bob.ID))
		}
	})

	t.Run("switching conversations disposes the old room", func(t *testing.T) {
		if err := s.OpenConversation(ctx, carol.ID); err != nil {
			t.Fatal(err)
		}
		keys := s.HandleKeys()
		if hasKey(keys, HandleKey{Kind: KindMessages, Scope: RoomID(alice.ID, bob.ID)}) {
			t.Fatalf("old room still subscribed: %v", keys)
		}
		if !hasKey(keys, HandleKey{Kind: KindMessages, Scope: RoomID(alice.ID, carol.ID)}) {
			t.Fatalf("new room not subscribed: %v", keys)
		}
		if s.ActivePeer() != carol.ID {
			t.Fatalf("ActivePeer = %q", s.ActivePeer())
		}
	})

	t.Run("unknown peer", func(t *testing.T) {
		if err := s.OpenConversation(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if err := s.OpenConversation(ctx, alice.ID); !errors.Is(err, ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})
}

func TestOpenConversationClearsUnreadBeforeLoading(t *testing.T) {
	ctx := context.Background()
	hb := &hookedBackend{MemoryBackend: newTestBackend(t, &alice)}
	var hold atomic.Bool
	gate := make(chan struct{})
	hb.query = func(ctx context.Context, resource string) error {
		if resource == ResourceMessages && hold.Load() {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	rec := newSessionRecorder()
	s := newTestSession(t, hb, NewMemoryStorage(), rec)
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	sendAs(t, hb.MemoryBackend, bob, alice, "hello")
	waitFor(t, "unread from bob", func() bool {
		var n int
		rec.read(func() { n = rec.unread[bob.ID] })
		return n == 1 && s.Unread(bob.ID) == 1
	})

	hold.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.OpenConversation(ctx, bob.ID) }()

	waitFor(t, "the badge to clear while messages load", func() bool {
		var n int
		rec.read(func() { n = rec.unread[bob.ID] })
		return n == 0 && s.Unread(bob.ID) == 0
	})
	select {
	case err := <-done:
		t.Fatalf("OpenConversation returned %v before its messages loaded", err)
	default:
	}

	release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.Unread(bob.ID) != 0 || s.Flagged(bob.ID) {
		t.Fatalf("after open: unread = %d flagged = %v", s.Unread(bob.ID), s.Flagged(bob.ID))
	}
	rec.read(func() {
		if len(rec.messages[bob.ID]) != 1 {
			t.Errorf("messages = %+v", rec.messages[bob.ID])
		}
	})
}

func TestInboundKeepsCachedProfileWithoutDirectory(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	mb := newTestBackend(t, &alice)

	first := NewSession(mb, storage, &SessionOptions{RefreshDelay: 20 * time.Millisecond})
	if err := first.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := first.PickPeer(ctx, bob.ID); err != nil {
		t.Fatal(err)
	}
	first.Destroy()

	hb := &hookedBackend{MemoryBackend: mb}
	hb.query = func(_ context.Context, resource string) error {
		if resource == ResourceUsers {
			return NewError("query users", ErrTransport, errors.New("directory offline"))
		}
		return nil
	}
	s := newTestSession(t, hb, storage, newSessionRecorder())
	if _, ok := s.Lookup(bob.ID); ok {
		t.Fatal("directory loaded despite the failing query")
	}

	sendAs(t, mb, bob, alice, "are you there?")
	waitFor(t, "unread from bob", func() bool { return s.Unread(bob.ID) == 1 })

	list, err := s.Contacts(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("Contacts = %+v, %v", list, err)
	}
	if list[0].PeerID != bob.ID || list[0].Username != bob.Username {
		t.Fatalf("cached contact overwritten: %+v", list[0])
	}

	t.Run("unknown sender is added without a profile", func(t *testing.T) {
		sendAs(t, mb, carol, alice, "hi")
		waitFor(t, "unread from carol", func() bool { return s.Unread(carol.ID) == 1 })
		list, err := s.Contacts(ctx)
		if err != nil || len(list) != 2 {
			t.Fatalf("Contacts = %+v, %v", list, err)
		}
		if list[0].PeerID != carol.ID || list[0].Username != "" {
			t.Fatalf("front contact = %+v, want bare carol", list[0])
		}
		if list[1].Username != bob.Username {
			t.Fatalf("cached username for bob lost: %+v", list[1])
		}
	})
}

func TestSessionSendMessage(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	s := newTestSession(t, mb, NewMemoryStorage(), newSessionRecorder())

	if _, err := s.SendMessage(ctx, "hi"); !errors.Is(err, ErrValidation) {
		t.Fatalf("SendMessage without a conversation err = %v", err)
	}
	for _, text := range []string{"", "   \n"} {
		if _, err := s.SendMessageTo(ctx, bob.ID, text); !errors.Is(err, ErrValidation) {
			t.Fatalf("SendMessageTo(%q) err = %v, want ErrValidation", text, err)
		}
	}
	if _, err := s.SendMessageTo(ctx, alice.ID, "me"); !errors.Is(err, ErrValidation) {
		t.Fatalf("SendMessageTo(self) err = %v", err)
	}
	if n, _ := mb.Count(ctx, ResourceMessages, nil); n != 0 {
		t.Fatalf("rejected sends reached the backend: %d rows", n)
	}

	msg, err := s.SendMessageTo(ctx, bob.ID, "  hi bob ")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hi bob" || msg.Sender != alice.ID || msg.Room != RoomID(alice.ID, bob.ID) {
		t.Fatalf("message = %+v", msg)
	}
	if err := s.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
}

func TestSessionPrunesRemovedPeer(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	rec := newSessionRecorder()
	s := newTestSession(t, mb, NewMemoryStorage(), rec)

	for _, peer := range []string{bob.ID, carol.ID} {
		if _, err := s.PickPeer(ctx, peer); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.OpenConversation(ctx, bob.ID); err != nil {
		t.Fatal(err)
	}

	mb.SetIdentity(&bob)
	err := mb.Delete(ctx, ResourceUsers, bob.ID)
	mb.SetIdentity(&alice)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "the conversation reset", func() bool {
		var n int
		rec.read(func() { n = rec.resets })
		return n == 1
	})
	if s.ActivePeer() != "" {
		t.Fatalf("ActivePeer = %q after reset", s.ActivePeer())
	}
	list, _ := s.Contacts(ctx)
	if got := peerIDs(list); len(got) != 1 || got[0] != carol.ID {
		t.Fatalf("contacts = %v", got)
	}
	for _, k := range s.HandleKeys() {
		if k.Kind == KindMessages {
			t.Fatalf("conversation handle survived: %s", k)
		}
	}
	if _, ok := s.Lookup(bob.ID); ok {
		t.Fatal("directory still lists the deleted user")
	}
}

func TestSessionDestroy(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	mb.Seed(ResourcePosts, Record{"id": "p1", "user": bob.ID, "caption": "hi"})
	s := newTestSession(t, mb, NewMemoryStorage(), newSessionRecorder())

	if err := s.WatchFeed(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.OpenConversation(ctx, bob.ID); err != nil {
		t.Fatal(err)
	}
	if mb.SubscriberCount() == 0 {
		t.Fatal("no subscriptions before Destroy")
	}

	s.Destroy()
	if n := mb.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d after Destroy", n)
	}
	if s.Identity() != nil || s.ActivePeer() != "" || len(s.Directory()) != 0 {
		t.Fatal("Destroy kept session state")
	}
	s.Destroy()

	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(s.HandleKeys()); got != 2 {
		t.Fatalf("handles after re-init = %d, want 2", got)
	}
}

func TestSessionFeed(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	base := time.Now().Add(-time.Hour).UTC()
	mb.Seed(ResourcePosts,
		Record{"id": "p1", "user": bob.ID, "caption": "older", "created": base},
		Record{"id": "p2", "user": alice.ID, "caption": "newer", "created": base.Add(time.Minute)},
	)
	for i, text := range []string{"first", "second", "third"} {
		mb.Seed(ResourceComments, Record{"post": "p1", "user": carol.ID, "text": text, "created": base.Add(time.Duration(i+1) * time.Second)})
	}
	rec := newSessionRecorder()
	s := newTestSession(t, mb, NewMemoryStorage(), rec)

	if err := s.WatchFeed(ctx); err != nil {
		t.Fatal(err)
	}
	rec.read(func() {
		if len(rec.feed) != 2 || rec.feed[0].ID != "p2" {
			t.Fatalf("feed = %+v", rec.feed)
		}
		if c := rec.comments["p1"]; len(c) != 2 || c[0].Text != "first" || rec.totals["p1"] != 3 {
			t.Fatalf("comments preview = %+v total %d", c, rec.totals["p1"])
		}
	})
	keys := s.HandleKeys()
	for _, want := range []HandleKey{{Kind: KindFeed}, {Kind: KindLikes, Scope: "p1"}, {Kind: KindComments, Scope: "p2"}} {
		if !hasKey(keys, want) {
			t.Fatalf("missing handle %s", want)
		}
	}

	t.Run("expand comments", func(t *testing.T) {
		if err := s.ExpandComments(ctx, "p1"); err != nil {
			t.Fatal(err)
		}
		rec.read(func() {
			if len(rec.comments["p1"]) != 3 {
				t.Fatalf("expanded comments = %d", len(rec.comments["p1"]))
			}
		})
	})

	t.Run("toggle like", func(t *testing.T) {
		liked, err := s.ToggleLike(ctx, "p1")
		if err != nil || !liked {
			t.Fatalf("ToggleLike = %v, %v", liked, err)
		}
		waitFor(t, "the like", func() bool {
			var n int
			rec.read(func() { n = len(rec.likes["p1"]) })
			return n == 1
		})
		liked, err = s.ToggleLike(ctx, "p1")
		if err != nil || liked {
			t.Fatalf("second ToggleLike = %v, %v", liked, err)
		}
		waitFor(t, "the unlike", func() bool {
			var n int
			rec.read(func() { n = len(rec.likes["p1"]) })
			return n == 0
		})
	})

	t.Run("comments", func(t *testing.T) {
		if _, err := s.AddComment(ctx, "p1", " "); !errors.Is(err, ErrValidation) {
			t.Fatalf("empty comment err = %v", err)
		}
		c, err := s.AddComment(ctx, "p1", "nice")
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, "the comment", func() bool {
			var total int
			rec.read(func() { total = rec.totals["p1"] })
			return total == 4
		})
		if err := s.DeleteComment(ctx, c.ID); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("deleting someone else's post", func(t *testing.T) {
		if err := s.DeletePost(ctx, "p1"); !errors.Is(err, ErrPermission) {
			t.Fatalf("err = %v, want ErrPermission", err)
		}
	})

	s.UnwatchFeed()
	for _, k := range s.HandleKeys() {
		switch k.Kind {
		case KindFeed, KindLikes, KindComments:
			t.Fatalf("feed handle survived UnwatchFeed: %s", k)
		}
	}
}

func TestSessionWatchProfile(t *testing.T) {
	ctx := context.Background()
	mb := newTestBackend(t, &alice)
	mb.Seed(ResourcePosts, Record{"id": "p1", "user": bob.ID}, Record{"id": "p2", "user": alice.ID})
	rec := newSessionRecorder()
	s := newTestSession(t, mb, NewMemoryStorage(), rec)

	if err := s.WatchProfile(ctx, bob.ID); err != nil {
		t.Fatal(err)
	}
	rec.read(func() {
		if rec.profile.ID != bob.ID || len(rec.profPosts) != 1 || rec.profPosts[0].ID != "p1" {
			t.Fatalf("profile = %+v posts %+v", rec.profile, rec.profPosts)
		}
	})

	if err := s.WatchProfile(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if hasKey(s.HandleKeys(), HandleKey{Kind: KindProfile, Scope: bob.ID}) {
		t.Fatal("previous profile still subscribed")
	}
	rec.read(func() {
		if rec.profile.ID != alice.ID {
			t.Fatalf("profile = %+v", rec.profile)
		}
	})

	if err := s.WatchProfile(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
