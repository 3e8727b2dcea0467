package socialflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	faker "github.com/go-faker/faker/v4"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake service
// ============================================================================

// fakeService serves the REST and WebSocket protocol on top of a
// MemoryBackend. Tokens map to identities.
type fakeService struct {
	mem    *MemoryBackend
	tokens map[string]Identity
	srv    *httptest.Server

	writeMu sync.Mutex

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	subscribes atomic.Int32
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{
		mem:    newTestBackend(t, nil),
		tokens: map[string]Identity{"tok-alice": alice, "tok-bob": bob, "tok-carol": carol},
		conns:  make(map[*websocket.Conn]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/ws", f.serveWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(f.authenticate)
		r.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
			id := r.Context().Value(identityKey{}).(Identity)
			writeData(w, id)
		})
		r.Post("/records/{res}/query", f.query)
		r.Post("/records/{res}/count", f.count)
		r.Post("/records/{res}", f.insert)
		r.Patch("/records/{res}/{id}", f.update)
		r.Delete("/records/{res}/{id}", f.delete)
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

type identityKey struct{}

func (f *fakeService) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		id, ok := f.tokens[trimBearer(auth)]
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func trimBearer(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// as runs fn against the store signed in as the caller.
func (f *fakeService) as(r *http.Request, fn func() error) error {
	id := r.Context().Value(identityKey{}).(Identity)
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.mem.SetIdentity(&id)
	defer f.mem.SetIdentity(nil)
	return fn()
}

func (f *fakeService) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var order Order
	if req.Order != nil {
		order = *req.Order
	}
	rows, err := f.mem.Query(r.Context(), chi.URLParam(r, "res"), req.Filter, order, req.Limit)
	if err != nil {
		writeKind(w, err)
		return
	}
	if rows == nil {
		rows = []Record{}
	}
	writeData(w, rows)
}

func (f *fakeService) count(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	n, err := f.mem.Count(r.Context(), chi.URLParam(r, "res"), req.Filter)
	if err != nil {
		writeKind(w, err)
		return
	}
	writeData(w, map[string]int{"count": n})
}

func (f *fakeService) insert(w http.ResponseWriter, r *http.Request) {
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var row Record
	err := f.as(r, func() (err error) {
		row, err = f.mem.Insert(r.Context(), chi.URLParam(r, "res"), rec)
		return err
	})
	if err != nil {
		writeKind(w, err)
		return
	}
	writeData(w, row)
}

func (f *fakeService) update(w http.ResponseWriter, r *http.Request) {
	var patch Record
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var row Record
	err := f.as(r, func() (err error) {
		row, err = f.mem.Update(r.Context(), chi.URLParam(r, "res"), chi.URLParam(r, "id"), patch)
		return err
	})
	if err != nil {
		writeKind(w, err)
		return
	}
	writeData(w, row)
}

func (f *fakeService) delete(w http.ResponseWriter, r *http.Request) {
	err := f.as(r, func() error {
		return f.mem.Delete(r.Context(), chi.URLParam(r, "res"), chi.URLParam(r, "id"))
	})
	if err != nil {
		writeKind(w, err)
		return
	}
	writeData(w, nil)
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": map[string]string{"code": code, "message": msg},
	})
}

func writeKind(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPermission):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "invalid", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// ── WebSocket ────────────────────────────────────────────

func (f *fakeService) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	id, ok := f.tokens[r.URL.Query().Get("token")]
	if !ok {
		_ = f.send(conn, "error", RealtimeErrorPayload{Message: "invalid token"})
		return
	}
	if err := f.send(conn, "authenticated", AuthenticatedPayload{UserID: id.ID, Username: id.Username}); err != nil {
		return
	}

	f.connMu.Lock()
	f.conns[conn] = struct{}{}
	f.connMu.Unlock()

	var subMu sync.Mutex
	subs := make(map[string]Disposer)
	defer func() {
		f.connMu.Lock()
		delete(f.conns, conn)
		f.connMu.Unlock()
		subMu.Lock()
		for _, d := range subs {
			d()
		}
		subMu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case "subscribe":
			var p SubscribePayload
			if json.Unmarshal(cmd.Payload, &p) != nil {
				continue
			}
			subID := p.SubscriptionID
			d, err := f.mem.Subscribe(ctx, p.Resource, p.Filter, func(ev ChangeEvent) {
				_ = f.send(conn, "record.change", RecordChangePayload{SubscriptionID: subID, Event: ev})
			})
			if err != nil {
				_ = f.send(conn, "error", RealtimeErrorPayload{SubscriptionID: subID, Message: err.Error()})
				continue
			}
			subMu.Lock()
			subs[subID] = d
			subMu.Unlock()
			f.subscribes.Add(1)
		case "unsubscribe":
			var p UnsubscribePayload
			if json.Unmarshal(cmd.Payload, &p) != nil {
				continue
			}
			subMu.Lock()
			if d := subs[p.SubscriptionID]; d != nil {
				d()
				delete(subs, p.SubscriptionID)
			}
			subMu.Unlock()
		case "ping":
			var p PongPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			_ = f.send(conn, "pong", p)
		}
	}
}

func (f *fakeService) send(conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(RealtimeEnvelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// dropConnections closes every socket as if the network went away.
func (f *fakeService) dropConnections() {
	f.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.connMu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (f *fakeService) client(t *testing.T, token string) *RemoteBackend {
	t.Helper()
	rb := NewRemoteBackend(token,
		WithBaseURL(f.srv.URL),
		WithTimeout(5*time.Second),
		WithRealtimeConfig(RealtimeConfig{
			AutoReconnect:      true,
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			PingTimeout:        2 * time.Second,
		}),
	)
	t.Cleanup(func() { _ = rb.Close() })
	return rb
}

func (f *fakeService) connected(t *testing.T, token string) *RemoteBackend {
	t.Helper()
	rb := f.client(t, token)
	if _, err := rb.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s): %v", token, err)
	}
	return rb
}

// ============================================================================
// Tests
// ============================================================================

func TestRemoteConnect(t *testing.T) {
	f := newFakeService(t)

	rb := f.client(t, "tok-alice")
	if rb.CurrentIdentity() != nil {
		t.Fatal("identity before Connect")
	}
	id, err := rb.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id.ID != alice.ID || id.Username != alice.Username {
		t.Fatalf("identity = %+v", id)
	}

	_, err = f.client(t, "stolen").Connect(context.Background())
	if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrPermission) {
		t.Fatalf("bad token err = %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "unauthorized" {
		t.Fatalf("APIError = %v", apiErr)
	}
	if !IsPermission(err) {
		t.Fatal("IsPermission = false for a rejected token")
	}
}

func TestRemoteRecords(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	rb := f.connected(t, "tok-alice")

	var profile struct {
		Username string `faker:"username"`
		Email    string `faker:"email"`
	}
	if err := faker.FakeData(&profile); err != nil {
		t.Fatalf("faker.FakeData(): %v", err)
	}
	f.mem.Seed(ResourceUsers, Record{"id": "u4", "username": profile.Username, "email": profile.Email})

	users, err := rb.Query(ctx, ResourceUsers, Where(Eq("id", "u4")), Order{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || DirectoryEntryFromRecord(users[0]).Email != profile.Email {
		t.Fatalf("users = %v", users)
	}

	before := time.Now().Add(-time.Second)
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		row, err := rb.Insert(ctx, ResourceMessages, Record{
			"room": RoomID(alice.ID, bob.ID), "text": text, "sender": alice.ID, "receiver": bob.ID,
		})
		if err != nil {
			t.Fatal(err)
		}
		if row.ID() == "" || row.Time("created").Before(before) {
			t.Fatalf("inserted row = %v", row)
		}
		ids = append(ids, row.ID())
	}

	rows, err := rb.Query(ctx, ResourceMessages, Where(Eq("receiver", bob.ID), Gt("created", before)), Desc("created"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].String("text") != "three" {
		t.Fatalf("query = %v", rows)
	}
	n, err := rb.Count(ctx, ResourceMessages, Where(Eq("sender", alice.ID)))
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	updated, err := rb.Update(ctx, ResourceMessages, ids[0], Record{"text": "uno"})
	if err != nil || updated.String("text") != "uno" {
		t.Fatalf("Update = %v, %v", updated, err)
	}
	if err := rb.Delete(ctx, ResourceMessages, ids[0]); err != nil {
		t.Fatal(err)
	}
	if n, _ := rb.Count(ctx, ResourceMessages, nil); n != 2 {
		t.Fatalf("Count after delete = %d", n)
	}
}

func TestRemoteErrorKinds(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	rb := f.connected(t, "tok-alice")
	existing, err := rb.Insert(ctx, ResourceMessages, Record{"sender": alice.ID, "receiver": bob.ID, "text": "hi"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"write as someone else", func() error {
			_, err := rb.Insert(ctx, ResourceMessages, Record{"sender": bob.ID, "text": "spoof"})
			return err
		}, ErrPermission},
		{"missing row", func() error {
			_, err := rb.Update(ctx, ResourceMessages, "nope", Record{"text": "x"})
			return err
		}, ErrNotFound},
		{"duplicate id", func() error {
			_, err := rb.Insert(ctx, ResourceMessages, Record{"id": existing.ID(), "sender": alice.ID})
			return err
		}, ErrValidation},
		{"unreachable", func() error {
			dead := NewRemoteBackend("tok-alice", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
			_, err := dead.Count(ctx, ResourceMessages, nil)
			return err
		}, ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRemoteSubscribe(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	rb := f.connected(t, "tok-alice")
	sender := f.connected(t, "tok-bob")

	var mu sync.Mutex
	var got []ChangeEvent
	dispose, err := rb.Subscribe(ctx, ResourceMessages, Where(Eq("receiver", alice.ID)), func(ev ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the server subscription", func() bool { return f.mem.SubscriberCount() == 1 })

	for _, text := range []string{"a", "b", "c"} {
		if _, err := sender.Insert(ctx, ResourceMessages, Record{"sender": bob.ID, "receiver": alice.ID, "text": text}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := sender.Insert(ctx, ResourceMessages, Record{"sender": bob.ID, "receiver": carol.ID, "text": "not for alice"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "three events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Type != EventInsert || got[i].Record.String("text") != want {
			t.Errorf("event %d = %+v", i, got[i])
		}
	}
	mu.Unlock()

	pong, err := rb.Realtime().Ping(ctx)
	if err != nil || pong.RequestID == "" {
		t.Fatalf("Ping = %+v, %v", pong, err)
	}

	dispose()
	dispose()
	waitFor(t, "the unsubscribe", func() bool { return f.mem.SubscriberCount() == 0 })
	if rb.Realtime().SubscriptionCount() != 0 {
		t.Fatal("client kept the subscription")
	}
}

func TestRealtimeRejectsBadToken(t *testing.T) {
	f := newFakeService(t)
	c := NewRealtimeClient(f.srv.URL, &RealtimeConfig{Token: "stolen"})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestRealtimeResubscribesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	rb := f.connected(t, "tok-alice")
	sender := f.connected(t, "tok-bob")

	var reconnects atomic.Int32
	rb.Realtime().OnReconnecting(func(int, time.Duration) { reconnects.Add(1) })

	var events atomic.Int32
	if _, err := rb.Subscribe(ctx, ResourceMessages, Where(Eq("receiver", alice.ID)), func(ChangeEvent) {
		events.Add(1)
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "the first subscribe", func() bool { return f.subscribes.Load() == 1 })

	f.dropConnections()
	waitFor(t, "the resubscribe", func() bool { return f.subscribes.Load() == 2 && f.mem.SubscriberCount() == 1 })
	if reconnects.Load() == 0 {
		t.Fatal("no reconnect attempt reported")
	}

	if _, err := sender.Insert(ctx, ResourceMessages, Record{"sender": bob.ID, "receiver": alice.ID, "text": "after"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery on the same handler", func() bool { return events.Load() == 1 })
}

func TestSessionOverRemoteBackend(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	rb := f.connected(t, "tok-alice")
	sender := f.connected(t, "tok-bob")

	rec := newSessionRecorder()
	s := NewSession(rb, NewMemoryStorage(), &SessionOptions{
		RefreshDelay: 20 * time.Millisecond,
		Listener:     rec.listener(),
	})
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Destroy()
	waitFor(t, "directory and inbox subscriptions", func() bool { return f.mem.SubscriberCount() == 2 })

	if _, err := sender.Insert(ctx, ResourceMessages, Record{
		"room": RoomID(bob.ID, alice.ID), "sender": bob.ID, "receiver": alice.ID, "text": "ping",
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "unread from bob", func() bool { return s.Unread(bob.ID) == 1 })

	if err := s.OpenConversation(ctx, bob.ID); err != nil {
		t.Fatal(err)
	}
	if s.Unread(bob.ID) != 0 {
		t.Fatalf("unread = %d after opening", s.Unread(bob.ID))
	}
	waitFor(t, "the conversation subscription", func() bool { return f.mem.SubscriberCount() == 3 })
	if _, err := s.SendMessageTo(ctx, bob.ID, "pong"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both messages in the conversation", func() bool {
		var n int
		rec.read(func() { n = len(rec.messages[bob.ID]) })
		return n == 2
	})
}
