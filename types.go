package socialflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Resources
// ============================================================================

// Remote collections.
const (
	ResourceUsers    = "users"
	ResourceMessages = "messages"
	ResourcePosts    = "posts"
	ResourceLikes    = "likes"
	ResourceComments = "comments"
)

// ============================================================================
// Records
// ============================================================================

// Record is one remote row, as delivered by a backend.
type Record map[string]any

// ID returns the record id.
func (r Record) ID() string { return r.String("id") }

// String returns the string value of key, or "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Time returns the time value of key. Strings are parsed as RFC 3339.
func (r Record) Time(key string) time.Time {
	t, _ := asTime(r[key])
	return t
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// ============================================================================
// Change events
// ============================================================================

// EventType is the kind of a pushed change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one pushed change for a subscribed resource.
type ChangeEvent struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
}

// ============================================================================
// Filters
// ============================================================================

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Cond compares one field against a value.
type Cond struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

func Eq(field string, v any) Cond  { return Cond{Field: field, Op: OpEq, Value: v} }
func Neq(field string, v any) Cond { return Cond{Field: field, Op: OpNeq, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }

// Filter is a conjunction of conditions. The empty filter matches everything.
type Filter []Cond

// Where builds a filter.
func Where(conds ...Cond) Filter { return Filter(conds) }

// Match reports whether r satisfies every condition.
func (f Filter) Match(r Record) bool {
	for _, c := range f {
		cmp, ok := compareValues(r[c.Field], c.Value)
		if !ok {
			if c.Op == OpNeq {
				continue
			}
			return false
		}
		switch c.Op {
		case OpEq:
			if cmp != 0 {
				return false
			}
		case OpNeq:
			if cmp == 0 {
				return false
			}
		case OpGt:
			if cmp <= 0 {
				return false
			}
		case OpGte:
			if cmp < 0 {
				return false
			}
		case OpLt:
			if cmp >= 0 {
				return false
			}
		case OpLte:
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders a against b. Times compare chronologically (strings
// holding RFC 3339 are accepted on either side), numbers numerically, and
// everything else by string form.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		ta, okA := asTime(a)
		tb, okB := asTime(b)
		if !okA || !okB {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Order sorts query results by one field.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Asc and Desc build orders.
func Asc(field string) Order  { return Order{Field: field} }
func Desc(field string) Order { return Order{Field: field, Desc: true} }

// SortRecords sorts records in place by o. The zero Order keeps input order.
func SortRecords(records []Record, o Order) {
	if o.Field == "" {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		cmp, _ := compareValues(records[i][o.Field], records[j][o.Field])
		if o.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// ============================================================================
// Domain types
// ============================================================================

// Identity is the signed-in account.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DirectoryEntry is a remote user record.
type DirectoryEntry struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

// DirectoryEntryFromRecord decodes a users row.
func DirectoryEntryFromRecord(r Record) DirectoryEntry {
	return DirectoryEntry{
		ID:       r.ID(),
		Username: r.String("username"),
		Email:    r.String("email"),
		Avatar:   r.String("avatar"),
		Bio:      r.String("bio"),
	}
}

// Contact is the locally cached subset of a directory entry.
type Contact struct {
	PeerID    string `json:"peerId"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

// ContactFromEntry narrows a directory entry to a contact.
func ContactFromEntry(e DirectoryEntry) Contact {
	return Contact{PeerID: e.ID, Username: e.Username, Email: e.Email, AvatarRef: e.Avatar}
}

// Message is one direct message.
type Message struct {
	ID       string    `json:"id"`
	Room     string    `json:"room"`
	Text     string    `json:"text"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Created  time.Time `json:"created"`
}

// MessageFromRecord decodes a messages row.
func MessageFromRecord(r Record) Message {
	return Message{
		ID:       r.ID(),
		Room:     r.String("room"),
		Text:     r.String("text"),
		Sender:   r.String("sender"),
		Receiver: r.String("receiver"),
		Created:  r.Time("created"),
	}
}

// Post is one feed entry.
type Post struct {
	ID       string    `json:"id"`
	User     string    `json:"user"`
	Caption  string    `json:"caption,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
	Created  time.Time `json:"created"`
}

// PostFromRecord decodes a posts row.
func PostFromRecord(r Record) Post {
	return Post{
		ID:       r.ID(),
		User:     r.String("user"),
		Caption:  r.String("caption"),
		ImageURL: r.String("image_url"),
		Created:  r.Time("created"),
	}
}

// Like marks a post as liked by a user.
type Like struct {
	ID   string `json:"id"`
	Post string `json:"post"`
	User string `json:"user"`
}

// LikeFromRecord decodes a likes row.
func LikeFromRecord(r Record) Like {
	return Like{ID: r.ID(), Post: r.String("post"), User: r.String("user")}
}

// Comment is one comment on a post.
type Comment struct {
	ID      string    `json:"id"`
	Post    string    `json:"post"`
	User    string    `json:"user"`
	Text    string    `json:"text"`
	Created time.Time `json:"created"`
}

// CommentFromRecord decodes a comments row.
func CommentFromRecord(r Record) Comment {
	return Comment{
		ID:      r.ID(),
		Post:    r.String("post"),
		User:    r.String("user"),
		Text:    r.String("text"),
		Created: r.Time("created"),
	}
}

// RoomID returns the direct-message room shared by a and b.
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + "::" + b
}

// DisplayName picks the label shown for a user.
func DisplayName(id, username string) string {
	if u := strings.TrimSpace(username); u != "" {
		return u
	}
	if id != "" {
		if len(id) > 4 {
			id = id[len(id)-4:]
		}
		return "User-" + id
	}
	return "User"
}
