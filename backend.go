package socialflow

import "context"

// Disposer tears down one backend subscription. Implementations must be safe
// to call more than once and after the transport has closed.
type Disposer func()

// Backend is the capability surface consumed from the data store and auth
// layer. Calls are expected to apply the transport's own timeouts.
type Backend interface {
	Query(ctx context.Context, resource string, filter Filter, order Order, limit int) ([]Record, error)
	Count(ctx context.Context, resource string, filter Filter) (int, error)
	Insert(ctx context.Context, resource string, rec Record) (Record, error)
	Update(ctx context.Context, resource, id string, patch Record) (Record, error)
	Delete(ctx context.Context, resource, id string) error

	// Subscribe delivers changes matching filter, in transport order, until
	// the returned Disposer is called.
	Subscribe(ctx context.Context, resource string, filter Filter, onEvent func(ChangeEvent)) (Disposer, error)

	// CurrentIdentity returns nil when signed out.
	CurrentIdentity() *Identity
}

// ownerFields names the column that must equal the caller for update/delete.
var ownerFields = map[string]string{
	ResourceUsers:    "id",
	ResourceMessages: "sender",
	ResourcePosts:    "user",
	ResourceLikes:    "user",
	ResourceComments: "user",
}

// OwnerField returns the ownership column of resource, if any.
func OwnerField(resource string) (string, bool) {
	f, ok := ownerFields[resource]
	return f, ok
}
