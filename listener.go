package socialflow

import "go.uber.org/zap"

// ============================================================================
// Listener
// ============================================================================

// Listener receives session notifications. Every field is optional. Callbacks
// run on the goroutine that produced the change; a panicking callback is
// logged and swallowed.
type Listener struct {
	UnreadChanged     func(peerID string, count int)
	ContactsChanged   func(contacts []Contact)
	ConversationReset func()
	ActivityFlagged   func(peerID string)
	MessagesChanged   func(peerID string, messages []Message)
	FeedChanged       func(posts []Post)
	LikesChanged      func(postID string, likes []Like)
	CommentsChanged   func(postID string, comments []Comment, total int)
	ProfileChanged    func(entry DirectoryEntry, posts []Post)
}

// notifier wraps a Listener with panic isolation.
type notifier struct {
	l      Listener
	logger *zap.Logger
}

func (n notifier) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("listener panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func (n notifier) unreadChanged(peerID string, count int) {
	if n.l.UnreadChanged != nil {
		n.call("UnreadChanged", func() { n.l.UnreadChanged(peerID, count) })
	}
}

func (n notifier) contactsChanged(contacts []Contact) {
	if n.l.ContactsChanged != nil {
		n.call("ContactsChanged", func() { n.l.ContactsChanged(contacts) })
	}
}

func (n notifier) conversationReset() {
	if n.l.ConversationReset != nil {
		n.call("ConversationReset", n.l.ConversationReset)
	}
}

func (n notifier) activityFlagged(peerID string) {
	if n.l.ActivityFlagged != nil {
		n.call("ActivityFlagged", func() { n.l.ActivityFlagged(peerID) })
	}
}

func (n notifier) messagesChanged(peerID string, messages []Message) {
	if n.l.MessagesChanged != nil {
		n.call("MessagesChanged", func() { n.l.MessagesChanged(peerID, messages) })
	}
}

func (n notifier) feedChanged(posts []Post) {
	if n.l.FeedChanged != nil {
		n.call("FeedChanged", func() { n.l.FeedChanged(posts) })
	}
}

func (n notifier) likesChanged(postID string, likes []Like) {
	if n.l.LikesChanged != nil {
		n.call("LikesChanged", func() { n.l.LikesChanged(postID, likes) })
	}
}

func (n notifier) commentsChanged(postID string, comments []Comment, total int) {
	if n.l.CommentsChanged != nil {
		n.call("CommentsChanged", func() { n.l.CommentsChanged(postID, comments, total) })
	}
}

func (n notifier) profileChanged(entry DirectoryEntry, posts []Post) {
	if n.l.ProfileChanged != nil {
		n.call("ProfileChanged", func() { n.l.ProfileChanged(entry, posts) })
	}
}
