package chatsync

import (
	"strconv"
	"strings"
)

// keySep separates key segments in the encoded form; it cannot appear in ids.
const keySep = "\x1f"

// Key addresses one cache entry. Keys are hierarchical: a key is a prefix of
// another when all of its segments match. Build keys with the typed helpers
// below so that every call site agrees on the shape.
type Key struct {
	path string
}

func newKey(parts ...string) Key {
	return Key{path: strings.Join(parts, keySep)}
}

// Parts returns the key segments.
func (k Key) Parts() []string {
	if k.path == "" {
		return nil
	}
	return strings.Split(k.path, keySep)
}

// HasPrefix reports whether prefix addresses k or one of its ancestors.
// The zero Key is a prefix of every key.
func (k Key) HasPrefix(prefix Key) bool {
	if prefix.path == "" {
		return true
	}
	if !strings.HasPrefix(k.path, prefix.path) {
		return false
	}
	return len(k.path) == len(prefix.path) || k.path[len(prefix.path):len(prefix.path)+1] == keySep
}

// IsZero reports whether k is the empty key.
func (k Key) IsZero() bool { return k.path == "" }

func (k Key) String() string {
	return "[" + strings.Join(k.Parts(), " ") + "]"
}

// ── Messages ─────────────────────────────────────────────

// MessagesPrefix addresses every per-conversation message list.
func MessagesPrefix() Key { return newKey("messages") }

// MessageListKey addresses the message list of the conversation with friendID.
func MessageListKey(friendID ID) Key { return newKey("messages", string(friendID)) }

// ConversationListKey addresses the conversation-summary (chat) list.
func ConversationListKey() Key { return newKey("chat") }

// ── Notifications ────────────────────────────────────────

// NotificationsPrefix addresses every notification entry.
func NotificationsPrefix() Key { return newKey("notifications") }

// HeaderNotificationsKey addresses the capped header window for status.
func HeaderNotificationsKey(status NotificationStatus) Key {
	return newKey("notifications", "header", status.String())
}

// UnreadCountKey addresses the unread notification counter.
func UnreadCountKey() Key { return newKey("notifications", "count", "unread") }

// NotificationPagesPrefix addresses every page of the full notification list.
func NotificationPagesPrefix() Key { return newKey("notifications", "page") }

// NotificationPageKey addresses one page of the full notification list.
func NotificationPageKey(page, size int) Key {
	return newKey("notifications", "page", strconv.Itoa(page), strconv.Itoa(size))
}

// ── Friend requests ──────────────────────────────────────

// FriendRequestPrefix addresses every friend-request list.
func FriendRequestPrefix() Key { return newKey("friend-request") }

// FriendRequestKey addresses received or sent requests.
func FriendRequestKey(direction FriendRequestDirection) Key {
	return newKey("friend-request", string(direction))
}
