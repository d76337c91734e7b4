package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// NotificationSync maintains the header notification windows (unread and
// read, most recent first, capped) and the unread counter. The counter is
// its own cache entry and is never derived from the capped unread window.
type NotificationSync struct {
	cache    *Cache
	api      NotificationAPI
	window   int
	notifier Notifier
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewNotificationSync creates a notification engine with the given window
// size (DefaultNotificationWindow when <= 0).
func NewNotificationSync(c *Cache, api NotificationAPI, window int, opts ...Option) *NotificationSync {
	o := newOptions(opts)
	if window <= 0 {
		window = DefaultNotificationWindow
	}
	return &NotificationSync{
		cache:    c,
		api:      api,
		window:   window,
		notifier: o.notifier,
		log:      o.log.With().Str("component", "notifications").Logger(),
		metrics:  o.metrics,
		now:      o.now,
	}
}

// ── Queries ──────────────────────────────────────────────

// LoadHeader returns the header window for status.
func (n *NotificationSync) LoadHeader(ctx context.Context, status NotificationStatus) (NotificationWindow, error) {
	return Query(ctx, n.cache, HeaderNotificationsKey(status), func(ctx context.Context) (NotificationWindow, error) {
		w, err := n.api.ListNotifications(ctx, NotificationQuery{Status: status.String(), Page: 1, PageSize: n.window})
		if err != nil {
			return NotificationWindow{}, err
		}
		if len(w.Items) > n.window {
			w.Items = w.Items[:n.window]
		}
		return *w, nil
	})
}

// LoadUnreadCount returns the unread counter.
func (n *NotificationSync) LoadUnreadCount(ctx context.Context) (int, error) {
	return Query(ctx, n.cache, UnreadCountKey(), n.api.GetUnreadCount)
}

// LoadPage returns one page of the full notification list.
func (n *NotificationSync) LoadPage(ctx context.Context, page, size int) (NotificationWindow, error) {
	return Query(ctx, n.cache, NotificationPageKey(page, size), func(ctx context.Context) (NotificationWindow, error) {
		w, err := n.api.ListNotifications(ctx, NotificationQuery{Page: page, PageSize: size})
		if err != nil {
			return NotificationWindow{}, err
		}
		return *w, nil
	})
}

// ── Mutations ────────────────────────────────────────────

// MarkAsRead marks ids read on the server. There is no optimistic write: on
// success both header windows and the counter are invalidated so the next
// read refetches them.
func (n *NotificationSync) MarkAsRead(ctx context.Context, ids []ID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := n.api.MarkAsRead(ctx, ids); err != nil {
		n.log.Warn().Err(err).Int("count", len(ids)).Msg("mark as read failed")
		notify(n.notifier, NoticeError, "mark-read", "Notifications could not be marked as read", err, n.now())
		return &MutationError{Op: "mark-read", Key: NotificationsPrefix(), Err: err}
	}
	n.cache.Apply(func(tx *Tx) {
		tx.Invalidate(HeaderNotificationsKey(StatusUnread))
		tx.Invalidate(HeaderNotificationsKey(StatusRead))
		tx.Invalidate(UnreadCountKey())
		tx.Invalidate(NotificationPagesPrefix())
	})
	return nil
}

// ── Push handlers ────────────────────────────────────────

// HandleNotificationReceived inserts rec at the top of its status window.
// A record already present in either window is updated in place and the
// counter is left alone.
func (n *NotificationSync) HandleNotificationReceived(rec NotificationRecord) {
	if rec.ID == "" {
		return
	}
	var dup bool
	n.cache.Apply(func(tx *Tx) {
		for _, status := range []NotificationStatus{StatusUnread, StatusRead} {
			key := HeaderNotificationsKey(status)
			w, ok := ReadAs[NotificationWindow](tx, key)
			if !ok {
				continue
			}
			if i := notificationIndex(w.Items, rec.ID); i >= 0 {
				items := append([]NotificationRecord(nil), w.Items...)
				items[i] = rec
				tx.Write(key, NotificationWindow{Items: items, Total: w.Total})
				dup = true
			}
		}
		if dup {
			return
		}
		UpdateAs(tx, HeaderNotificationsKey(rec.Status), func(w NotificationWindow) NotificationWindow {
			items := make([]NotificationRecord, 0, n.window)
			items = append(items, rec)
			items = append(items, w.Items...)
			if len(items) > n.window {
				items = items[:n.window]
			}
			return NotificationWindow{Items: items, Total: w.Total + 1}
		})
		if rec.Status == StatusUnread {
			UpdateAs(tx, UnreadCountKey(), func(c int) int { return c + 1 })
		}
		tx.Invalidate(NotificationPagesPrefix())
	})
	if dup {
		n.metrics.duplicate("notification")
		n.log.Debug().Str("id", rec.ID.String()).Msg("duplicate notification updated in place")
	}
}

// HandleNotificationRemoved drops id from whichever window holds it and
// decrements that window's total. Removing an unread record also decrements
// the counter. Totals and the counter never go below zero.
func (n *NotificationSync) HandleNotificationRemoved(id ID) {
	if id == "" {
		return
	}
	n.cache.Apply(func(tx *Tx) {
		for _, status := range []NotificationStatus{StatusUnread, StatusRead} {
			key := HeaderNotificationsKey(status)
			w, ok := ReadAs[NotificationWindow](tx, key)
			if !ok || notificationIndex(w.Items, id) < 0 {
				continue
			}
			items, removed := removeNotifications(w.Items, func(r NotificationRecord) bool { return r.ID == id })
			tx.Write(key, NotificationWindow{Items: items, Total: floorZero(w.Total - removed)})
			if status == StatusUnread {
				UpdateAs(tx, UnreadCountKey(), func(c int) int { return floorZero(c - removed) })
			}
		}
		tx.Invalidate(NotificationPagesPrefix())
	})
}

// HandleNotificationUpdated applies a status change to every record with
// the update's reference id. A transition to read removes them from the
// unread window and decrements the counter; when none of them is in the
// (capped) window the counter is refetched instead.
func (n *NotificationSync) HandleNotificationUpdated(u NotificationStatusUpdate) {
	if u.ReferenceID == "" {
		return
	}
	match := func(r NotificationRecord) bool { return r.ReferenceID == u.ReferenceID }
	n.cache.Apply(func(tx *Tx) {
		if u.Status == StatusRead {
			key := HeaderNotificationsKey(StatusUnread)
			removed := 0
			UpdateAs(tx, key, func(w NotificationWindow) NotificationWindow {
				var items []NotificationRecord
				items, removed = removeNotifications(w.Items, match)
				return NotificationWindow{Items: items, Total: floorZero(w.Total - removed)}
			})
			if removed > 0 {
				UpdateAs(tx, UnreadCountKey(), func(c int) int { return floorZero(c - removed) })
				tx.Invalidate(HeaderNotificationsKey(StatusRead))
			} else {
				tx.Invalidate(UnreadCountKey())
			}
		} else {
			for _, status := range []NotificationStatus{StatusUnread, StatusRead} {
				UpdateAs(tx, HeaderNotificationsKey(status), func(w NotificationWindow) NotificationWindow {
					items := append([]NotificationRecord(nil), w.Items...)
					for i := range items {
						if match(items[i]) {
							items[i].Status = u.Status
						}
					}
					return NotificationWindow{Items: items, Total: w.Total}
				})
			}
		}
		tx.Invalidate(NotificationPagesPrefix())
	})
}

// HandleNotificationCount overwrites the unread counter.
func (n *NotificationSync) HandleNotificationCount(count int) {
	n.cache.Write(UnreadCountKey(), floorZero(count))
}

func (n *NotificationSync) handlers() map[string]EventHandler {
	warn := func(event string, err error) {
		n.log.Warn().Err(err).Str("event", event).Msg("undecodable payload")
	}
	return map[string]EventHandler{
		PushNotificationReceived: func(payload json.RawMessage) {
			var rec NotificationRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				warn(PushNotificationReceived, err)
				return
			}
			n.HandleNotificationReceived(rec)
		},
		PushNotificationRemoved: func(payload json.RawMessage) {
			id, err := decodeRemovedID(payload)
			if err != nil {
				warn(PushNotificationRemoved, err)
				return
			}
			n.HandleNotificationRemoved(id)
		},
		PushNotificationUpdated: func(payload json.RawMessage) {
			var u NotificationStatusUpdate
			if err := json.Unmarshal(payload, &u); err != nil {
				warn(PushNotificationUpdated, err)
				return
			}
			n.HandleNotificationUpdated(u)
		},
		PushUpdateNotificationCount: func(payload json.RawMessage) {
			count, err := decodeCount(payload)
			if err != nil {
				warn(PushUpdateNotificationCount, err)
				return
			}
			n.HandleNotificationCount(count)
		},
	}
}

// decodeRemovedID accepts a bare id or {"id": ...}.
func decodeRemovedID(payload json.RawMessage) (ID, error) {
	v := gjson.ParseBytes(payload)
	if v.IsObject() {
		v = v.Get("id")
	}
	switch v.Type {
	case gjson.String:
		return ID(v.Str), nil
	case gjson.Number:
		return ID(v.Raw), nil
	}
	return "", fmt.Errorf("invalid notification id %s", string(payload))
}

// decodeCount accepts a bare number or {"count": n}.
func decodeCount(payload json.RawMessage) (int, error) {
	v := gjson.ParseBytes(payload)
	if v.IsObject() {
		v = v.Get("count")
	}
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("invalid count %s", string(payload))
	}
	return int(v.Int()), nil
}

func notificationIndex(items []NotificationRecord, id ID) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func removeNotifications(items []NotificationRecord, drop func(NotificationRecord) bool) ([]NotificationRecord, int) {
	out := make([]NotificationRecord, 0, len(items))
	for _, r := range items {
		if !drop(r) {
			out = append(out, r)
		}
	}
	return out, len(items) - len(out)
}

func floorZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
