package chatsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// FriendSync serves the received and sent friend-request lists.
type FriendSync struct {
	cache    *Cache
	api      FriendAPI
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewFriendSync(c *Cache, api FriendAPI, opts ...Option) *FriendSync {
	o := newOptions(opts)
	return &FriendSync{
		cache:    c,
		api:      api,
		notifier: o.notifier,
		log:      o.log.With().Str("component", "friends").Logger(),
		now:      o.now,
	}
}

// LoadRequests returns the pending requests in direction.
func (f *FriendSync) LoadRequests(ctx context.Context, direction FriendRequestDirection) ([]FriendRequest, error) {
	return Query(ctx, f.cache, FriendRequestKey(direction), func(ctx context.Context) ([]FriendRequest, error) {
		return f.api.GetFriendRequests(ctx, direction)
	})
}

// Accept accepts a received request.
func (f *FriendSync) Accept(ctx context.Context, id ID) error {
	return f.mutate(ctx, "accept-request", "Friend request could not be accepted", id, f.api.AcceptFriendRequest)
}

// Cancel withdraws a sent request or declines a received one.
func (f *FriendSync) Cancel(ctx context.Context, id ID) error {
	return f.mutate(ctx, "cancel-request", "Friend request could not be cancelled", id, f.api.CancelFriendRequest)
}

func (f *FriendSync) mutate(ctx context.Context, op, msg string, id ID, call func(context.Context, ID) error) error {
	if err := call(ctx, id); err != nil {
		f.log.Warn().Err(err).Str("op", op).Str("id", id.String()).Msg("friend request mutation failed")
		notify(f.notifier, NoticeError, op, msg, err, f.now())
		return &MutationError{Op: op, Key: FriendRequestPrefix(), Err: err}
	}
	f.cache.Apply(func(tx *Tx) {
		tx.Invalidate(FriendRequestPrefix())
		tx.Invalidate(ConversationListKey())
	})
	return nil
}
