package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SelectionState is the state of the bulk-delete workflow.
type SelectionState int

const (
	SelectionIdle SelectionState = iota
	SelectionSelecting
	SelectionConfirmPending
	SelectionCommitting
)

func (s SelectionState) String() string {
	switch s {
	case SelectionIdle:
		return "idle"
	case SelectionSelecting:
		return "selecting"
	case SelectionConfirmPending:
		return "confirm-pending"
	case SelectionCommitting:
		return "committing"
	}
	return "unknown"
}

// Selection is the multi-select workflow for deleting the current user's
// messages in the open conversation.
//
//	Idle → Selecting → ConfirmPending → Committing → Idle
//	                                   ↘ (failure) Selecting
//
// Switching conversations resets it to Idle. A delete already in flight
// still completes against the conversation it was issued for.
type Selection struct {
	cache    *Cache
	api      MessageAPI
	notifier Notifier
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu       sync.Mutex
	self     Identity
	friend   ID
	state    SelectionState
	selected []ID
	epoch    uint64
}

// NewSelection creates an idle selection with no open conversation.
func NewSelection(c *Cache, api MessageAPI, opts ...Option) *Selection {
	o := newOptions(opts)
	return &Selection{
		cache:    c,
		api:      api,
		notifier: o.notifier,
		log:      o.log.With().Str("component", "selection").Logger(),
		metrics:  o.metrics,
		now:      o.now,
		self:     o.identity,
	}
}

func (s *Selection) bind(self Identity) {
	s.mu.Lock()
	s.self = self
	s.resetLocked()
	s.friend = ""
	s.mu.Unlock()
}

func (s *Selection) resetLocked() {
	s.epoch++
	s.state = SelectionIdle
	s.selected = nil
}

// State returns the workflow state.
func (s *Selection) State() SelectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns the open conversation.
func (s *Selection) Conversation() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.friend
}

// Selected returns the selected ids in selection order.
func (s *Selection) Selected() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ID(nil), s.selected...)
}

// SwitchConversation opens friendID and discards any selection.
func (s *Selection) SwitchConversation(friendID ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.friend = friendID
}

// Reset returns to Idle, discarding the selection.
func (s *Selection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Enter starts selecting with an empty selection. It reports false while a
// confirmation or delete is pending, or when no conversation is open.
func (s *Selection) Enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.friend == "" || (s.state != SelectionIdle && s.state != SelectionSelecting) {
		return false
	}
	s.state = SelectionSelecting
	s.selected = nil
	return true
}

// Toggle flips msg in the selection. Messages by other users, deleted
// messages and unsent (temporary) messages are ignored. It reports whether
// msg is selected afterwards.
func (s *Selection) Toggle(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SelectionSelecting || !s.selectableLocked(msg) {
		return false
	}
	for i, id := range s.selected {
		if id == msg.ID {
			s.selected = append(s.selected[:i:i], s.selected[i+1:]...)
			return false
		}
	}
	s.selected = append(s.selected, msg.ID)
	return true
}

func (s *Selection) selectableLocked(msg Message) bool {
	return msg.ID != "" &&
		!msg.ID.IsTemporary() &&
		!msg.IsDeleted() &&
		msg.SenderID == s.self.UserID &&
		msg.ReceiverID == s.friend
}

// RequestConfirm moves a non-empty selection to ConfirmPending.
func (s *Selection) RequestConfirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SelectionSelecting || len(s.selected) == 0 {
		return false
	}
	s.state = SelectionConfirmPending
	return true
}

// Abort cancels selecting or a pending confirmation.
func (s *Selection) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SelectionSelecting || s.state == SelectionConfirmPending {
		s.state = SelectionIdle
		s.selected = nil
	}
}

// Commit deletes the confirmed selection. The messages disappear from the
// cached conversation immediately; in-flight fetches of that conversation
// are cancelled so they cannot bring them back. On failure the messages are
// restored, a notice is emitted and the selection returns to Selecting with
// the same ids, unless the conversation was switched meanwhile.
func (s *Selection) Commit(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SelectionConfirmPending {
		s.mu.Unlock()
		return nil
	}
	ids := append([]ID(nil), s.selected...)
	key := MessageListKey(s.friend)
	epoch := s.epoch
	s.state = SelectionCommitting
	s.mu.Unlock()

	s.cache.CancelQueries(key)
	op := Begin(s.cache, func(tx *Tx) {
		UpdateAs(tx, key, func(list []Message) []Message { return removeMessages(list, ids...) })
	}, key)
	op.RevertWith(key, func(tx *Tx) {
		before, ok := op.Snapshot(key)
		if !ok {
			return
		}
		UpdateAs(tx, key, func(list []Message) []Message { return restoreRemoved(list, before.([]Message), ids) })
	})

	if err := s.api.DeleteMessages(ctx, ids); err != nil {
		s.log.Warn().Err(err).Int("count", len(ids)).Msg("delete failed")
		if op.Rollback() {
			s.metrics.rollback("delete")
			notify(s.notifier, NoticeError, "delete", "Messages could not be deleted", err, s.now())
		}

		s.mu.Lock()
		if s.epoch == epoch {
			s.state = SelectionSelecting
		}
		s.mu.Unlock()
		return &MutationError{Op: "delete", Key: key, Err: err}
	}
	op.Commit(nil)

	s.mu.Lock()
	if s.epoch == epoch {
		s.state = SelectionIdle
		s.selected = nil
	}
	s.mu.Unlock()
	return nil
}

// restoreRemoved puts the ids removed from snap back at their original
// positions while keeping every change made to list since.
func restoreRemoved(list, snap []Message, ids []ID) []Message {
	removed := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		removed[id] = struct{}{}
	}
	current := make(map[ID]Message, len(list))
	for _, m := range list {
		current[m.ID] = m
	}
	out := make([]Message, 0, len(list)+len(ids))
	seen := make(map[ID]struct{}, len(snap))
	for _, m := range snap {
		seen[m.ID] = struct{}{}
		if _, ok := removed[m.ID]; ok {
			if cur, ok := current[m.ID]; ok {
				out = append(out, cur)
			} else {
				out = append(out, m)
			}
			continue
		}
		if cur, ok := current[m.ID]; ok {
			out = append(out, cur)
		}
	}
	for _, m := range list {
		if _, ok := seen[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out
}
