package chatsync

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const tempIDPrefix = "temp-"

// hub method used for push-first delivery
const invokeSendMessage = "SendMessage"

// MessageSync keeps conversation message lists and the conversation
// summary list consistent with local sends and server push events.
type MessageSync struct {
	cache    *Cache
	api      MessageAPI
	notifier Notifier
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu   sync.RWMutex
	self Identity
	hub  Invoker
}

// NewMessageSync creates a message engine over c. api may be nil when only
// push handling is needed.
func NewMessageSync(c *Cache, api MessageAPI, opts ...Option) *MessageSync {
	o := newOptions(opts)
	return &MessageSync{
		cache:    c,
		api:      api,
		notifier: o.notifier,
		log:      o.log.With().Str("component", "messages").Logger(),
		metrics:  o.metrics,
		now:      o.now,
		self:     o.identity,
		hub:      o.invoker,
	}
}

func (m *MessageSync) bind(self Identity, hub Invoker) {
	m.mu.Lock()
	m.self, m.hub = self, hub
	m.mu.Unlock()
}

func (m *MessageSync) current() (Identity, Invoker) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self, m.hub
}

// ── Queries ──────────────────────────────────────────────

// LoadMessages returns the conversation with friendID in server order.
func (m *MessageSync) LoadMessages(ctx context.Context, friendID ID) ([]Message, error) {
	return Query(ctx, m.cache, MessageListKey(friendID), func(ctx context.Context) ([]Message, error) {
		return m.api.GetMessages(ctx, friendID)
	})
}

// LoadConversations returns the summary list, most recent first.
func (m *MessageSync) LoadConversations(ctx context.Context) ([]ConversationSummary, error) {
	return Query(ctx, m.cache, ConversationListKey(), func(ctx context.Context) ([]ConversationSummary, error) {
		chats, err := m.api.GetConversations(ctx)
		if err != nil {
			return nil, err
		}
		sortSummaries(chats)
		return chats, nil
	})
}

// ── Send ─────────────────────────────────────────────────

// Send appends a temporary message to the cached conversation, delivers it
// (push connection first, then one REST attempt) and swaps in the confirmed
// message. On failure the temporary message is removed, the summary row is
// restored and a *MutationError is returned. Blank content or an empty
// friendID is a no-op returning (nil, nil).
func (m *MessageSync) Send(ctx context.Context, friendID ID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" || friendID == "" {
		return nil, nil
	}
	self, hub := m.current()
	listKey := MessageListKey(friendID)
	chatKey := ConversationListKey()

	temp := Message{
		ID:         ID(tempIDPrefix + uuid.NewString()),
		SenderID:   self.UserID,
		SenderName: self.Name,
		ReceiverID: friendID,
		Content:    content,
		SentAt:     m.now(),
	}
	op := Begin(m.cache, func(tx *Tx) {
		UpdateAs(tx, listKey, func(list []Message) []Message { return appendMessage(list, temp) })
		UpdateAs(tx, chatKey, func(chats []ConversationSummary) []ConversationSummary {
			out, _ := touchSummary(chats, friendID, temp)
			return out
		})
	}, listKey, chatKey)
	// Rollback only undoes this send: pushes that landed in the meantime stay.
	op.RevertWith(listKey, func(tx *Tx) {
		UpdateAs(tx, listKey, func(list []Message) []Message { return removeMessages(list, temp.ID) })
	})
	op.RevertWith(chatKey, func(tx *Tx) {
		before, ok := op.Snapshot(chatKey)
		prev, _ := before.([]ConversationSummary)
		if !ok {
			return
		}
		UpdateAs(tx, chatKey, func(chats []ConversationSummary) []ConversationSummary {
			return restoreSummary(chats, prev, friendID)
		})
	})

	in := SendMessageInput{ReceiverID: friendID, Content: content, ClientID: temp.ID}
	confirmed, err := m.deliver(ctx, hub, in)
	if err != nil {
		m.log.Warn().Err(err).Str("friend", friendID.String()).Msg("send failed")
		if op.Rollback() {
			m.metrics.rollback("send")
			notify(m.notifier, NoticeError, "send", "Message could not be sent", err, m.now())
		}
		return nil, &MutationError{Op: "send", Key: listKey, Err: err}
	}

	op.Commit(func(tx *Tx) {
		UpdateAs(tx, listKey, func(list []Message) []Message { return reconcileSent(list, temp.ID, *confirmed) })
		chats, ok := ReadAs[[]ConversationSummary](tx, chatKey)
		if !ok {
			return
		}
		i := summaryIndex(chats, friendID)
		if i < 0 {
			tx.Invalidate(chatKey)
			return
		}
		row := chats[i]
		showingTemp := row.LastMessageAt.Equal(temp.SentAt) && row.LastMessage == temp.Content
		if showingTemp || !confirmed.SentAt.Before(row.LastMessageAt) {
			out, _ := touchSummary(chats, friendID, *confirmed)
			tx.Write(chatKey, out)
		}
	})
	return confirmed, nil
}

func (m *MessageSync) deliver(ctx context.Context, hub Invoker, in SendMessageInput) (*Message, error) {
	if hub != nil && hub.State() == StateConnected {
		raw, err := hub.Invoke(ctx, invokeSendMessage, in)
		if err == nil {
			var msg Message
			if jerr := json.Unmarshal(raw, &msg); jerr == nil && msg.ID != "" {
				return &msg, nil
			}
			m.log.Debug().Msg("push send acknowledged without message, using REST")
		} else {
			m.log.Debug().Err(err).Msg("push send failed, using REST")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if m.api == nil {
		return nil, &TransportError{Hub: MessageHub.Name, Op: invokeSendMessage, Err: ErrNotConnected}
	}
	return m.api.SendMessage(ctx, in)
}

// ── Push handlers ────────────────────────────────────────

// HandleReceiveMessage applies a ReceiveMessage event. The message is
// appended to its conversation (if cached) unless its id is already there,
// and the conversation's summary row always takes its preview.
func (m *MessageSync) HandleReceiveMessage(msg Message) {
	self, _ := m.current()
	peer := msg.Peer(self.UserID)
	if peer == "" || msg.ID == "" {
		return
	}
	listKey := MessageListKey(peer)
	chatKey := ConversationListKey()

	var dup bool
	m.cache.Apply(func(tx *Tx) {
		if list, ok := ReadAs[[]Message](tx, listKey); ok {
			switch {
			case messageIndex(list, msg.ID) >= 0:
				dup = true
			case msg.ClientID != "" && messageIndex(list, msg.ClientID) >= 0:
				tx.Write(listKey, replaceMessage(list, msg.ClientID, msg))
			default:
				tx.Write(listKey, appendMessage(list, msg))
			}
		}
		if chats, ok := ReadAs[[]ConversationSummary](tx, chatKey); ok {
			out, found := touchSummary(chats, peer, msg)
			if !found {
				tx.Invalidate(chatKey)
				return
			}
			tx.Write(chatKey, out)
		}
	})
	if dup {
		m.metrics.duplicate("message")
		m.log.Debug().Str("id", msg.ID.String()).Msg("duplicate message ignored")
	}
}

// HandleMessageUpdated applies a MessageUpdated event: the message is
// replaced by id, and when a deletion hits the message shown in the summary
// the preview falls back to the nearest older visible message.
func (m *MessageSync) HandleMessageUpdated(msg Message) {
	self, _ := m.current()
	peer := msg.Peer(self.UserID)
	if peer == "" || msg.ID == "" {
		return
	}
	listKey := MessageListKey(peer)
	chatKey := ConversationListKey()

	m.cache.Apply(func(tx *Tx) {
		list, ok := ReadAs[[]Message](tx, listKey)
		if !ok {
			if msg.IsDeleted() {
				tx.Invalidate(chatKey)
			}
			return
		}
		idx := messageIndex(list, msg.ID)
		wasLatest := idx >= 0 && lastVisible(list) == idx
		updated := list
		if idx >= 0 {
			updated = replaceMessage(list, msg.ID, msg)
			tx.Write(listKey, updated)
		}

		chats, ok := ReadAs[[]ConversationSummary](tx, chatKey)
		if !ok {
			return
		}
		i := summaryIndex(chats, peer)
		if i < 0 {
			return
		}
		row := chats[i]
		shown := row.LastMessageAt.Equal(msg.SentAt) && row.LastMessageSenderID == msg.SenderID
		if !wasLatest && !shown {
			return
		}
		out := append([]ConversationSummary(nil), chats...)
		if !msg.IsDeleted() {
			out[i] = withPreview(row, msg)
		} else if j := lastVisible(updated); j >= 0 {
			out[i] = withPreview(row, updated[j])
		} else {
			row.LastMessageDeletedAt = msg.DeletedAt
			out[i] = row
		}
		sortSummaries(out)
		tx.Write(chatKey, out)
	})
}

// HandleUpdateListFriend refetches the summary list on the next read.
func (m *MessageSync) HandleUpdateListFriend() {
	m.cache.Invalidate(ConversationListKey())
}

// HandleUpdateFriendRequest refetches both friend-request lists.
func (m *MessageSync) HandleUpdateFriendRequest() {
	m.cache.Invalidate(FriendRequestPrefix())
}

// handlers decodes the message hub's events.
func (m *MessageSync) handlers() map[string]EventHandler {
	decode := func(event string, fn func(Message)) EventHandler {
		return func(payload json.RawMessage) {
			var msg Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				m.log.Warn().Err(err).Str("event", event).Msg("undecodable payload")
				return
			}
			fn(msg)
		}
	}
	return map[string]EventHandler{
		PushReceiveMessage:      decode(PushReceiveMessage, m.HandleReceiveMessage),
		PushMessageUpdated:      decode(PushMessageUpdated, m.HandleMessageUpdated),
		PushUpdateListFriend:    func(json.RawMessage) { m.HandleUpdateListFriend() },
		PushUpdateFriendRequest: func(json.RawMessage) { m.HandleUpdateFriendRequest() },
	}
}

// ============================================================================
// List helpers (cached slices are never modified in place)
// ============================================================================

func messageIndex(list []Message, id ID) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func lastVisible(list []Message) int {
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].IsDeleted() {
			return i
		}
	}
	return -1
}

func appendMessage(list []Message, msg Message) []Message {
	out := make([]Message, 0, len(list)+1)
	out = append(out, list...)
	return append(out, msg)
}

func replaceMessage(list []Message, id ID, msg Message) []Message {
	out := append([]Message(nil), list...)
	if i := messageIndex(out, id); i >= 0 {
		out[i] = msg
	}
	return out
}

func removeMessages(list []Message, ids ...ID) []Message {
	drop := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]Message, 0, len(list))
	for _, msg := range list {
		if _, ok := drop[msg.ID]; !ok {
			out = append(out, msg)
		}
	}
	return out
}

// reconcileSent swaps the temporary message for the confirmed one. If the
// push echo already inserted the confirmed id, the temporary entry is dropped.
func reconcileSent(list []Message, tempID ID, confirmed Message) []Message {
	if messageIndex(list, confirmed.ID) >= 0 {
		return removeMessages(list, tempID)
	}
	if messageIndex(list, tempID) >= 0 {
		return replaceMessage(list, tempID, confirmed)
	}
	return appendMessage(list, confirmed)
}

func summaryIndex(chats []ConversationSummary, friendID ID) int {
	for i := range chats {
		if chats[i].ID == friendID {
			return i
		}
	}
	return -1
}

func withPreview(row ConversationSummary, msg Message) ConversationSummary {
	row.LastMessage = msg.Content
	row.LastMessageAt = msg.SentAt
	row.LastMessageSenderID = msg.SenderID
	row.LastMessageDeletedAt = msg.DeletedAt
	return row
}

// touchSummary sets friendID's preview to msg and re-sorts. found is false
// when the friend has no row.
func touchSummary(chats []ConversationSummary, friendID ID, msg Message) (out []ConversationSummary, found bool) {
	i := summaryIndex(chats, friendID)
	if i < 0 {
		return chats, false
	}
	out = append([]ConversationSummary(nil), chats...)
	out[i] = withPreview(out[i], msg)
	sortSummaries(out)
	return out, true
}

// restoreSummary puts friendID's row back to its value in prev. When no
// other row changed the snapshot is returned as is; otherwise the row is
// reinserted by recency, with ties kept in their snapshot order.
func restoreSummary(chats, prev []ConversationSummary, friendID ID) []ConversationSummary {
	j := summaryIndex(prev, friendID)
	i := summaryIndex(chats, friendID)
	if i < 0 || j < 0 {
		return chats
	}
	out := make([]ConversationSummary, 0, len(chats))
	out = append(out, chats[:i]...)
	out = append(out, chats[i+1:]...)
	if sameRows(out, prev, j) {
		return append([]ConversationSummary(nil), prev...)
	}

	rank := make(map[ID]int, len(prev))
	for k, row := range prev {
		rank[row.ID] = k
	}
	row := prev[j]
	at := len(out)
	for k, other := range out {
		r, ok := rank[other.ID]
		if !ok {
			r = len(prev)
		}
		if other.LastMessageAt.Before(row.LastMessageAt) || (other.LastMessageAt.Equal(row.LastMessageAt) && r > j) {
			at = k
			break
		}
	}
	return slices.Insert(out, at, row)
}

// sameRows reports whether rest equals prev without its row at skip.
func sameRows(rest, prev []ConversationSummary, skip int) bool {
	if len(rest) != len(prev)-1 {
		return false
	}
	for k, row := range rest {
		p := k
		if k >= skip {
			p++
		}
		if row != prev[p] {
			return false
		}
	}
	return true
}

func sortSummaries(chats []ConversationSummary) {
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].LastMessageAt.After(chats[j].LastMessageAt) })
}
