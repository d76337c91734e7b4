package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testToken = StaticToken("test-token")
	me        = ID("7")
	friend    = ID("42")
)

var (
	testIdentity = Identity{UserID: me, Name: "ann"}
	t0           = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errBoom      = errors.New("boom")
)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func msg(id ID, from, to ID, content string, minute int) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Content: content, SentAt: at(minute)}
}

func summary(id ID, last string, minute int) ConversationSummary {
	return ConversationSummary{ID: id, Name: "user " + id.String(), LastMessage: last, LastMessageAt: at(minute)}
}

func note(id ID, status NotificationStatus, minute int) NotificationRecord {
	return NotificationRecord{ID: id, Type: "friend-request", Status: status, ReceiverID: me, CreatedAt: at(minute), ReferenceID: "ref-" + id}
}

func ids(list []Message) []ID {
	out := make([]ID, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func equalIDs(a, b []ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustRead[T any](t *testing.T, c *Cache, key Key) T {
	t.Helper()
	v, ok := ReadAs[T](c, key)
	if !ok {
		t.Fatalf("no %T under %s", v, key)
	}
	return v
}

// ── Fake API ─────────────────────────────────────────────

type fakeAPI struct {
	mu sync.Mutex

	messages map[ID][]Message
	chats    []ConversationSummary
	sendFn   func(in SendMessageInput) (*Message, error)
	sent     []SendMessageInput

	deleteErr error
	deleted   [][]ID
	// deleteGate, when set, blocks DeleteMessages until it is closed.
	deleteGate chan struct{}

	windows map[string]NotificationWindow
	unread  int
	markErr error
	marked  [][]ID

	requests  map[FriendRequestDirection][]FriendRequest
	friendErr error

	calls map[string]int
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: make(map[ID][]Message),
		windows:  make(map[string]NotificationWindow),
		requests: make(map[FriendRequestDirection][]FriendRequest),
		calls:    make(map[string]int),
	}
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) called(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	f.called("SendMessage")
	f.mu.Lock()
	f.sent = append(f.sent, in)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errBoom
	}
	return fn(in)
}

func (f *fakeAPI) GetMessages(ctx context.Context, friendID ID) ([]Message, error) {
	f.called("GetMessages")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages[friendID]...), nil
}

func (f *fakeAPI) DeleteMessages(ctx context.Context, ids []ID) error {
	f.called("DeleteMessages")
	f.mu.Lock()
	gate := f.deleteGate
	f.deleted = append(f.deleted, ids)
	err := f.deleteErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeAPI) GetConversations(ctx context.Context) ([]ConversationSummary, error) {
	f.called("GetConversations")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConversationSummary(nil), f.chats...), nil
}

func (f *fakeAPI) ListNotifications(ctx context.Context, q NotificationQuery) (*NotificationWindow, error) {
	f.called("ListNotifications:" + q.Status)
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.windows[q.Status]
	return &w, nil
}

func (f *fakeAPI) GetUnreadCount(ctx context.Context) (int, error) {
	f.called("GetUnreadCount")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) MarkAsRead(ctx context.Context, ids []ID) error {
	f.called("MarkAsRead")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids)
	return f.markErr
}

func (f *fakeAPI) GetFriendRequests(ctx context.Context, direction FriendRequestDirection) ([]FriendRequest, error) {
	f.called("GetFriendRequests")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[direction], nil
}

func (f *fakeAPI) AcceptFriendRequest(ctx context.Context, id ID) error {
	f.called("AcceptFriendRequest")
	return f.friendErr
}

func (f *fakeAPI) CancelFriendRequest(ctx context.Context, id ID) error {
	f.called("CancelFriendRequest")
	return f.friendErr
}

// ── Fake invoker ─────────────────────────────────────────

type fakeInvoker struct {
	state ConnectionState
	fn    func(method string, payload interface{}) (json.RawMessage, error)
	calls int
}

func (f *fakeInvoker) State() ConnectionState { return f.state }

func (f *fakeInvoker) Invoke(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	f.calls++
	return f.fn(method, payload)
}

// ── Notice recorder ──────────────────────────────────────

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) list() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// ── Hub test server ──────────────────────────────────────

// hubServer is a minimal push hub: it greets every connection with an
// "authenticated" frame and acks every command unless onCommand is set.
type hubServer struct {
	*httptest.Server
	t *testing.T

	mu        sync.Mutex
	userID    ID
	reject    int
	greeting  string
	conns     []*websocket.Conn
	tokens    []string
	onCommand func(env Envelope) Envelope

	accepted chan *websocket.Conn
}

func newHubServer(t *testing.T, userID ID) *hubServer {
	t.Helper()
	hs := &hubServer{t: t, userID: userID, greeting: frameAuthenticated, accepted: make(chan *websocket.Conn, 16)}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hubServer) handle(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	reject, greeting, user := hs.reject, hs.greeting, hs.userID
	hs.tokens = append(hs.tokens, r.URL.Query().Get("access_token"))
	hs.mu.Unlock()
	if reject != 0 {
		http.Error(w, "rejected", reject)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	hello, _ := json.Marshal(Envelope{Type: greeting, Payload: mustJSON(AuthenticatedPayload{UserID: user, Username: "ann"})})
	if err := c.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}
	hs.mu.Lock()
	hs.conns = append(hs.conns, c)
	hs.mu.Unlock()
	hs.accepted <- c

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		hs.mu.Lock()
		fn := hs.onCommand
		hs.mu.Unlock()
		reply := Envelope{Type: frameAck, RequestID: env.RequestID, Payload: env.Payload}
		if fn != nil {
			reply = fn(env)
			reply.RequestID = env.RequestID
		}
		if reply.Type == "" {
			continue
		}
		out, _ := json.Marshal(reply)
		_ = c.Write(ctx, websocket.MessageText, out)
	}
}

func (hs *hubServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-hs.accepted:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (hs *hubServer) push(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data, _ := json.Marshal(Envelope{Type: event, Payload: mustJSON(payload)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  -1,
		InvokeTimeout:      time.Second,
		HandshakeTimeout:   2 * time.Second,
		Retry:              RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3, Cooldown: 100 * time.Millisecond},
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
