package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is a server→client frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client→server frame.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the payload of the first frame on every hub.
type AuthenticatedPayload struct {
	UserID   ID     `json:"userId"`
	Username string `json:"username"`
}

const (
	frameAuthenticated = "authenticated"
	frameAck           = "ack"
	frameNack          = "nack"
)

// Push event names.
const (
	PushReceiveMessage          = "ReceiveMessage"
	PushMessageUpdated          = "MessageUpdated"
	PushUpdateListFriend        = "UpdateListFriend"
	PushUpdateFriendRequest     = "UpdateFriendRequest"
	PushNotificationReceived    = "NotificationReceived"
	PushNotificationRemoved     = "NotificationRemoved"
	PushNotificationUpdated     = "NotificationUpdated"
	PushUpdateNotificationCount = "UpdateNotificationCount"
)

// Hub names a push endpoint and the events it may deliver.
type Hub struct {
	Name   string
	Path   string
	Events []string
}

var (
	MessageHub = Hub{
		Name:   "messages",
		Path:   "/hubs/message",
		Events: []string{PushReceiveMessage, PushMessageUpdated, PushUpdateListFriend, PushUpdateFriendRequest},
	}
	NotificationHub = Hub{
		Name:   "notifications",
		Path:   "/hubs/notification",
		Events: []string{PushNotificationReceived, PushNotificationRemoved, PushNotificationUpdated, PushUpdateNotificationCount},
	}
)

// WithPath returns a copy of the hub served at path.
func (h Hub) WithPath(path string) Hub {
	if path != "" {
		h.Path = path
	}
	return h
}

func (h Hub) accepts(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// ConnectionState is the lifecycle state of a hub connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of one push event.
type EventHandler func(payload json.RawMessage)

// registered pairs a handler with the id used to remove it again.
type registered[F any] struct {
	id uint64
	fn F
}

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         uint64
	handlers       map[string]*[]registered[EventHandler]
	onState        []registered[func(old, new ConnectionState)]
	onReconnecting []registered[func(attempt int, delay time.Duration)]
	log            zerolog.Logger
}

func newEventDispatcher(log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string]*[]registered[EventHandler]),
		log:      log,
	}
}

// addHandler appends fn to *list and returns a func that removes it again.
func addHandler[F any](d *eventDispatcher, list *[]registered[F], fn F) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	*list = append(*list, registered[F]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			kept := make([]registered[F], 0, len(*list))
			for _, r := range *list {
				if r.id != id {
					kept = append(kept, r)
				}
			}
			*list = kept
		})
	}
}

// dispatch runs handlers in arrival order on the read goroutine, so events
// from one connection are applied to the cache in the order they arrived.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	var handlers []registered[EventHandler]
	if list, ok := d.handlers[env.Type]; ok {
		handlers = append(handlers, *list...)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely(env.Type, func() { h.fn(env.Payload) })
	}
}

func (d *eventDispatcher) emitState(old, new ConnectionState) {
	d.mu.RLock()
	handlers := append([]registered[func(old, new ConnectionState)](nil), d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("state", func() { h.fn(old, new) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]registered[func(attempt int, delay time.Duration)](nil), d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("reconnecting", func() { h.fn(attempt, delay) })
	}
}

func (d *eventDispatcher) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", event).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}

// ============================================================================
// HubConn
// ============================================================================

type invokeResult struct {
	payload json.RawMessage
	err     error
}

// HubConn is one authenticated push connection to a hub. It reconnects on
// its own after a dropped connection; a failed handshake leaves it in
// StateError for the caller to retry.
type HubConn struct {
	hub     Hub
	baseURL string
	userID  ID
	tokens  TokenSource
	config  *Config
	log     zerolog.Logger
	metrics *Metrics

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	life             context.Context
	stop             context.CancelFunc
	user             AuthenticatedPayload

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan invokeResult
}

// NewHubConn creates a disconnected connection for userID. A non-empty
// userID must match the identity the server reports after authentication.
func NewHubConn(hub Hub, cfg Config, tokens TokenSource, userID ID, log zerolog.Logger, metrics *Metrics) *HubConn {
	cfg.defaults()
	log = log.With().Str("component", "hub").Str("hub", hub.Name).Logger()
	return &HubConn{
		hub:        hub,
		baseURL:    cfg.BaseURL,
		userID:     userID,
		tokens:     tokens,
		config:     &cfg,
		log:        log,
		metrics:    metrics,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(log),
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan invokeResult),
	}
}

// Hub returns the hub this connection serves.
func (hc *HubConn) Hub() Hub { return hc.hub }

// On registers a handler for a push event. Events outside the hub's event
// set are never dispatched. The returned func unregisters the handler.
func (hc *HubConn) On(event string, h EventHandler) (remove func()) {
	d := hc.dispatcher
	d.mu.Lock()
	list, ok := d.handlers[event]
	if !ok {
		list = new([]registered[EventHandler])
		d.handlers[event] = list
	}
	d.mu.Unlock()
	return addHandler(d, list, h)
}

// OnStateChange registers a handler for state transitions.
func (hc *HubConn) OnStateChange(h func(old, new ConnectionState)) (remove func()) {
	return addHandler(hc.dispatcher, &hc.dispatcher.onState, h)
}

// OnReconnecting registers a handler called before each transport-level
// reconnect attempt.
func (hc *HubConn) OnReconnecting(h func(attempt int, delay time.Duration)) (remove func()) {
	return addHandler(hc.dispatcher, &hc.dispatcher.onReconnecting, h)
}

// State returns the current connection state.
func (hc *HubConn) State() ConnectionState {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.state
}

// User returns the identity reported by the server on the last handshake.
func (hc *HubConn) User() AuthenticatedPayload {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.user
}

func (hc *HubConn) setState(s ConnectionState) {
	hc.mu.Lock()
	old := hc.state
	hc.state = s
	hc.mu.Unlock()
	hc.emitState(old, s)
}

func (hc *HubConn) emitState(old, s ConnectionState) {
	if old == s {
		return
	}
	hc.log.Debug().Str("from", string(old)).Str("to", string(s)).Msg("state changed")
	hc.metrics.stateChanged(hc.hub.Name, s)
	hc.dispatcher.emitState(old, s)
}

// Connect performs the handshake. It is a no-op while a connection is
// established or being established. A missing or expired token and a
// rejected handshake put the connection in StateError and return an
// *AuthError; other failures return a *TransportError.
func (hc *HubConn) Connect(ctx context.Context) error {
	hc.mu.Lock()
	switch hc.state {
	case StateConnected, StateConnecting, StateReconnecting:
		hc.mu.Unlock()
		return nil
	}
	old := hc.state
	hc.state = StateConnecting
	hc.intentionalClose = false
	if hc.life == nil {
		hc.life, hc.stop = context.WithCancel(context.WithoutCancel(ctx))
	}
	life := hc.life
	hc.mu.Unlock()
	hc.emitState(old, StateConnecting)

	if err := hc.dial(ctx, life); err != nil {
		hc.log.Warn().Err(err).Msg("handshake failed")
		hc.setState(StateError)
		return err
	}
	hc.recon.reset()
	return nil
}

// dial opens and authenticates one physical connection. ctx bounds the
// handshake; the connection itself lives until life is cancelled.
func (hc *HubConn) dial(ctx, life context.Context) error {
	token, err := CheckToken(ctx, hc.tokens, hc.hub.Name, time.Now())
	if err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, hc.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(hsCtx, hc.url(token), &websocket.DialOptions{
		HTTPClient: hc.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Hub: hc.hub.Name, Err: fmt.Errorf("handshake rejected: HTTP %d", resp.StatusCode)}
		}
		return &TransportError{Hub: hc.hub.Name, Op: "dial", Err: err}
	}
	conn.SetReadLimit(hc.config.ReadLimit)

	// First frame must be "authenticated".
	_, data, err := conn.Read(hsCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return &AuthError{Hub: hc.hub.Name, Err: err}
		}
		return &TransportError{Hub: hc.hub.Name, Op: "handshake", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return &AuthError{Hub: hc.hub.Name, Err: fmt.Errorf("expected '%s', got '%s'", frameAuthenticated, env.Type)}
	}
	var user AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &user)
	if hc.userID != "" && user.UserID != "" && user.UserID != hc.userID {
		conn.Close(websocket.StatusNormalClosure, "identity mismatch")
		return &AuthError{Hub: hc.hub.Name, Err: fmt.Errorf("%w: want %s, server says %s", ErrUserMismatch, hc.userID, user.UserID)}
	}

	connCtx, cancelConn := context.WithCancel(life)
	hc.mu.Lock()
	if hc.intentionalClose {
		hc.mu.Unlock()
		cancelConn()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &TransportError{Hub: hc.hub.Name, Op: "dial", Err: ErrNotConnected}
	}
	hc.conn = conn
	hc.user = user
	old := hc.state
	hc.state = StateConnected
	hc.mu.Unlock()
	hc.recon.markConnected()
	hc.log.Info().Str("user", user.UserID.String()).Msg("connected")
	hc.emitState(old, StateConnected)

	go hc.readLoop(connCtx, cancelConn, conn)
	go hc.heartbeatLoop(connCtx, conn)
	return nil
}

func (hc *HubConn) url(token string) string {
	wsURL := strings.Replace(hc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + hc.hub.Path + "?access_token=" + url.QueryEscape(token)
}

// Disconnect closes the connection and stops reconnecting. Safe to call
// more than once.
func (hc *HubConn) Disconnect() error {
	hc.mu.Lock()
	hc.intentionalClose = true
	stop := hc.stop
	hc.stop, hc.life = nil, nil
	conn := hc.conn
	hc.conn = nil
	old := hc.state
	hc.state = StateDisconnected
	hc.mu.Unlock()

	hc.failPending(ErrNotConnected)
	var err error
	if conn != nil {
		if cerr := conn.Close(websocket.StatusNormalClosure, "client disconnect"); cerr != nil && !isClosed(cerr) {
			err = &TransportError{Hub: hc.hub.Name, Op: "close", Err: cerr}
		}
	}
	if stop != nil {
		stop()
	}
	hc.emitState(old, StateDisconnected)
	return err
}

func isClosed(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "closed")
}

// Send writes a raw command without waiting for acknowledgement.
func (hc *HubConn) Send(ctx context.Context, cmd *Command) error {
	hc.mu.Lock()
	conn := hc.conn
	hc.mu.Unlock()

	if conn == nil {
		return &TransportError{Hub: hc.hub.Name, Op: cmd.Type, Err: ErrNotConnected}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Hub: hc.hub.Name, Op: cmd.Type, Err: err}
	}
	return nil
}

// Invoke sends a server method call and waits for its ack. A nack is
// returned as *APIError; a missing ack after InvokeTimeout as
// ErrInvokeTimeout wrapped in *TransportError.
func (hc *HubConn) Invoke(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	if hc.State() != StateConnected {
		return nil, &TransportError{Hub: hc.hub.Name, Op: method, Err: ErrNotConnected}
	}

	requestID := ulid.Make().String()
	ch := make(chan invokeResult, 1)
	hc.pendingMu.Lock()
	hc.pending[requestID] = ch
	hc.pendingMu.Unlock()

	if err := hc.Send(ctx, &Command{Type: method, Payload: payload, RequestID: requestID}); err != nil {
		hc.dropPending(requestID)
		return nil, err
	}

	timer := time.NewTimer(hc.config.InvokeTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		hc.dropPending(requestID)
		return nil, &TransportError{Hub: hc.hub.Name, Op: method, Err: ErrInvokeTimeout}
	case <-ctx.Done():
		hc.dropPending(requestID)
		return nil, ctx.Err()
	}
}

func (hc *HubConn) dropPending(requestID string) {
	hc.pendingMu.Lock()
	delete(hc.pending, requestID)
	hc.pendingMu.Unlock()
}

func (hc *HubConn) resolve(env Envelope) {
	hc.pendingMu.Lock()
	ch, ok := hc.pending[env.RequestID]
	delete(hc.pending, env.RequestID)
	hc.pendingMu.Unlock()
	if !ok {
		return
	}
	if env.Type == frameNack {
		apiErr := &APIError{Code: "NACK", Message: "request rejected"}
		_ = json.Unmarshal(env.Payload, apiErr)
		ch <- invokeResult{err: apiErr}
		return
	}
	ch <- invokeResult{payload: env.Payload}
}

func (hc *HubConn) failPending(cause error) {
	hc.pendingMu.Lock()
	for id, ch := range hc.pending {
		ch <- invokeResult{err: &TransportError{Hub: hc.hub.Name, Op: "invoke", Err: cause}}
		delete(hc.pending, id)
	}
	hc.pendingMu.Unlock()
}

func (hc *HubConn) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			hc.mu.Lock()
			intentional := hc.intentionalClose
			if hc.conn == conn {
				hc.conn = nil
			}
			life := hc.life
			hc.mu.Unlock()
			hc.failPending(err)
			if intentional || life == nil {
				return
			}

			hc.log.Warn().Err(err).Msg("connection dropped")
			if !hc.config.DisableAutoReconnect {
				hc.reconnectLoop(life)
			} else {
				hc.setState(StateDisconnected)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			hc.log.Debug().Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		switch env.Type {
		case frameAck, frameNack:
			hc.resolve(env)
			continue
		}
		if !hc.hub.accepts(env.Type) {
			hc.log.Debug().Str("event", env.Type).Msg("ignoring event outside hub")
			continue
		}
		hc.metrics.event(hc.hub.Name, env.Type)
		hc.dispatcher.dispatch(env)
	}
}

// reconnectLoop retries with the reconnector's backoff until a handshake
// succeeds, the attempts run out (StateDisconnected), the server rejects the
// credentials (StateError) or Disconnect is called.
func (hc *HubConn) reconnectLoop(life context.Context) {
	for {
		if !hc.recon.shouldReconnect() {
			hc.log.Warn().Msg("reconnect attempts exhausted")
			hc.setState(StateDisconnected)
			return
		}
		attempt, delay := hc.recon.nextDelay()
		hc.setState(StateReconnecting)
		hc.metrics.reconnect(hc.hub.Name, "transport")
		hc.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-life.Done():
			return
		case <-time.After(delay):
		}

		err := hc.dial(life, life)
		if err == nil {
			return
		}
		if life.Err() != nil {
			return
		}
		hc.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if IsAuthError(err) {
			hc.setState(StateError)
			return
		}
	}
}

func (hc *HubConn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	if hc.config.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(hc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, hc.config.InvokeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				hc.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
