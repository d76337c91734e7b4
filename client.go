// Package chatsync keeps a chat client's local cache of conversations,
// messages, notifications and friend requests in sync with the server.
//
// Two push hubs (messages, notifications) deliver server events over
// WebSocket; a REST client covers the request/response operations. All
// state lives in a single Cache addressed by hierarchical keys.
//
// Example:
//
//	api := chatsync.NewClient(chatsync.StaticToken(jwt), chatsync.WithBaseURL("https://chat.example.com"))
//	s := chatsync.NewSession(chatsync.Config{BaseURL: "https://chat.example.com"}, api,
//		chatsync.WithTokenSource(chatsync.StaticToken(jwt)))
//	if err := s.Login(ctx, chatsync.Identity{UserID: "7", Name: "ann"}); err != nil { ... }
//	defer s.Logout(ctx)
//
//	msgs, _ := s.Messages().LoadMessages(ctx, "42")
//	s.Messages().Send(ctx, "42", "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// MessageAPI is the request/response side of messaging.
type MessageAPI interface {
	SendMessage(ctx context.Context, in SendMessageInput) (*Message, error)
	GetMessages(ctx context.Context, friendID ID) ([]Message, error)
	DeleteMessages(ctx context.Context, ids []ID) error
	GetConversations(ctx context.Context) ([]ConversationSummary, error)
}

// NotificationQuery selects a window of notifications. An empty Status
// means all statuses.
type NotificationQuery struct {
	Status   string
	Page     int
	PageSize int
}

// NotificationAPI is the request/response side of notifications.
type NotificationAPI interface {
	ListNotifications(ctx context.Context, q NotificationQuery) (*NotificationWindow, error)
	GetUnreadCount(ctx context.Context) (int, error)
	MarkAsRead(ctx context.Context, ids []ID) error
}

// FriendAPI is the request/response side of friend requests.
type FriendAPI interface {
	GetFriendRequests(ctx context.Context, direction FriendRequestDirection) ([]FriendRequest, error)
	AcceptFriendRequest(ctx context.Context, id ID) error
	CancelFriendRequest(ctx context.Context, id ID) error
}

// API is everything a Session needs from the server.
type API interface {
	MessageAPI
	NotificationAPI
	FriendAPI
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST implementation of API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        zerolog.Logger
}

var _ API = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client authenticating with tokens.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "rest").Logger()
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, 0, &AuthError{Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("request")
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: method + " " + path, Err: err}
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the result envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out any) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		if status >= http.StatusBadRequest {
			return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: strings.TrimSpace(string(data))}
		}
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", in, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) GetMessages(ctx context.Context, friendID ID) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(friendID.String()), nil, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) DeleteMessages(ctx context.Context, ids []ID) error {
	return c.do(ctx, http.MethodDelete, "/api/messages", map[string][]ID{"ids": ids}, nil, nil)
}

func (c *Client) GetConversations(ctx context.Context) ([]ConversationSummary, error) {
	var chats []ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// ============================================================================
// Notifications
// ============================================================================

func (c *Client) ListNotifications(ctx context.Context, q NotificationQuery) (*NotificationWindow, error) {
	query := map[string]string{}
	if q.Status != "" {
		query["status"] = q.Status
	}
	if q.Page > 0 {
		query["page"] = strconv.Itoa(q.Page)
	}
	if q.PageSize > 0 {
		query["pageSize"] = strconv.Itoa(q.PageSize)
	}
	var w NotificationWindow
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, query, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetUnreadCount accepts both a bare number and {"count": n} as data.
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/notifications/count", nil, map[string]string{"status": "unread"}, &raw); err != nil {
		return 0, err
	}
	v := gjson.ParseBytes(raw)
	if v.IsObject() {
		v = v.Get("count")
	}
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("unexpected unread count %s", v.Raw)
	}
	return int(v.Int()), nil
}

func (c *Client) MarkAsRead(ctx context.Context, ids []ID) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read", map[string][]ID{"ids": ids}, nil, nil)
}

// ============================================================================
// Friend requests
// ============================================================================

func (c *Client) GetFriendRequests(ctx context.Context, direction FriendRequestDirection) ([]FriendRequest, error) {
	var reqs []FriendRequest
	if err := c.do(ctx, http.MethodGet, "/api/friend-requests/"+string(direction), nil, nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (c *Client) AcceptFriendRequest(ctx context.Context, id ID) error {
	return c.do(ctx, http.MethodPost, "/api/friend-requests/"+url.PathEscape(id.String())+"/accept", nil, nil, nil)
}

func (c *Client) CancelFriendRequest(ctx context.Context, id ID) error {
	return c.do(ctx, http.MethodDelete, "/api/friend-requests/"+url.PathEscape(id.String()), nil, nil, nil)
}
