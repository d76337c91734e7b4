package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(testToken, WithBaseURL(server.URL+"/"))
}

func writeResult(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func TestClientSendMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var in SendMessageInput
		json.NewDecoder(r.Body).Decode(&in)
		if in.ReceiverID != friend || in.Content != "hi" || in.ClientID != "temp-1" {
			t.Errorf("body = %+v", in)
		}
		writeResult(w, map[string]any{"id": 42, "senderId": 7, "receiverId": 42, "content": "hi", "sentAt": "2026-03-01T12:01:00Z"})
	})

	got, err := client.SendMessage(context.Background(), SendMessageInput{ReceiverID: friend, Content: "hi", ClientID: "temp-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "42" || got.SenderID != me || !got.SentAt.Equal(at(1)) {
		t.Fatalf("message = %+v", got)
	}
}

func TestClientRoutes(t *testing.T) {
	type call struct{ method, path, query, body string }
	var calls []call
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, call{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
		switch r.URL.Path {
		case "/api/messages/42", "/api/chats", "/api/friend-requests/received":
			writeResult(w, []any{})
		case "/api/notifications":
			writeResult(w, map[string]any{"items": []any{}, "total": 0})
		default:
			writeResult(w, nil)
		}
	})
	ctx := context.Background()

	client.GetMessages(ctx, friend)
	client.DeleteMessages(ctx, []ID{"1", "2"})
	client.GetConversations(ctx)
	client.ListNotifications(ctx, NotificationQuery{Status: "unread", Page: 1, PageSize: 3})
	client.MarkAsRead(ctx, []ID{"9"})
	client.GetFriendRequests(ctx, RequestsReceived)
	client.AcceptFriendRequest(ctx, "5")
	client.CancelFriendRequest(ctx, "6")

	want := []call{
		{"GET", "/api/messages/42", "", ""},
		{"DELETE", "/api/messages", "", `{"ids":["1","2"]}`},
		{"GET", "/api/chats", "", ""},
		{"GET", "/api/notifications", "page=1&pageSize=3&status=unread", ""},
		{"POST", "/api/notifications/read", "", `{"ids":["9"]}`},
		{"GET", "/api/friend-requests/received", "", ""},
		{"POST", "/api/friend-requests/5/accept", "", ""},
		{"DELETE", "/api/friend-requests/6", "", ""},
	}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestClientUnreadCount(t *testing.T) {
	tests := map[string]any{
		"bare number": 4,
		"object":      map[string]int{"count": 4},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("status") != "unread" {
					t.Errorf("query = %s", r.URL.RawQuery)
				}
				writeResult(w, data)
			})
			n, err := client.GetUnreadCount(context.Background())
			if err != nil || n != 4 {
				t.Fatalf("GetUnreadCount = %d, %v", n, err)
			}
		})
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("error envelope", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": "NOT_FRIENDS", "message": "not friends"}})
		})
		_, err := client.SendMessage(context.Background(), SendMessageInput{ReceiverID: friend, Content: "hi"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FRIENDS" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("non-JSON failure", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		})
		err := client.DeleteMessages(context.Background(), []ID{"1"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "HTTP_502" || apiErr.Message != "upstream down" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("ok false without error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"ok":false}`))
		})
		_, err := client.GetConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "HTTP_404" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("token failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("request should not be sent")
		}))
		defer server.Close()
		src := TokenFunc(func(context.Context) (string, error) { return "", errBoom })
		client := NewClient(src, WithBaseURL(server.URL))

		_, err := client.GetConversations(context.Background())
		if !IsAuthError(err) || !errors.Is(err, errBoom) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()
		client := NewClient(testToken, WithBaseURL(server.URL))

		_, err := client.GetConversations(context.Background())
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("err = %v", err)
		}
	})
}
