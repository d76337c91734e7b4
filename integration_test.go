//go:build integration

package chatsync_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/relaychat/chatsync"
)

// helpers ---------------------------------------------------------------

func envOrSkip(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s environment variable is required", name)
	}
	return v
}

func baseURL(t *testing.T) string {
	t.Helper()
	return envOrSkip(t, "CHATSYNC_BASE_URL_TEST")
}

func tokenFor(t *testing.T, name string) chatsync.TokenSource {
	t.Helper()
	return chatsync.StaticToken(envOrSkip(t, name))
}

func newSession(t *testing.T, token chatsync.TokenSource) *chatsync.Session {
	t.Helper()
	base := baseURL(t)
	api := chatsync.NewClient(token, chatsync.WithBaseURL(base))
	s := chatsync.NewSession(chatsync.Config{BaseURL: base}, api, chatsync.WithTokenSource(token))
	t.Cleanup(func() { s.Logout(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: REST API
// =======================================================================

func TestIntegration_REST(t *testing.T) {
	token := tokenFor(t, "CHATSYNC_TOKEN_A_TEST")
	client := chatsync.NewClient(token, chatsync.WithBaseURL(baseURL(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("Conversations", func(t *testing.T) {
		chats, err := client.GetConversations(ctx)
		if err != nil {
			t.Fatalf("GetConversations: %v", err)
		}
		t.Logf("Conversations: count=%d", len(chats))
	})

	t.Run("UnreadCount", func(t *testing.T) {
		n, err := client.GetUnreadCount(ctx)
		if err != nil {
			t.Fatalf("GetUnreadCount: %v", err)
		}
		if n < 0 {
			t.Fatalf("negative unread count %d", n)
		}
		t.Logf("UnreadCount: %d", n)
	})

	t.Run("NotificationHeader", func(t *testing.T) {
		w, err := client.ListNotifications(ctx, chatsync.NotificationQuery{Status: "unread", Page: 1, PageSize: 3})
		if err != nil {
			t.Fatalf("ListNotifications: %v", err)
		}
		t.Logf("NotificationHeader: items=%d total=%d", len(w.Items), w.Total)
	})

	t.Run("FriendRequests", func(t *testing.T) {
		for _, dir := range []chatsync.FriendRequestDirection{chatsync.RequestsReceived, chatsync.RequestsSent} {
			reqs, err := client.GetFriendRequests(ctx, dir)
			if err != nil {
				t.Fatalf("GetFriendRequests(%s): %v", dir, err)
			}
			t.Logf("FriendRequests %s: count=%d", dir, len(reqs))
		}
	})
}

// =======================================================================
// Group 2: Real-time sync between two users
// =======================================================================

func TestIntegration_Realtime(t *testing.T) {
	sender := newSession(t, tokenFor(t, "CHATSYNC_TOKEN_A_TEST"))
	receiver := newSession(t, tokenFor(t, "CHATSYNC_TOKEN_B_TEST"))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := sender.Login(ctx, chatsync.Identity{}); err != nil {
		t.Fatalf("sender Login: %v", err)
	}
	if err := receiver.Login(ctx, chatsync.Identity{}); err != nil {
		t.Fatalf("receiver Login: %v", err)
	}
	for _, s := range []*chatsync.Session{sender, receiver} {
		waitFor(t, "message hub", 10*time.Second, func() bool {
			return s.HubState(chatsync.MessageHub.Name) == chatsync.StateConnected
		})
	}

	peer := receiver.Identity().UserID
	self := sender.Identity().UserID

	if _, err := receiver.Messages().LoadMessages(ctx, self); err != nil {
		t.Fatalf("receiver LoadMessages: %v", err)
	}

	content := "integration " + time.Now().Format(time.RFC3339Nano)
	var sent *chatsync.Message

	t.Run("Send", func(t *testing.T) {
		var err error
		sent, err = sender.Messages().Send(ctx, peer, content)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if sent.ID.IsTemporary() {
			t.Fatalf("confirmed message kept temporary id %s", sent.ID)
		}
		t.Logf("Send: id=%s", sent.ID)
	})

	t.Run("Receive", func(t *testing.T) {
		if sent == nil {
			t.Skip("send failed")
		}
		waitFor(t, "push delivery", 15*time.Second, func() bool {
			list, _ := chatsync.ReadAs[[]chatsync.Message](receiver.Cache(), chatsync.MessageListKey(self))
			for _, m := range list {
				if m.ID == sent.ID {
					return true
				}
			}
			return false
		})
	})

	t.Run("Delete", func(t *testing.T) {
		if sent == nil {
			t.Skip("send failed")
		}
		sel := sender.Selection()
		sender.OpenConversation(peer)
		if !sel.Enter() || !sel.Toggle(*sent) || !sel.RequestConfirm() {
			t.Fatalf("selection refused message %s (state %s)", sent.ID, sel.State())
		}
		if err := sel.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		t.Logf("Delete: id=%s", sent.ID)
	})
}
