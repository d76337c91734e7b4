package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRegistrySharesConnections(t *testing.T) {
	hs := newHubServer(t, me)
	r := NewRegistry(testConfig(hs.URL), zerolog.Nop(), nil)
	ctx := context.Background()

	var setups int
	a, err := r.Acquire(ctx, MessageHub, testToken, me, func(*Lease) { setups++ })
	if err != nil {
		t.Fatal(err)
	}
	hs.waitConn(t)
	b, err := r.Acquire(ctx, MessageHub, testToken, me, func(*Lease) { setups++ })
	if err != nil {
		t.Fatal(err)
	}

	if a.Conn() != b.Conn() {
		t.Fatal("same (hub, user) should share one connection")
	}
	if setups != 2 {
		t.Fatalf("setup ran %d times", setups)
	}
	select {
	case <-hs.accepted:
		t.Fatal("second acquire dialed again")
	case <-time.After(50 * time.Millisecond):
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if a.Release(ctx) != nil || r.Len() != 1 {
		t.Fatalf("double release must not drop the shared connection, len = %d", r.Len())
	}
	if b.Conn().State() != StateConnected {
		t.Fatal("connection closed while a lease is outstanding")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 || b.Conn().State() != StateDisconnected {
		t.Fatalf("last release should disconnect, len = %d state = %s", r.Len(), b.Conn().State())
	}
}

func TestRegistryReleaseDetachesHandlers(t *testing.T) {
	hs := newHubServer(t, me)
	r := NewRegistry(testConfig(hs.URL), zerolog.Nop(), nil)
	ctx := context.Background()
	t.Cleanup(func() { r.CloseAll(ctx) })

	gotA := make(chan string, 4)
	gotB := make(chan string, 4)
	a, err := r.Acquire(ctx, MessageHub, testToken, me, func(l *Lease) {
		l.On(PushReceiveMessage, func(p json.RawMessage) { gotA <- string(p) })
	})
	if err != nil {
		t.Fatal(err)
	}
	conn := hs.waitConn(t)
	b, err := r.Acquire(ctx, MessageHub, testToken, me, func(l *Lease) {
		l.On(PushReceiveMessage, func(p json.RawMessage) { gotB <- string(p) })
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release(ctx)

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	hs.push(t, conn, PushReceiveMessage, msg("1", friend, me, "hi", 0))

	select {
	case <-gotB:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining lease did not receive the event")
	}
	select {
	case <-gotA:
		t.Fatal("released lease still receives events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistrySeparatesHubsAndUsers(t *testing.T) {
	hs := newHubServer(t, "")
	r := NewRegistry(testConfig(hs.URL), zerolog.Nop(), nil)
	ctx := context.Background()
	t.Cleanup(func() { r.CloseAll(ctx) })

	m, _ := r.Acquire(ctx, MessageHub, testToken, me)
	n, _ := r.Acquire(ctx, NotificationHub, testToken, me)
	o, _ := r.Acquire(ctx, MessageHub, testToken, friend)

	if m.Conn() == n.Conn() || m.Conn() == o.Conn() {
		t.Fatal("connections must be keyed by hub and user")
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRegistryAcquireWithoutToken(t *testing.T) {
	hs := newHubServer(t, me)
	r := NewRegistry(testConfig(hs.URL), zerolog.Nop(), nil)

	lease, err := r.Acquire(context.Background(), MessageHub, StaticToken(""), me)
	if lease != nil || !errors.Is(err, ErrNoToken) {
		t.Fatalf("Acquire = %v, %v", lease, err)
	}
	if r.Len() != 0 {
		t.Fatal("no connection should be created without a token")
	}
}

func TestRegistryAcquireHandshakeFailure(t *testing.T) {
	hs := newHubServer(t, me)
	hs.reject = http.StatusUnauthorized
	r := NewRegistry(testConfig(hs.URL), zerolog.Nop(), nil)
	ctx := context.Background()

	lease, err := r.Acquire(ctx, MessageHub, testToken, me)
	if !IsAuthError(err) || lease == nil {
		t.Fatalf("Acquire = %v, %v", lease, err)
	}
	if lease.Conn().State() != StateError {
		t.Fatalf("state = %s", lease.Conn().State())
	}

	hs.mu.Lock()
	hs.reject = 0
	hs.mu.Unlock()
	if err := lease.Conn().Connect(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	lease.Release(ctx)
}

func TestRegistryCloseAll(t *testing.T) {
	hs := newHubServer(t, me)
	r := NewRegistry(testConfig(hs.URL), zerolog.Nop(), nil)
	ctx := context.Background()

	a, _ := r.Acquire(ctx, MessageHub, testToken, me)
	b, _ := r.Acquire(ctx, NotificationHub, testToken, me)

	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d", r.Len())
	}
	for _, l := range []*Lease{a, b} {
		if l.Conn().State() != StateDisconnected {
			t.Fatalf("%s state = %s", l.Conn().Hub().Name, l.Conn().State())
		}
		if err := l.Release(ctx); err != nil {
			t.Fatalf("release after CloseAll: %v", err)
		}
	}
}
