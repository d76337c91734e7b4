package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Registry shares hub connections between consumers. There is at most one
// HubConn per (hub, user); it is opened by the first Acquire and closed when
// the last Lease is released.
type Registry struct {
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics

	mu    sync.Mutex
	conns map[registryKey]*registryEntry
}

type registryKey struct {
	hub  string
	user ID
}

type registryEntry struct {
	conn *HubConn
	refs int
}

// Lease is one consumer's hold on a shared connection. Handlers registered
// through the lease are removed when it is released, so other holders of
// the same connection keep only their own.
type Lease struct {
	r    *Registry
	key  registryKey
	conn *HubConn
	once sync.Once

	mu      sync.Mutex
	removes []func()
}

// Conn returns the shared connection.
func (l *Lease) Conn() *HubConn { return l.conn }

// On registers a push event handler for the lifetime of the lease.
func (l *Lease) On(event string, h EventHandler) {
	l.track(l.conn.On(event, h))
}

// OnStateChange registers a state handler for the lifetime of the lease.
func (l *Lease) OnStateChange(h func(old, new ConnectionState)) {
	l.track(l.conn.OnStateChange(h))
}

func (l *Lease) track(remove func()) {
	l.mu.Lock()
	l.removes = append(l.removes, remove)
	l.mu.Unlock()
}

func (l *Lease) detach() {
	l.mu.Lock()
	removes := l.removes
	l.removes = nil
	l.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}

// NewRegistry creates an empty registry whose connections use cfg.
func NewRegistry(cfg Config, log zerolog.Logger, metrics *Metrics) *Registry {
	cfg.defaults()
	return &Registry{
		cfg:     cfg,
		log:     log.With().Str("component", "registry").Logger(),
		metrics: metrics,
		conns:   make(map[registryKey]*registryEntry),
	}
}

// Acquire returns a lease on the connection for (hub, userID), creating and
// connecting it on first use. When no token is available it fails with an
// *AuthError before dialing. setup runs before the handshake, so handlers
// registered there through the lease see every event. A connection whose handshake failed
// stays registered in StateError so that the caller can retry Connect on
// it; the returned lease must still be released.
func (r *Registry) Acquire(ctx context.Context, hub Hub, tokens TokenSource, userID ID, setup ...func(*Lease)) (*Lease, error) {
	if _, err := CheckToken(ctx, tokens, hub.Name, time.Now()); err != nil {
		return nil, err
	}

	key := registryKey{hub: hub.Name, user: userID}
	r.mu.Lock()
	e, ok := r.conns[key]
	if !ok {
		e = &registryEntry{conn: NewHubConn(hub, r.cfg, tokens, userID, r.log, r.metrics)}
		r.conns[key] = e
	}
	e.refs++
	refs := e.refs
	r.mu.Unlock()

	lease := &Lease{r: r, key: key, conn: e.conn}
	for _, fn := range setup {
		fn(lease)
	}
	r.log.Debug().Str("hub", hub.Name).Str("user", userID.String()).Int("refs", refs).Msg("acquired")
	if err := e.conn.Connect(ctx); err != nil {
		return lease, err
	}
	return lease, nil
}

// Release drops the lease and its handlers. The last release disconnects and waits for the
// close handshake; a close failure is returned but the connection is
// forgotten either way. Calling Release twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.detach()
		err = l.r.release(ctx, l.key)
	})
	return err
}

func (r *Registry) release(ctx context.Context, key registryKey) error {
	r.mu.Lock()
	e, ok := r.conns[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, key)
	r.mu.Unlock()

	return disconnectCtx(ctx, e.conn)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll disconnects every connection regardless of outstanding leases.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]*HubConn, 0, len(r.conns))
	for k, e := range r.conns {
		conns = append(conns, e.conn)
		delete(r.conns, k)
	}
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if err := disconnectCtx(ctx, c); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// disconnectCtx waits for Disconnect until ctx is done.
func disconnectCtx(ctx context.Context, c *HubConn) error {
	done := make(chan error, 1)
	go func() { done <- c.Disconnect() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TransportError{Hub: c.hub.Name, Op: "close", Err: ctx.Err()}
	}
}
