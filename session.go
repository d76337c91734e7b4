package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Session ties one signed-in user to the cache, the sync engines and the
// two hub connections. Logging out clears every cached value, and events
// still arriving from the previous login are ignored.
type Session struct {
	cfg      Config
	api      API
	tokens   TokenSource
	cache    *Cache
	registry *Registry
	notifier Notifier
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time

	messages      *MessageSync
	notifications *NotificationSync
	selection     *Selection
	friends       *FriendSync

	mu       sync.Mutex
	epoch    uint64
	identity Identity
	leases   []*Lease
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSession creates a logged-out session.
func NewSession(cfg Config, api API, opts ...Option) *Session {
	cfg.defaults()
	o := newOptions(opts)
	log := o.log.With().Str("component", "session").Logger()

	cache := o.cache
	if cache == nil {
		cache = NewCache(WithCacheTTL(cfg.CacheTTL), WithCacheClock(o.now), WithCacheLogger(o.log))
	}
	registry := o.registry
	if registry == nil {
		registry = NewRegistry(cfg, o.log, o.metrics)
	}
	engineOpts := []Option{
		WithNotifier(o.notifier),
		WithLogger(o.log),
		WithMetrics(o.metrics),
		WithClock(o.now),
	}
	return &Session{
		cfg:           cfg,
		api:           api,
		tokens:        o.tokens,
		cache:         cache,
		registry:      registry,
		notifier:      o.notifier,
		log:           log,
		metrics:       o.metrics,
		now:           o.now,
		messages:      NewMessageSync(cache, api, engineOpts...),
		notifications: NewNotificationSync(cache, api, cfg.NotificationWindow, engineOpts...),
		selection:     NewSelection(cache, api, engineOpts...),
		friends:       NewFriendSync(cache, api, engineOpts...),
	}
}

func (s *Session) Cache() *Cache                    { return s.cache }
func (s *Session) Messages() *MessageSync           { return s.messages }
func (s *Session) Notifications() *NotificationSync { return s.notifications }
func (s *Session) Selection() *Selection            { return s.selection }
func (s *Session) Friends() *FriendSync             { return s.friends }

// OpenConversation makes friendID the open conversation, discarding any
// message selection.
func (s *Session) OpenConversation(friendID ID) { s.selection.SwitchConversation(friendID) }

// Identity returns the signed-in user, or the zero Identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// HubState returns the state of the named hub connection.
func (s *Session) HubState(name string) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leases {
		if l.conn.hub.Name == name {
			return l.conn.State()
		}
	}
	return StateDisconnected
}

func (s *Session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Login signs id in. The cache is cleared before the new identity becomes
// visible. When id.UserID is empty it is taken from the token's subject.
// A missing token fails the login with an *AuthError; a failed hub
// handshake does not, and is retried in the background per Config.Retry.
func (s *Session) Login(ctx context.Context, id Identity) error {
	if cur := s.Identity(); cur.UserID != "" {
		if err := s.Logout(ctx); err != nil {
			return err
		}
	}
	token, err := CheckToken(ctx, s.tokens, "", s.now())
	if err != nil {
		return err
	}
	if id.UserID == "" {
		info, ok := InspectToken(token)
		if !ok || info.Subject == "" {
			return &AuthError{Err: fmt.Errorf("no user id given and token has no subject")}
		}
		id.UserID = ID(info.Subject)
	}

	s.cache.Clear()
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.identity = id
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.messages.bind(id, nil)
	s.selection.bind(id)
	s.log.Info().Str("user", id.UserID.String()).Msg("login")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cache.Run(runCtx, s.cfg.SweepInterval)
	}()

	hubs := []struct {
		hub      Hub
		handlers map[string]EventHandler
	}{
		{MessageHub.WithPath(s.cfg.MessageHubPath), s.messages.handlers()},
		{NotificationHub.WithPath(s.cfg.NotificationHubPath), s.notifications.handlers()},
	}
	for _, h := range hubs {
		kick := make(chan struct{}, 1)
		setup := func(l *Lease) {
			for event, fn := range h.handlers {
				l.On(event, s.guard(epoch, fn))
			}
			conn := l.Conn()
			l.OnStateChange(func(old, new ConnectionState) {
				if s.currentEpoch() != epoch {
					return
				}
				s.onHubState(conn, old, new, kick)
			})
		}
		lease, err := s.registry.Acquire(ctx, h.hub, s.tokens, id.UserID, setup)
		if lease == nil {
			_ = s.Logout(ctx)
			return err
		}
		s.mu.Lock()
		s.leases = append(s.leases, lease)
		s.mu.Unlock()
		if h.hub.Name == MessageHub.Name {
			s.messages.bind(id, lease.Conn())
		}
		if err != nil {
			s.log.Warn().Err(err).Str("hub", h.hub.Name).Msg("hub handshake failed, retrying in background")
			select {
			case kick <- struct{}{}:
			default:
			}
		}

		s.wg.Add(1)
		go func(conn *HubConn) {
			defer s.wg.Done()
			s.supervise(runCtx, conn, kick)
		}(lease.Conn())
	}
	return nil
}

func (s *Session) guard(epoch uint64, h EventHandler) EventHandler {
	return func(payload json.RawMessage) {
		if s.currentEpoch() != epoch {
			return
		}
		h(payload)
	}
}

func (s *Session) onHubState(conn *HubConn, old, new ConnectionState, kick chan<- struct{}) {
	switch {
	case new == StateError:
	case new == StateDisconnected && old == StateReconnecting:
		notify(s.notifier, NoticeWarning, "connect", "Lost connection to "+conn.hub.Name+", retrying", nil, s.now())
	default:
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// supervise reconnects conn after a failed handshake or exhausted
// transport retries, pacing attempts with a copy of Config.Retry.
func (s *Session) supervise(ctx context.Context, conn *HubConn, kick <-chan struct{}) {
	policy := s.cfg.Retry
	log := s.log.With().Str("hub", conn.hub.Name).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}
		for st := conn.State(); st == StateError || st == StateDisconnected; st = conn.State() {
			delay, cooldown := policy.Next()
			if cooldown {
				log.Warn().Dur("cooldown", delay).Msg("reconnect attempts exhausted, cooling down")
				notify(s.notifier, NoticeWarning, "connect", "Cannot reach "+conn.hub.Name+", will retry later", nil, s.now())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			s.metrics.reconnect(conn.hub.Name, "manual")
			if err := conn.Connect(ctx); err != nil {
				log.Debug().Err(err).Int("attempt", policy.Attempt()).Msg("manual reconnect failed")
				continue
			}
			policy.Reset()
		}
	}
}

// Logout ends the session: handlers from this login stop applying events,
// hub connections are closed (failures are logged, not returned) and the
// cache is cleared.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	cancel := s.cancel
	s.cancel = nil
	leases := s.leases
	s.leases = nil
	user := s.identity.UserID
	s.identity = Identity{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var g errgroup.Group
	errs := make([]error, len(leases))
	for i, l := range leases {
		i, l := i, l
		g.Go(func() error {
			errs[i] = l.Release(ctx)
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		s.log.Warn().Err(err).Msg("hub close failed")
	}

	s.cache.Clear()
	s.messages.bind(Identity{}, nil)
	s.selection.bind(Identity{})
	if user != "" {
		s.log.Info().Str("user", user.String()).Msg("logout")
	}
	return nil
}
