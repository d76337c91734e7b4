package chatsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Identity is the signed-in user.
type Identity struct {
	UserID ID
	Name   string
}

// Invoker sends server method calls over a push connection.
// *HubConn implements it.
type Invoker interface {
	State() ConnectionState
	Invoke(ctx context.Context, method string, payload interface{}) (json.RawMessage, error)
}

type options struct {
	identity Identity
	invoker  Invoker
	notifier Notifier
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
	tokens   TokenSource
	cache    *Cache
	registry *Registry
}

// Option configures sessions and sync engines.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithIdentity sets the current user of a standalone sync engine.
func WithIdentity(id Identity) Option {
	return func(o *options) { o.identity = id }
}

// WithInvoker routes sends through a push connection before the REST fallback.
func WithInvoker(inv Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// WithNotifier sets the sink for user-facing failure notices.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTokenSource sets the credentials used for hub handshakes.
func WithTokenSource(src TokenSource) Option {
	return func(o *options) { o.tokens = src }
}

// WithCache shares an existing cache instead of creating one.
func WithCache(c *Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithRegistry shares an existing connection registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}
