package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long an entry without subscribers survives after its last access.
const DefaultCacheTTL = 5 * time.Minute

// ============================================================================
// Events
// ============================================================================

// CacheEventKind classifies cache notifications.
type CacheEventKind int

const (
	EventUpdated CacheEventKind = iota
	EventInvalidated
	EventRemoved
	EventCleared
)

func (k CacheEventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventInvalidated:
		return "invalidated"
	case EventRemoved:
		return "removed"
	case EventCleared:
		return "cleared"
	}
	return "unknown"
}

// CacheEvent is delivered to subscribers after a cache operation completes.
// Key is zero for EventCleared.
type CacheEvent struct {
	Kind CacheEventKind
	Key  Key
}

// Fetcher loads the authoritative value of one key.
type Fetcher func(ctx context.Context) (any, error)

// ============================================================================
// Cache
// ============================================================================

type cacheEntry struct {
	key        Key
	value      any
	stale      bool
	updatedAt  time.Time
	accessedAt time.Time
	fetch      Fetcher
}

type subscription struct {
	prefix Key
	fn     func(CacheEvent)
}

// Cache is the shared, key-addressed store of query results. Every operation
// runs under one mutex, so each call is atomic from every other caller's
// point of view; Apply extends that to a group of reads and writes.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	epoch   uint64
	seq     map[string]uint64
	subs    map[uint64]*subscription
	nextSub uint64
	bg      context.Context

	flights singleflight.Group
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheTTL sets the idle TTL used by Sweep.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(log zerolog.Logger) CacheOption {
	return func(c *Cache) { c.log = log.With().Str("component", "cache").Logger() }
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		seq:     make(map[string]uint64),
		subs:    make(map[uint64]*subscription),
		bg:      context.Background(),
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read returns the value stored under key. Stale values are still returned.
func (c *Cache) Read(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.path]
	if !ok {
		return nil, false
	}
	e.accessedAt = c.now()
	return e.value, true
}

// Write overwrites the value under key and marks it fresh.
func (c *Cache) Write(key Key, value any) {
	c.Apply(func(tx *Tx) { tx.Write(key, value) })
}

// Update replaces the value under key with fn(old). Use it instead of a
// Read followed by a Write whenever another writer may interleave.
func (c *Cache) Update(key Key, fn func(old any, ok bool) any) {
	c.Apply(func(tx *Tx) { tx.Update(key, fn) })
}

// Remove deletes the entry under key.
func (c *Cache) Remove(key Key) {
	c.Apply(func(tx *Tx) { tx.Remove(key) })
}

// Invalidate marks every entry under prefix stale. Entries with an active
// subscriber and a known fetcher are refetched in the background; the
// others refetch on their next Query.
func (c *Cache) Invalidate(prefix Key) {
	c.Apply(func(tx *Tx) { tx.Invalidate(prefix) })
}

// IsStale reports whether key is absent or has been invalidated.
func (c *Cache) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.path]
	return !ok || e.stale
}

// Clear wipes every entry and abandons every in-flight fetch.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.seq = make(map[string]uint64)
	c.epoch++
	subs := c.subscribersLocked(Key{})
	c.mu.Unlock()

	c.log.Debug().Msg("cache cleared")
	deliver(subs, []CacheEvent{{Kind: EventCleared}})
}

// CancelQueries abandons in-flight fetches for every key under prefix, so a
// slow response cannot overwrite a write made after the cancellation.
func (c *Cache) CancelQueries(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.seq {
		if (Key{path: path}).HasPrefix(prefix) {
			c.seq[path]++
		}
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Apply runs fn with exclusive access to the cache. Subscribers are notified
// once fn returns, so no reader can observe part of fn's writes.
func (c *Cache) Apply(fn func(tx *Tx)) {
	c.mu.Lock()
	tx := &Tx{c: c}
	fn(tx)
	pending := c.collectLocked(tx)
	c.mu.Unlock()

	c.flush(pending)
}

// applyInEpoch runs fn like Apply, unless the cache was cleared since epoch.
// It reports whether fn ran.
func (c *Cache) applyInEpoch(epoch uint64, fn func(tx *Tx)) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	tx := &Tx{c: c}
	fn(tx)
	pending := c.collectLocked(tx)
	c.mu.Unlock()

	c.flush(pending)
	return true
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe registers fn for events on keys under prefix. The returned
// function removes the subscription. A key with a subscriber counts as
// active: it is exempt from Sweep and is refetched on invalidation.
func (c *Cache) Subscribe(prefix Key, fn func(CacheEvent)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = &subscription{prefix: prefix, fn: fn}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Cache) hasSubscriberLocked(key Key) bool {
	for _, s := range c.subs {
		if key.HasPrefix(s.prefix) || s.prefix.HasPrefix(key) {
			return true
		}
	}
	return false
}

func (c *Cache) subscribersLocked(key Key) []*subscription {
	var out []*subscription
	for _, s := range c.subs {
		if key.IsZero() || key.HasPrefix(s.prefix) {
			out = append(out, s)
		}
	}
	return out
}

type delivery struct {
	subs  []*subscription
	event CacheEvent
}

type refetchJob struct {
	key   Key
	fetch Fetcher
}

type pendingWork struct {
	deliveries []delivery
	refetch    []refetchJob
}

func (c *Cache) collectLocked(tx *Tx) pendingWork {
	var p pendingWork
	for _, ev := range tx.events {
		if subs := c.subscribersLocked(ev.Key); len(subs) > 0 {
			p.deliveries = append(p.deliveries, delivery{subs: subs, event: ev})
		}
	}
	for _, e := range tx.refetch {
		if e.fetch != nil && c.hasSubscriberLocked(e.key) {
			p.refetch = append(p.refetch, refetchJob{key: e.key, fetch: e.fetch})
		}
	}
	return p
}

func (c *Cache) flush(p pendingWork) {
	for _, d := range p.deliveries {
		deliver(d.subs, []CacheEvent{d.event})
	}
	if len(p.refetch) == 0 {
		return
	}
	c.mu.Lock()
	bg := c.bg
	c.mu.Unlock()
	for _, job := range p.refetch {
		key, fetch := job.key, job.fetch
		go func() {
			if _, err := c.fetch(bg, key, fetch); err != nil && !errors.Is(err, ErrQueryCancelled) {
				c.log.Warn().Err(err).Str("key", key.String()).Msg("background refetch failed")
			}
		}()
	}
}

func deliver(subs []*subscription, events []CacheEvent) {
	for _, s := range subs {
		for _, ev := range events {
			func() {
				defer func() { recover() }() // subscriber panics must not break the writer
				s.fn(ev)
			}()
		}
	}
}

// ── Queries ──────────────────────────────────────────────

// Query returns the fresh value under key, fetching it when the entry is
// absent or stale. Concurrent queries for the same key share one fetch. The
// fetched value is discarded with ErrQueryCancelled if the cache was cleared
// or the key cancelled while the fetch was in flight.
func Query[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.query(ctx, key, func(ctx context.Context) (any, error) { return fetch(ctx) })
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache %s: unexpected value type %T", key, v)
	}
	return t, nil
}

func (c *Cache) query(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key.path]; ok {
		e.fetch = fetch
		if !e.stale {
			e.accessedAt = c.now()
			v := e.value
			c.mu.Unlock()
			return v, nil
		}
	}
	c.mu.Unlock()
	return c.fetch(ctx, key, fetch)
}

func (c *Cache) fetch(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	c.mu.Lock()
	epoch := c.epoch
	seq, ok := c.seq[key.path]
	if !ok {
		c.seq[key.path] = 0
	}
	c.mu.Unlock()

	// The shared fetch outlives any single caller; each caller stops
	// waiting when its own ctx is done.
	fetchCtx := context.WithoutCancel(ctx)
	flight := fmt.Sprintf("%d:%d:%s", epoch, seq, key.path)
	ch := c.flights.DoChan(flight, func() (any, error) {
		val, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.epoch != epoch || c.seq[key.path] != seq {
			c.mu.Unlock()
			c.log.Debug().Str("key", key.String()).Msg("dropping cancelled fetch result")
			return nil, ErrQueryCancelled
		}
		tx := &Tx{c: c}
		tx.Write(key, val)
		c.entries[key.path].fetch = fetch
		pending := c.collectLocked(tx)
		c.mu.Unlock()

		c.flush(pending)
		return val, nil
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ── Garbage collection ───────────────────────────────────

// Sweep removes entries without subscribers that were neither written nor
// read within the TTL. It returns the number of removed entries.
func (c *Cache) Sweep(now time.Time) int {
	var removed int
	c.Apply(func(tx *Tx) {
		for path, e := range c.entries {
			if c.hasSubscriberLocked(e.key) {
				continue
			}
			last := e.accessedAt
			if e.updatedAt.After(last) {
				last = e.updatedAt
			}
			if now.Sub(last) > c.ttl {
				delete(c.entries, path)
				tx.events = append(tx.events, CacheEvent{Kind: EventRemoved, Key: e.key})
				removed++
			}
		}
	})
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("cache sweep")
	}
	return removed
}

// Run sweeps idle entries every interval and hosts background refetches
// until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	c.mu.Lock()
	c.bg = ctx
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// ============================================================================
// Tx
// ============================================================================

// Tx is the view of the cache inside Apply. It must not be retained.
type Tx struct {
	c       *Cache
	events  []CacheEvent
	refetch []*cacheEntry
}

// Read returns the value stored under key.
func (tx *Tx) Read(key Key) (any, bool) {
	e, ok := tx.c.entries[key.path]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Write overwrites the value under key and marks it fresh.
func (tx *Tx) Write(key Key, value any) {
	now := tx.c.now()
	e, ok := tx.c.entries[key.path]
	if !ok {
		e = &cacheEntry{key: key, accessedAt: now}
		tx.c.entries[key.path] = e
	}
	e.value = value
	e.stale = false
	e.updatedAt = now
	tx.events = append(tx.events, CacheEvent{Kind: EventUpdated, Key: key})
}

// Update replaces the value under key with fn(old).
func (tx *Tx) Update(key Key, fn func(old any, ok bool) any) {
	old, ok := tx.Read(key)
	tx.Write(key, fn(old, ok))
}

// Remove deletes the entry under key.
func (tx *Tx) Remove(key Key) {
	if _, ok := tx.c.entries[key.path]; !ok {
		return
	}
	delete(tx.c.entries, key.path)
	tx.events = append(tx.events, CacheEvent{Kind: EventRemoved, Key: key})
}

// Invalidate marks every entry under prefix stale.
func (tx *Tx) Invalidate(prefix Key) {
	for _, e := range tx.c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		e.stale = true
		tx.events = append(tx.events, CacheEvent{Kind: EventInvalidated, Key: e.key})
		tx.refetch = append(tx.refetch, e)
	}
}

// ============================================================================
// Typed helpers
// ============================================================================

// Reader is implemented by Cache and Tx.
type Reader interface {
	Read(key Key) (any, bool)
}

// ReadAs returns the value under key if present and of type T.
func ReadAs[T any](r Reader, key Key) (T, bool) {
	var zero T
	v, ok := r.Read(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// UpdateAs rewrites the value under key with fn when it is present and of
// type T. Absent entries stay absent so that the next Query fetches the
// full server state. It reports whether fn ran.
func UpdateAs[T any](tx *Tx, key Key, fn func(T) T) bool {
	cur, ok := ReadAs[T](tx, key)
	if !ok {
		return false
	}
	tx.Write(key, fn(cur))
	return true
}
