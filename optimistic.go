package chatsync

import "sync"

// Optimistic is a cache write applied before the server confirms it. It
// remembers the values of its keys as they were before the write, so that
// Rollback can restore them in a single atomic cache operation.
//
// A write begun before Cache.Clear belongs to the cleared state: its Commit
// and Rollback leave the cache untouched.
//
// Values stored in the cache are treated as immutable: writers always
// store fresh slices, which keeps snapshots valid without copying.
//
//	op := chatsync.Begin(cache, func(tx *chatsync.Tx) { ... }, keyA, keyB)
//	res, err := call(ctx)
//	if err != nil {
//		op.Rollback()
//		return err
//	}
//	op.Commit(func(tx *chatsync.Tx) { ... reconcile with res ... })
type Optimistic struct {
	cache   *Cache
	epoch   uint64
	keys    []Key
	snaps   map[string]snapshot
	reverts map[string]func(tx *Tx)

	mu      sync.Mutex
	settled bool
}

type snapshot struct {
	value any
	ok    bool
}

// Begin snapshots keys and runs apply in the same cache operation.
// apply may be nil when the caller only needs the snapshot.
func Begin(c *Cache, apply func(tx *Tx), keys ...Key) *Optimistic {
	o := &Optimistic{
		cache:   c,
		keys:    keys,
		snaps:   make(map[string]snapshot, len(keys)),
		reverts: make(map[string]func(tx *Tx)),
	}
	c.Apply(func(tx *Tx) {
		o.epoch = tx.c.epoch
		for _, k := range keys {
			v, ok := tx.Read(k)
			o.snaps[k.path] = snapshot{value: v, ok: ok}
		}
		if apply != nil {
			apply(tx)
		}
	})
	return o
}

// Snapshot returns the pre-write value of key.
func (o *Optimistic) Snapshot(key Key) (any, bool) {
	s, ok := o.snaps[key.path]
	if !ok {
		return nil, false
	}
	return s.value, s.ok
}

// RevertWith replaces the default snapshot restore of key with fn. Use it
// when later writes to key by other producers must survive a rollback.
func (o *Optimistic) RevertWith(key Key, fn func(tx *Tx)) {
	o.reverts[key.path] = fn
}

// Commit settles the write, running reconcile (if any) atomically.
// It reports false if the write was already settled or the cache was
// cleared since Begin.
func (o *Optimistic) Commit(reconcile func(tx *Tx)) bool {
	if !o.settle() {
		return false
	}
	if reconcile == nil {
		reconcile = func(*Tx) {}
	}
	return o.cache.applyInEpoch(o.epoch, reconcile)
}

// Rollback restores every key to its snapshot in one cache operation.
// It reports false if the write was already settled or the cache was
// cleared since Begin.
func (o *Optimistic) Rollback() bool {
	if !o.settle() {
		return false
	}
	return o.cache.applyInEpoch(o.epoch, func(tx *Tx) {
		for _, k := range o.keys {
			if fn, ok := o.reverts[k.path]; ok {
				fn(tx)
				continue
			}
			s := o.snaps[k.path]
			if s.ok {
				tx.Write(k, s.value)
			} else {
				tx.Remove(k)
			}
		}
	})
}

func (o *Optimistic) settle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settled {
		return false
	}
	o.settled = true
	return true
}
