package chatsync

import "testing"

func TestOptimisticRollbackRestoresSnapshot(t *testing.T) {
	c := NewCache()
	list, chats := MessageListKey(friend), ConversationListKey()
	c.Write(list, []Message{msg("1", friend, me, "hello", 0)})

	op := Begin(c, func(tx *Tx) {
		UpdateAs(tx, list, func(l []Message) []Message { return appendMessage(l, msg("temp-1", me, friend, "hi", 1)) })
		tx.Write(chats, []ConversationSummary{summary(friend, "hi", 1)})
	}, list, chats)

	if got := mustRead[[]Message](t, c, list); len(got) != 2 {
		t.Fatalf("optimistic write not applied: %v", ids(got))
	}

	if !op.Rollback() {
		t.Fatal("first Rollback should settle")
	}
	if got := mustRead[[]Message](t, c, list); !equalIDs(ids(got), []ID{"1"}) {
		t.Fatalf("list after rollback = %v", ids(got))
	}
	if _, ok := c.Read(chats); ok {
		t.Fatal("key absent before Begin must be removed by Rollback")
	}
	if op.Rollback() || op.Commit(nil) {
		t.Fatal("settled operation must not settle again")
	}
}

func TestOptimisticRollbackIsAtomic(t *testing.T) {
	c := NewCache()
	a, b := MessageListKey(friend), ConversationListKey()
	c.Write(a, []Message{})
	c.Write(b, []ConversationSummary{})

	op := Begin(c, func(tx *Tx) {
		tx.Write(a, []Message{msg("temp-1", me, friend, "x", 0)})
		tx.Write(b, []ConversationSummary{summary(friend, "x", 0)})
	}, a, b)

	var partial bool
	c.Subscribe(Key{}, func(CacheEvent) {
		la := mustRead[[]Message](t, c, a)
		lb := mustRead[[]ConversationSummary](t, c, b)
		if len(la) != len(lb) {
			partial = true
		}
	})
	op.Rollback()
	if partial {
		t.Fatal("a reader observed a half-rolled-back state")
	}
}

func TestOptimisticRevertWith(t *testing.T) {
	c := NewCache()
	list := MessageListKey(friend)
	c.Write(list, []Message{})

	temp := msg("temp-1", me, friend, "hi", 1)
	op := Begin(c, func(tx *Tx) {
		UpdateAs(tx, list, func(l []Message) []Message { return appendMessage(l, temp) })
	}, list)
	op.RevertWith(list, func(tx *Tx) {
		UpdateAs(tx, list, func(l []Message) []Message { return removeMessages(l, temp.ID) })
	})

	// A push lands while the send is in flight.
	c.Update(list, func(old any, _ bool) any { return appendMessage(old.([]Message), msg("9", friend, me, "yo", 2)) })

	op.Rollback()
	if got := mustRead[[]Message](t, c, list); !equalIDs(ids(got), []ID{"9"}) {
		t.Fatalf("list after rollback = %v, want [9]", ids(got))
	}
}

func TestOptimisticCommitReconciles(t *testing.T) {
	c := NewCache()
	list := MessageListKey(friend)
	c.Write(list, []Message{})

	op := Begin(c, func(tx *Tx) { tx.Write(list, []Message{msg("temp-1", me, friend, "hi", 0)}) }, list)
	op.Commit(func(tx *Tx) { tx.Write(list, []Message{msg("42", me, friend, "hi", 0)}) })

	if got := mustRead[[]Message](t, c, list); !equalIDs(ids(got), []ID{"42"}) {
		t.Fatalf("list after commit = %v", ids(got))
	}
	if v, ok := op.Snapshot(list); !ok || len(v.([]Message)) != 0 {
		t.Fatalf("snapshot = %v, %v", v, ok)
	}
}

func TestOptimisticSettleAfterClear(t *testing.T) {
	list := MessageListKey(friend)
	for _, settle := range []string{"commit", "rollback"} {
		t.Run(settle, func(t *testing.T) {
			c := NewCache()
			c.Write(list, []Message{msg("1", friend, me, "old", 0)})
			op := Begin(c, func(tx *Tx) {
				UpdateAs(tx, list, func(l []Message) []Message { return appendMessage(l, msg("temp-1", me, friend, "hi", 1)) })
			}, list)

			c.Clear()
			c.Write(list, []Message{msg("900", friend, me, "new", 2)})

			var applied bool
			if settle == "commit" {
				applied = op.Commit(func(tx *Tx) { tx.Write(list, []Message{msg("77", me, friend, "hi", 1)}) })
			} else {
				applied = op.Rollback()
			}
			if applied {
				t.Fatal("settling after Clear should report false")
			}
			if got := mustRead[[]Message](t, c, list); !equalIDs(ids(got), []ID{"900"}) {
				t.Fatalf("list = %v", ids(got))
			}
		})
	}
}
