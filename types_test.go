package chatsync

import (
	"encoding/json"
	"testing"
)

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`42`, "42"},
		{`"42"`, "42"},
		{`"temp-abc"`, "temp-abc"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id ID
		if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if id != tt.want {
			t.Fatalf("Unmarshal(%s) = %q, want %q", tt.in, id, tt.want)
		}
	}

	var id ID
	if err := json.Unmarshal([]byte(`{"id":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestIDIsTemporary(t *testing.T) {
	if !ID("temp-1").IsTemporary() {
		t.Fatal("temp- prefix should be temporary")
	}
	if ID("42").IsTemporary() {
		t.Fatal("server id should not be temporary")
	}
}

func TestNotificationStatusNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want NotificationStatus
	}{
		{`"unread"`, StatusUnread},
		{`"UNREAD"`, StatusUnread},
		{`"pending"`, StatusUnread},
		{`"read"`, StatusRead},
		{`"Read"`, StatusRead},
		{`"completed"`, StatusRead},
		{`"accepted"`, StatusRead},
		{`"cancelled"`, StatusRead},
		{`true`, StatusRead},
		{`false`, StatusUnread},
		{`0`, StatusUnread},
		{`1`, StatusRead},
		{`null`, StatusUnread},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s NotificationStatus
			if err := json.Unmarshal([]byte(tt.in), &s); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if s != tt.want {
				t.Fatalf("got %s, want %s", s, tt.want)
			}
		})
	}
}

func TestNotificationRecordDecode(t *testing.T) {
	data := `{"id":9,"type":"friend-request","status":true,"receiverId":"7","createdBy":3,"createdAt":"2026-03-01T12:00:00Z","referenceId":11}`
	var rec NotificationRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != "9" || rec.Status != StatusRead || rec.CreatedBy != "3" || rec.ReferenceID != "11" {
		t.Fatalf("unexpected record %+v", rec)
	}

	out, _ := json.Marshal(rec)
	var back map[string]any
	json.Unmarshal(out, &back)
	if back["status"] != "read" {
		t.Fatalf("status encoded as %v", back["status"])
	}
}

func TestMessagePeer(t *testing.T) {
	m := msg("1", me, friend, "hi", 0)
	if m.Peer(me) != friend {
		t.Fatal("peer of own message should be the receiver")
	}
	if m.Peer(friend) != me {
		t.Fatal("peer of received message should be the sender")
	}
}

func TestResultDecode(t *testing.T) {
	var r Result
	json.Unmarshal([]byte(`{"ok":true,"data":{"id":5,"content":"x"}}`), &r)
	var m Message
	if err := r.Decode(&m); err != nil || m.ID != "5" {
		t.Fatalf("Decode = %+v, %v", m, err)
	}
}
