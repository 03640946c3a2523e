package state

import (
	"testing"
	"time"
)

func TestSessionStore_UpsertTouchRemove(t *testing.T) {
	s := NewSessionStore()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Upsert("192.0.2.10:9000", 0x1111, t0)
	if s.Count() != 1 {
		t.Fatalf("count=%d", s.Count())
	}

	if !s.Touch("192.0.2.10:9000", t0.Add(time.Second)) {
		t.Fatalf("touch known endpoint failed")
	}
	if s.Touch("203.0.113.9:9000", t0) {
		t.Fatalf("touch unknown endpoint succeeded")
	}

	sess, ok := s.Get("192.0.2.10:9000")
	if !ok || sess.ConnectCode != 0x1111 {
		t.Fatalf("get: ok=%v sess=%+v", ok, sess)
	}
	if !sess.LastSeen.Equal(t0.Add(time.Second)) {
		t.Fatalf("last seen=%v", sess.LastSeen)
	}

	if !s.Remove("192.0.2.10:9000") {
		t.Fatalf("remove known endpoint failed")
	}
	if s.Remove("192.0.2.10:9000") {
		t.Fatalf("remove twice succeeded")
	}
}

func TestSessionStore_UpsertKeepsConnectedAt(t *testing.T) {
	s := NewSessionStore()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Upsert("192.0.2.10:9000", 0x1111, t0)
	s.Upsert("192.0.2.10:9000", 0x2222, t0.Add(time.Minute))

	sess, _ := s.Get("192.0.2.10:9000")
	if !sess.ConnectedAt.Equal(t0) {
		t.Fatalf("connected at moved: %v", sess.ConnectedAt)
	}
	if sess.ConnectCode != 0x2222 {
		t.Fatalf("connect code not updated: %#x", sess.ConnectCode)
	}
}

func TestSessionStore_SweepStale(t *testing.T) {
	s := NewSessionStore()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Upsert("192.0.2.10:9000", 1, t0)
	s.Upsert("192.0.2.11:9000", 2, t0.Add(50*time.Second))

	removed := s.SweepStale(t0.Add(time.Minute), time.Minute)
	if len(removed) != 1 || removed[0] != "192.0.2.10:9000" {
		t.Fatalf("removed=%v", removed)
	}
	if s.Count() != 1 {
		t.Fatalf("count=%d", s.Count())
	}

	if got := s.SweepStale(t0, 0); got != nil {
		t.Fatalf("maxAge 0 swept %v", got)
	}
}
