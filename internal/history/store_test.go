package history

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStoreAdd(t *testing.T) {
	s := NewStore(30)
	s.Add("abc", json.RawMessage(`{"boxes":[]}`), time.Time{})

	entries := s.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Session != "abc" || string(entries[0].Payload) != `{"boxes":[]}` {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
	if entries[0].ReceivedAt.IsZero() {
		t.Error("zero time should be replaced with now")
	}
}

func TestStoreMaxSize(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 10; i++ {
		s.Add("", json.RawMessage(`{}`), time.Time{})
	}

	if s.Len() != 5 {
		t.Errorf("expected 5 entries, got %d", s.Len())
	}
}

func TestStoreKeepsNewest(t *testing.T) {
	s := NewStore(2)
	base := time.Now()
	for i, p := range []string{`1`, `2`, `3`} {
		s.Add("", json.RawMessage(p), base.Add(time.Duration(i)*time.Millisecond))
	}

	got := s.Recent(0)
	if len(got) != 2 || string(got[0].Payload) != "2" || string(got[1].Payload) != "3" {
		t.Errorf("Recent(0) = %+v, want payloads 2,3", got)
	}
}

func TestRecentWindow(t *testing.T) {
	now := time.Now()
	s := NewStore(10)
	s.now = func() time.Time { return now }

	s.Add("", json.RawMessage(`"old"`), now.Add(-5*time.Minute))
	s.Add("", json.RawMessage(`"new"`), now.Add(-time.Second))

	recent := s.Recent(time.Minute)
	if len(recent) != 1 || string(recent[0].Payload) != `"new"` {
		t.Errorf("Recent(1m) = %+v, want only the new entry", recent)
	}
}

func TestRecentReturnsCopy(t *testing.T) {
	s := NewStore(10)
	s.Add("a", json.RawMessage(`{}`), time.Time{})

	got := s.Recent(0)
	got[0].Session = "mutated"

	if s.Recent(0)[0].Session != "a" {
		t.Error("Recent must not expose internal storage")
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	s.Add("x", nil, time.Time{})
	if s.Len() != 0 || s.Recent(0) != nil {
		t.Error("nil store should be inert")
	}
}

func TestDefaultSize(t *testing.T) {
	if s := NewStore(0); s.maxSize != DefaultMaxEntries {
		t.Errorf("maxSize = %d, want %d", s.maxSize, DefaultMaxEntries)
	}
}
