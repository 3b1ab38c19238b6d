package session

import (
	"testing"
	"time"
)

func TestParseCookiesDuplicateKeepsFirst(t *testing.T) {
	got := ParseCookies("SESSIONID=abc; SESSIONID=def; theme=dark")
	if got["SESSIONID"] != "abc" {
		t.Errorf("SESSIONID = %q, want abc", got["SESSIONID"])
	}
	if got["theme"] != "dark" {
		t.Errorf("theme = %q, want dark", got["theme"])
	}
}

func TestParseCookiesCaseSensitiveNames(t *testing.T) {
	got := ParseCookies("Session=a; session=b")
	if got["Session"] != "a" || got["session"] != "b" {
		t.Errorf("got %+v", got)
	}
}

func TestStoreIssueAndLookup(t *testing.T) {
	s := NewStore()
	e := s.Issue(time.Minute)
	if len(e.ID) == 0 {
		t.Fatal("empty session id")
	}

	got, ok := s.Lookup(e.ID)
	if !ok || got.ID != e.ID {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}
}

func TestStoreSweepRemovesExpired(t *testing.T) {
	s := NewStore()
	e := s.Issue(-time.Second) // already expired

	if n := s.Sweep(); n != 1 {
		t.Fatalf("swept %d entries, want 1", n)
	}
	if _, ok := s.Lookup(e.ID); ok {
		t.Fatal("expired entry should be gone")
	}
}

func TestSetCookieHeaderFormat(t *testing.T) {
	got := SetCookieHeader("SESSIONID", "abc123", 30*time.Minute)
	want := "SESSIONID=abc123; Path=/; HttpOnly; Max-Age=1800"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
