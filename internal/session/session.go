// Package session implements the cookie/session layer (spec §4.8): parsing
// the Cookie header, issuing opaque session identifiers, and sweeping
// expired entries. The map is owned exclusively by the event loop goroutine
// (spec §5): nothing here takes a lock.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultCookieName is the conventional session cookie name. It is not
// applied automatically: a server block that leaves session_cookie unset
// issues no session cookies.
const DefaultCookieName = "SESSIONID"

// Entry is one issued session: its key/value map and expiry.
type Entry struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
	Values    map[string]string
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store owns the session map. Callers must only touch it from the event
// loop goroutine.
type Store struct {
	entries map[string]*Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Issue creates a new session with at least 128 bits of entropy (16 bytes
// from crypto/rand, hex-encoded), valid for ttl.
func (s *Store) Issue(ttl time.Duration) *Entry {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("session: reading random identifier: " + err.Error())
	}
	now := time.Now()
	e := &Entry{
		ID:        hex.EncodeToString(raw[:]),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Values:    make(map[string]string),
	}
	s.entries[e.ID] = e
	return e
}

// Lookup returns the session for id if present and unexpired.
func (s *Store) Lookup(id string) (*Entry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, id)
		return nil, false
	}
	return e, true
}

// Sweep removes expired entries; called once per event-loop timer sweep
// (spec §4.8: "expired entries are removed by a periodic sweep from the
// event loop").
func (s *Store) Sweep() int {
	now := time.Now()
	removed := 0
	for id, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// ParseCookies tokenizes a Cookie header value into name/value pairs.
// Names are case-sensitive; a duplicate name keeps the first occurrence
// (spec §4.8).
func ParseCookies(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if _, exists := out[name]; exists {
			continue
		}
		out[name] = strings.TrimSpace(val)
	}
	return out
}

// SetCookieHeader renders a Set-Cookie directive for a newly issued session,
// per spec §4.8: "Set-Cookie: <key>=<id>; Path=/; HttpOnly; Max-Age=<ttl>".
func SetCookieHeader(cookieName, id string, ttl time.Duration) string {
	var b strings.Builder
	b.WriteString(cookieName)
	b.WriteByte('=')
	b.WriteString(id)
	b.WriteString("; Path=/; HttpOnly; Max-Age=")
	b.WriteString(durationSeconds(ttl))
	return b.String()
}

func durationSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}
