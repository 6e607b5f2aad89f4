package vault

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxMintAttempts bounds re-rolls when a fresh token collides.
const maxMintAttempts = 8

// Session is the in-memory vault for one session id. It is safe for
// concurrent use; writers should still hold the session through a Manager
// Handle so that persistence sees a consistent set.
type Session struct {
	id string

	mu        sync.RWMutex
	entries   map[string]Entry
	order     []string
	persisted int
	now       func() time.Time
}

// NewSession returns an empty session. Use Manager.Open for sessions backed
// by a store.
func NewSession(id string) (*Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	return &Session{id: id, entries: make(map[string]Entry), now: time.Now}, nil
}

// loadSession seeds a session with entries already in the store.
func loadSession(id string, stored map[string]Entry) *Session {
	s := &Session{id: id, entries: make(map[string]Entry, len(stored)), now: time.Now}
	for _, e := range sortEntries(stored) {
		s.entries[e.Placeholder] = e
		s.order = append(s.order, e.Placeholder)
	}
	s.persisted = len(s.order)
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Get returns the entry for placeholder.
func (s *Session) Get(placeholder string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[placeholder]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, placeholder)
	}
	return e, nil
}

// Lookup returns the original value for placeholder. It satisfies the
// rehydrator's lookup interface.
func (s *Session) Lookup(placeholder string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[placeholder]
	return e.OriginalValue, ok
}

// LookupAll resolves many placeholders at once. Missing ones are absent
// from the result.
func (s *Session) LookupAll(placeholders []string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(placeholders))
	for _, p := range placeholders {
		if e, ok := s.entries[p]; ok {
			out[p] = e.OriginalValue
		}
	}
	return out
}

// Contains reports whether placeholder is present.
func (s *Session) Contains(placeholder string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[placeholder]
	return ok
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Put inserts a single entry. Existing placeholders are never overwritten.
func (s *Session) Put(e Entry) error {
	if !IsPlaceholder(e.Placeholder) {
		return fmt.Errorf("malformed placeholder %q", e.Placeholder)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Placeholder]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlaceholder, e.Placeholder)
	}
	s.entries[e.Placeholder] = e
	s.order = append(s.order, e.Placeholder)
	return nil
}

// Entries returns a snapshot ordered by creation time, then placeholder.
func (s *Session) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortEntries(s.entries)
}

// Prefixes returns the distinct placeholder prefixes present in the session.
func (s *Session) Prefixes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for p := range s.entries {
		i := strings.LastIndexByte(p, '_')
		if i < 0 {
			continue
		}
		prefix := p[:i+1]
		if !seen[prefix] {
			seen[prefix] = true
			out = append(out, prefix)
		}
	}
	sort.Strings(out)
	return out
}

// unpersisted returns entries added since the last markPersisted, in
// insertion order.
func (s *Session) unpersisted() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.order)-s.persisted)
	for _, p := range s.order[s.persisted:] {
		out = append(out, s.entries[p])
	}
	return out
}

func (s *Session) markPersisted() {
	s.mu.Lock()
	s.persisted = len(s.order)
	s.mu.Unlock()
}

// rollback discards entries that never reached the store.
func (s *Session) rollback() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.order[s.persisted:]
	for _, p := range dropped {
		delete(s.entries, p)
	}
	s.order = s.order[:s.persisted]
	return len(dropped)
}

// Stage starts a batch of pending entries. Nothing becomes visible in the
// session until Commit.
func (s *Session) Stage() *Batch {
	return &Batch{session: s, pending: make(map[string]bool)}
}

// Batch collects entries minted during one transformation.
type Batch struct {
	session   *Session
	entries   []Entry
	pending   map[string]bool
	committed bool
}

// Mint creates an entry for original under prefix, re-rolling on collision
// with the session or the batch itself.
func (b *Batch) Mint(original, prefix string, tokens TokenSource) (Entry, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !ValidPrefix(prefix) {
		return Entry{}, fmt.Errorf("invalid placeholder prefix %q", prefix)
	}
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		token, err := tokens.Token()
		if err != nil {
			return Entry{}, err
		}
		placeholder := prefix + token
		if !IsPlaceholder(placeholder) {
			return Entry{}, fmt.Errorf("token source produced malformed token %q", token)
		}
		if b.pending[placeholder] || b.session.Contains(placeholder) {
			continue
		}
		e := Entry{Placeholder: placeholder, OriginalValue: original, CreatedAt: b.session.now().UTC()}
		b.pending[placeholder] = true
		b.entries = append(b.entries, e)
		return e, nil
	}
	return Entry{}, ErrTokenExhausted
}

// Entries returns the staged entries in mint order.
func (b *Batch) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of staged entries.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Commit applies all staged entries or none of them.
func (b *Batch) Commit() error {
	if b.committed {
		return fmt.Errorf("batch already committed")
	}
	s := b.session
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range b.entries {
		if _, ok := s.entries[e.Placeholder]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePlaceholder, e.Placeholder)
		}
	}
	for _, e := range b.entries {
		s.entries[e.Placeholder] = e
		s.order = append(s.order, e.Placeholder)
	}
	b.committed = true
	return nil
}

func sortEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Placeholder < out[j].Placeholder
	})
	return out
}
