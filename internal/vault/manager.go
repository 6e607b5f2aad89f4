package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager hands out exclusive access to sessions backed by a Store. Each
// session id has its own lock; different sessions never block each other.
type Manager struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewManager wraps store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, slots: make(map[string]*slot)}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Handle is exclusive access to one session until Release.
type Handle struct {
	session  *Session
	manager  *Manager
	released bool
}

// Open acquires the session lock and loads the session from the store. With
// create set, a missing vault yields an empty session instead of
// ErrVaultNotFound.
func (m *Manager) Open(ctx context.Context, id string, create bool) (*Handle, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if err := m.acquire(ctx, id); err != nil {
		return nil, err
	}

	stored, err := m.store.Load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrVaultNotFound) && create:
		stored = nil
	default:
		m.release(id)
		return nil, err
	}

	m.logger.Debug("Vault session opened",
		zap.String("session_id", id),
		zap.Int("entries", len(stored)))
	return &Handle{session: loadSession(id, stored), manager: m}, nil
}

// Session returns the held session.
func (h *Handle) Session() *Session {
	return h.session
}

// Persist appends every entry not yet in the store. On failure the
// unpersisted entries are dropped from the session so memory matches the
// store.
func (h *Handle) Persist(ctx context.Context) error {
	if h.released {
		return fmt.Errorf("vault session %q: handle already released", h.session.id)
	}
	pending := h.session.unpersisted()
	if len(pending) == 0 {
		return nil
	}
	if err := h.manager.store.Append(ctx, h.session.id, pending); err != nil {
		dropped := h.session.rollback()
		h.manager.logger.Warn("Vault persist failed, rolled back session",
			zap.String("session_id", h.session.id),
			zap.Int("dropped", dropped),
			zap.Error(err))
		return err
	}
	h.session.markPersisted()
	h.manager.logger.Debug("Vault session persisted",
		zap.String("session_id", h.session.id),
		zap.Int("appended", len(pending)))
	return nil
}

// Release gives up the session lock. It is safe to call more than once.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.manager.release(h.session.id)
}

func (m *Manager) acquire(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.slots[id]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[id] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(m.slots, id)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return
	}
	<-s.sem
	s.refs--
	if s.refs == 0 {
		delete(m.slots, id)
	}
}

// Close closes the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
