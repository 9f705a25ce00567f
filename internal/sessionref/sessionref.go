// Package sessionref keeps the small per-client record that lets a browser
// find its chat-survey run again, and notifies observers when it changes.
package sessionref

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

var (
	ErrClosed        = errors.New("session reference store is closed")
	ErrEmptyClientID = errors.New("client id is required")
	ErrEmptyRunID    = errors.New("run id is required")
)

// Event reports a change to one client's reference. Ref is nil when the
// reference was cleared.
type Event struct {
	ClientID string             `json:"clientId"`
	Ref      *models.SessionRef `json:"ref"`
	// Origin is the instance that made the change.
	Origin string `json:"origin,omitempty"`
}

// Store is an observable session-reference store.
type Store interface {
	Get(ctx context.Context, clientID string) (*models.SessionRef, error)
	Put(ctx context.Context, clientID string, ref models.SessionRef) error
	Clear(ctx context.Context, clientID string) error
	// Subscribe registers fn for every change. The returned func removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}

func validate(clientID string, ref *models.SessionRef) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrEmptyClientID
	}
	if ref != nil && strings.TrimSpace(ref.RunID) == "" {
		return ErrEmptyRunID
	}
	return nil
}

// hub is the subscriber set shared by the store implementations.
type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(Event)
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]func(Event))}
}

func (h *hub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// emit calls subscribers outside the lock so they may unsubscribe.
func (h *hub) emit(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	h.subs = make(map[int]func(Event))
	return true
}

func (h *hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// MemoryStore keeps references in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	refs map[string]models.SessionRef
	hub  *hub
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refs: make(map[string]models.SessionRef), hub: newHub()}
}

func (s *MemoryStore) Get(ctx context.Context, clientID string) (*models.SessionRef, error) {
	if err := validate(clientID, nil); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.refs[clientID]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (s *MemoryStore) Put(ctx context.Context, clientID string, ref models.SessionRef) error {
	if err := validate(clientID, &ref); err != nil {
		return err
	}
	if s.hub.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	s.refs[clientID] = ref
	s.mu.Unlock()
	s.hub.emit(Event{ClientID: clientID, Ref: &ref})
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, clientID string) error {
	if err := validate(clientID, nil); err != nil {
		return err
	}
	if s.hub.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	delete(s.refs, clientID)
	s.mu.Unlock()
	s.hub.emit(Event{ClientID: clientID})
	return nil
}

func (s *MemoryStore) Subscribe(fn func(Event)) func() {
	return s.hub.subscribe(fn)
}

// Close drops every subscriber.
func (s *MemoryStore) Close() error {
	s.hub.close()
	return nil
}
