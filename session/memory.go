package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Suitable for single-process
// deployments and tests; multi-process deployments need the postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	done     chan struct{}
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *s
	m.sessions[s.State] = &stored
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, state string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.sessions, state)

	if s.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for state, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, state)
			purged++
		}
	}
	return purged, nil
}

// StartJanitor purges expired sessions on the given interval until Close.
func (m *MemoryStore) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.PurgeExpired(context.Background(), time.Now().UTC())
			}
		}
	}()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Len reports the number of stored sessions, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
