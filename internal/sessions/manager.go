package sessions

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/nanobot-ai/nanobot/internal/store"
)

// maxCached bounds the in-memory session cache. Evicted sessions are not
// lost: every save writes through to SQLite, so a cache miss just reloads.
const maxCached = 500

// Manager is a write-through LRU cache over the session store with per-key
// locks. Callers that read-modify-write a session (the agent loop) take the
// key lock around the whole sequence so concurrent messages for the same
// conversation serialize instead of clobbering each other.
type Manager struct {
	db *store.DB

	mu    sync.Mutex
	cache map[string]*list.Element // key -> *cacheEntry element
	lru   *list.List               // front = most recently used
	locks map[string]*keyLock
}

type cacheEntry struct {
	key     string
	session *store.Session
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(db *store.DB) *Manager {
	return &Manager{
		db:    db,
		cache: make(map[string]*list.Element),
		lru:   list.New(),
		locks: make(map[string]*keyLock),
	}
}

// Lock acquires the per-key lock and returns the release func. The lock
// entry is reference-counted so cache eviction never invalidates a lock
// another goroutine is holding.
func (m *Manager) Lock(key string) func() {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// GetOrCreate returns the session for key, loading from the store on a
// cache miss and creating a fresh one when none is persisted. The returned
// session is the cached instance; hold Lock(key) while mutating it.
func (m *Manager) GetOrCreate(key string) (*store.Session, error) {
	if s := m.cached(key); s != nil {
		return s, nil
	}

	s, err := m.db.GetSession(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		now := time.Now()
		s = &store.Session{Key: key, Created: now, Updated: now}
	}
	m.insert(key, s)
	return s, nil
}

// Get returns the session for key, or nil when it exists neither in cache
// nor in the store.
func (m *Manager) Get(key string) (*store.Session, error) {
	if s := m.cached(key); s != nil {
		return s, nil
	}
	s, err := m.db.GetSession(key)
	if err != nil || s == nil {
		return nil, err
	}
	m.insert(key, s)
	return s, nil
}

// Save persists the session and refreshes its cache slot. The write is
// atomic at the store layer.
func (m *Manager) Save(s *store.Session) error {
	if err := m.db.SaveSession(s); err != nil {
		return err
	}
	m.insert(s.Key, s)
	return nil
}

// Delete removes the session from cache and store.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	if el, ok := m.cache[key]; ok {
		m.lru.Remove(el)
		delete(m.cache, key)
	}
	m.mu.Unlock()
	return m.db.DeleteSession(key)
}

// List returns lightweight info for all persisted sessions, newest first.
func (m *Manager) List() ([]store.SessionInfo, error) {
	return m.db.ListSessions()
}

// GetMessages pages through a session's log without populating the cache.
func (m *Manager) GetMessages(key string, limit, beforeSequence int) ([]store.Message, error) {
	return m.db.GetMessages(key, limit, beforeSequence)
}

// Cached reports how many sessions are resident. Exposed for the status
// command.
func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func (m *Manager) cached(key string) *store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.cache[key]
	if !ok {
		return nil
	}
	m.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).session
}

func (m *Manager) insert(key string, s *store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.cache[key]; ok {
		el.Value.(*cacheEntry).session = s
		m.lru.MoveToFront(el)
		return
	}
	m.cache[key] = m.lru.PushFront(&cacheEntry{key: key, session: s})

	for m.lru.Len() > maxCached {
		oldest := m.lru.Back()
		entry := oldest.Value.(*cacheEntry)
		m.lru.Remove(oldest)
		delete(m.cache, entry.key)
		slog.Debug("sessions.cache.evicted", "key", entry.key, "resident", m.lru.Len())
	}
}
