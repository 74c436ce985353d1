package sandbox

import "sync"

// session is the isolated per-plugin workspace backing one execution
// context: an in-memory cache plus the handle to the installation's
// settings namespace. Destroying the context wipes both.
type session struct {
	pluginID       string
	installationID string

	mu    sync.RWMutex
	cache map[string]any
}

func newSession(pluginID, installationID string) *session {
	return &session{
		pluginID:       pluginID,
		installationID: installationID,
		cache:          make(map[string]any),
	}
}

func (s *session) get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

func (s *session) put(key string, value any) {
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
}

func (s *session) clear() {
	s.mu.Lock()
	s.cache = make(map[string]any)
	s.mu.Unlock()
}
