// Package settings is the namespaced per-installation settings store.
// Each installation owns one JSON document addressed by path expressions;
// an installation can never reach outside its own namespace because the
// namespace key is bound by the host, not chosen by the extension.
package settings

import (
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrBadPath is returned when a path expression cannot be written.
var ErrBadPath = errors.New("invalid settings path")

// Store holds one JSON settings document per namespace.
type Store struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[string]string)}
}

// Get reads the value at a path inside the namespace's document.
func (s *Store) Get(namespace, path string) (any, bool) {
	s.mu.RLock()
	doc, ok := s.docs[namespace]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	res := gjson.Get(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Set writes the value at a path inside the namespace's document,
// creating the document on first write.
func (s *Store) Set(namespace, path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[namespace]
	if !ok {
		doc = "{}"
	}
	updated, err := sjson.Set(doc, path, value)
	if err != nil {
		return errors.Join(ErrBadPath, err)
	}
	s.docs[namespace] = updated
	return nil
}

// Delete removes the value at a path. Missing paths are a no-op.
func (s *Store) Delete(namespace, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[namespace]
	if !ok {
		return nil
	}
	updated, err := sjson.Delete(doc, path)
	if err != nil {
		return errors.Join(ErrBadPath, err)
	}
	s.docs[namespace] = updated
	return nil
}

// Clear drops the namespace's entire document.
func (s *Store) Clear(namespace string) {
	s.mu.Lock()
	delete(s.docs, namespace)
	s.mu.Unlock()
}

// Document returns the namespace's raw JSON document, or "{}" when the
// namespace has never been written.
func (s *Store) Document(namespace string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc, ok := s.docs[namespace]; ok {
		return doc
	}
	return "{}"
}
