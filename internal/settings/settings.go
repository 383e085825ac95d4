// Package settings is the host's plugin settings store: string values addressed by section and key.
package settings

import "sync"

// Getter is the read side plugins depend on
type Getter interface {
	Get(section, key string) (string, bool)
}

// Store is an in-memory settings store, safe for concurrent use
type Store struct {
	lock   sync.Locker
	values map[string]map[string]string
}

func NewStore() *Store {
	return &Store{
		lock:   &sync.Mutex{},
		values: make(map[string]map[string]string),
	}
}

func (s *Store) Set(section, key, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sec, ok := s.values[section]
	if !ok {
		sec = make(map[string]string)
		s.values[section] = sec
	}
	sec[key] = value
}

func (s *Store) Get(section, key string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	v, ok := s.values[section][key]
	return v, ok
}

// GetOrDefault returns the stored value, or default_ when the key is unset or empty
func GetOrDefault(g Getter, section, key, default_ string) string {
	if v, ok := g.Get(section, key); ok && v != "" {
		return v
	}

	return default_
}
