package config

import (
	"errors"
	"sync"
)

// Store is the process-wide configuration handle. Readers always observe a
// complete snapshot; writers swap the whole struct under an exclusive lock.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore returns a store holding a copy of cfg.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	return &Store{cfg: cfg.Clone()}
}

// Get returns the current snapshot. The returned value is a copy; changing it
// does not affect the store.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg.Clone()
}

// Replace validates cfg and installs a copy of it.
func (s *Store) Replace(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil replacement")
	}
	next := cfg.Clone()
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()
	return nil
}

// Update applies fn to a copy of the current configuration and installs the
// result. The lock is held across fn so concurrent updates do not interleave.
// A failed validation or a panic in fn leaves the current value in place.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	return nil
}
