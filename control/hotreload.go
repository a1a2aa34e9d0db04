// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Holds the live configuration and re-reads it on demand. Hooks receive
// every accepted configuration and apply the fields they can change at
// runtime.

package control

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the reloadable configuration.
type Store struct {
	mu    sync.RWMutex
	path  string
	cfg   Config
	hooks []func(Config)
}

// NewStore starts from cfg; Reload re-reads path.
func NewStore(cfg Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Current returns the last accepted configuration.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// OnReload registers a hook run synchronously after each Reload.
func (s *Store) OnReload(fn func(Config)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Reload re-reads the file. An invalid file leaves the current
// configuration in place. Without a file the current configuration is
// handed to the hooks again.
func (s *Store) Reload() error {
	if s.path == "" {
		s.mu.RLock()
		cfg := s.cfg
		hooks := append([]func(Config){}, s.hooks...)
		s.mu.RUnlock()
		for _, fn := range hooks {
			fn(cfg)
		}
		logrus.Debug("no config file, reapplied current config")
		return nil
	}
	cfg, err := LoadConfig(s.path)
	if err != nil {
		logrus.Warnf("config reload rejected: %v", err)
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	hooks := append([]func(Config){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
	logrus.Infof("config reloaded from %q", s.path)
	return nil
}
