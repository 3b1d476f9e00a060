package config

import (
	"sync"

	"go.uber.org/zap"
)

// Store owns the settings file and the in-memory copy of it
type Store struct {
	path      string
	current   Config
	listeners []func(old, new Config)
	mu        sync.Mutex

	logger *zap.Logger
}

// NewStore loads the settings file at path, falling back to the default
// Config when it is missing or invalid
func NewStore(path string, logger *zap.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger.Named("config"),
	}
	cfg, err := Load(path)
	if err != nil {
		s.logger.Sugar().Warnw("using default config", "path", path, "error", err)
	}
	s.current = cfg
	return s
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Current() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnChange registers fn to be called after the current Config changes.
// Callbacks run synchronously on the goroutine that made the change.
func (s *Store) OnChange(fn func(old, new Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Update writes cfg to the settings file and makes it current
func (s *Store) Update(cfg Config) error {
	if err := Save(s.path, cfg); err != nil {
		return err
	}
	s.swap(cfg)
	return nil
}

// Reload re-reads the settings file. Unlike NewStore, an invalid file
// leaves the current Config in place.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.swap(cfg)
	return nil
}

func (s *Store) swap(cfg Config) {
	s.mu.Lock()
	old := s.current
	s.current = cfg
	listeners := append([]func(old, new Config){}, s.listeners...)
	s.mu.Unlock()

	if old == cfg {
		return
	}
	s.logger.Sugar().Infow("config changed",
		"host", cfg.Host,
		"port", cfg.Port,
		"static_dir", cfg.StaticDir,
	)
	for _, fn := range listeners {
		fn(old, cfg)
	}
}
