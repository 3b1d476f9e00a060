package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 50 * time.Millisecond

// Watcher reloads a Store when its settings file changes on disk.
// The parent directory is watched rather than the file itself so that
// rename-over writes, including our own Save, are observed.
type Watcher struct {
	store   *Store
	fw      *fsnotify.Watcher
	done    chan struct{}
	exited  chan struct{}
	running bool
	stopped bool
	mu      sync.Mutex

	logger *zap.Logger
}

func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:  store,
		fw:     fw,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger.Named("watcher"),
	}, nil
}

// Start begins watching in the background
func (w *Watcher) Start() error {
	target, err := filepath.Abs(w.store.Path())
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.running {
		return nil
	}
	if err := w.fw.Add(filepath.Dir(target)); err != nil {
		return err
	}
	w.running = true
	go w.loop(target)
	return nil
}

func (w *Watcher) loop(target string) {
	defer close(w.exited)
	log := w.logger.Sugar()
	// A burst of events collapses into a single reload once it settles
	timer := time.NewTimer(debounceInterval)
	timer.Stop()
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounceInterval)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnw("watch error", "error", err)
		case <-timer.C:
			if err := w.store.Reload(); err != nil {
				log.Warnw("ignoring invalid settings file", "path", target, "error", err)
			}
		case <-w.done:
			timer.Stop()
			return
		}
	}
}

// Stop ends monitoring and waits for the background goroutine to exit.
// Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.done)
	err := w.fw.Close()
	if w.running {
		<-w.exited
	}
	return err
}
