package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinyserve/staticd/internal/config"
	"github.com/tinyserve/staticd/internal/server"
)

// State is where a Service is in its lifecycle
type State int32

const (
	StateIdle State = iota
	StateListening
	StateRebinding
	StateStopped
)

func (st State) String() string {
	switch st {
	case StateListening:
		return "listening"
	case StateRebinding:
		return "rebinding"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Service is the root lifecycle owner: it binds the listener, runs the
// accept loop and rebinds when the configured address changes
type Service struct {
	cfg Config

	state           atomic.Int32
	started         chan struct{}
	shutdown        chan struct{}
	shutdownStarted atomic.Bool
	rebind          chan struct{}

	store      *config.Store
	dispatcher *server.Dispatcher
	watcher    *config.Watcher

	addr   string
	addrMu sync.Mutex

	logger *zap.Logger
}

// New creates a new Service with the given configuration
func New(cfg Config, baseLogger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		started:  make(chan struct{}),
		shutdown: make(chan struct{}),
		rebind:   make(chan struct{}, 1),
		logger:   baseLogger.Named("service"),
	}
}

// Initialize loads the settings and wires the dispatcher (idempotent)
func (s *Service) Initialize(ctx context.Context) error {
	if s.store != nil {
		return nil
	}

	log := s.logger.Sugar()
	log.Infow("initializing", "settings", s.cfg.SettingsPath, "credentials", s.cfg.CredentialsPath)

	store := config.NewStore(s.cfg.SettingsPath, s.logger)
	store.OnChange(func(old, new config.Config) {
		if old.Addr() == new.Addr() {
			return
		}
		log.Infow("listen address changed", "old", old.Addr(), "new", new.Addr())
		select {
		case s.rebind <- struct{}{}:
		default:
		}
	})

	if s.cfg.Watch {
		w, err := config.NewWatcher(store, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create settings watcher: %w", err)
		}
		s.watcher = w
	}

	s.store = store
	s.dispatcher = server.NewDispatcher(store, s.cfg.CredentialsPath, s.logger)
	return nil
}

// Store returns the config store, nil before Initialize
func (s *Service) Store() *config.Store {
	return s.store
}

// Addr returns the address the listener is currently bound to
func (s *Service) Addr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run binds the listener and serves until shutdown or ctx cancellation.
// A bind failure at startup is returned immediately.
func (s *Service) Run(ctx context.Context) error {
	log := s.logger.Sugar()

	select {
	case <-s.started:
		log.Errorw("service already started")
		return nil
	default:
	}

	if s.store == nil {
		return fmt.Errorf("service not initialized - call Initialize() first")
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch settings file: %w", err)
		}
		defer func() {
			if err := s.watcher.Stop(); err != nil {
				log.Warnw("failed to stop settings watcher", "error", err)
			}
		}()
	}

	ln, err := s.listen(s.store.Current().Addr())
	if err != nil {
		return err
	}

	s.setState(StateListening)
	defer s.setState(StateStopped)
	close(s.started)

	for {
		rebind, err := s.serve(ctx, ln)
		if err != nil {
			return err
		}
		if !rebind {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		s.setState(StateRebinding)
		prev := ln.Addr().String()
		next := s.store.Current().Addr()
		ln, err = s.listen(next)
		if err != nil {
			log.Errorw("failed to bind new address, keeping previous", "addr", next, "error", err)
			if ln, err = s.listen(prev); err != nil {
				return err
			}
		}
		s.setState(StateListening)
	}
}

func (s *Service) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	s.logger.Sugar().Infow("listening", "addr", s.addr)
	return ln, nil
}

// serve runs the accept loop on ln until it is closed. It reports whether
// the close was a rebind rather than a shutdown.
func (s *Service) serve(ctx context.Context, ln net.Listener) (bool, error) {
	var rebind atomic.Bool
	done := make(chan struct{})

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer close(done)
		return s.acceptLoop(ln)
	})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		case <-s.rebind:
			rebind.Store(true)
		case <-done:
			return nil
		}
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	err := eg.Wait()
	return rebind.Load(), err
}

// acceptLoop handles connections one at a time; the next Accept happens
// only after the previous connection has been closed
func (s *Service) acceptLoop(ln net.Listener) error {
	log := s.logger.Sugar()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, time.Second)
			}
			log.Errorw("accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.handle(conn)
	}
}

func (s *Service) handle(conn net.Conn) {
	id := uuid.NewString()
	log := s.logger.Sugar().With("conn", id)
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debugw("failed to close connection", "error", err)
		}
	}()

	log.Debugw("accepted", "remote", conn.RemoteAddr().String())
	if s.cfg.ReadTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			log.Errorw("failed to set deadline", "error", err)
			return
		}
	}
	if err := s.dispatcher.ServeConn(conn, id); err != nil {
		log.Errorw("failed to handle connection", "error", err)
	}
}

// Shutdown closes the listener and makes Run return. It does not wait.
// Only the first call has an effect; it reports whether this call was it.
func (s *Service) Shutdown() bool {
	if !s.shutdownStarted.CompareAndSwap(false, true) {
		return false
	}
	s.logger.Sugar().Infow("shutdown requested", "addr", s.Addr(), "state", s.State())
	close(s.shutdown)
	return true
}

// Started is closed once the listener is bound
func (s *Service) Started() <-chan struct{} {
	return s.started
}

func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Sugar().Debugw("state changed", "from", prev, "to", next)
	}
}
