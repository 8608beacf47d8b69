// Package daemon hosts the tabmuxd IPC server: a unix domain socket
// speaking newline-delimited JSON, a flock-guarded single instance, and
// the dispatch loop that owns profile sessions, the oneshot pool, and the
// TTL sweep.
package daemon

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/db"
	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/pool"
	"github.com/tabmux/tabmux/internal/protocol"
	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/internal/session"
	"github.com/tabmux/tabmux/internal/webdriver"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 10 * 1024 * 1024
)

// SessionFactory materializes a live browser session for a profile. The
// default implementation ensures a driver process is running and opens a
// WebDriver session against it; tests substitute a fake.
type SessionFactory func(ctx context.Context, cfg model.ProfileConfig) (*session.Session, error)

type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *db.Store
	registry   *registry.Registry
	supervisor *webdriver.Supervisor
	factory    SessionFactory
	oneshots   *pool.Pool[*pooledSession]

	token     string
	startedAt time.Time

	// mu guards sessions, lastSweep, listener and lockFile. It is never
	// held across an engine round-trip.
	mu        sync.Mutex
	sessions  map[string]*session.Session
	lastSweep time.Time
	listener  net.Listener
	lockFile  *os.File

	profileMu    sync.Mutex
	profileLocks map[string]*profileLockEntry

	conns       sync.WaitGroup
	stopOnce    sync.Once
	stopCh      chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

// profileLockEntry serializes session materialization per profile so
// concurrent first requests create exactly one session.
type profileLockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewServer(cfg config.Config, logger *slog.Logger, store *db.Store) *Server {
	s := newServer(cfg, logger, store)
	s.supervisor = webdriver.NewSupervisor(cfg, logger)
	s.factory = s.driverFactory
	s.oneshots = pool.New(s.oneshotFactory, cfg.PoolSize, cfg.PoolMaxAge, int64(cfg.PoolSize), logger)
	return s
}

// NewServerWithDeps wires an explicit registry, session factory and pool
// factory. Used by tests to run the full dispatch path against fakes.
func NewServerWithDeps(cfg config.Config, logger *slog.Logger, store *db.Store, reg *registry.Registry, factory SessionFactory, poolFactory pool.Factory[*pooledSession]) *Server {
	s := newServer(cfg, logger, store)
	s.registry = reg
	s.factory = factory
	if poolFactory != nil {
		s.oneshots = pool.New(poolFactory, cfg.PoolSize, cfg.PoolMaxAge, int64(cfg.PoolSize), logger)
	}
	return s
}

func newServer(cfg config.Config, logger *slog.Logger, store *db.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		token:        uuid.NewString(),
		startedAt:    time.Now().UTC(),
		sessions:     map[string]*session.Session{},
		lastSweep:    time.Now(),
		profileLocks: map[string]*profileLockEntry{},
		stopCh:       make(chan struct{}),
	}
}

// Token returns the per-run auth token. Exposed for tests.
func (s *Server) Token() string { return s.token }

// driverFactory is the production SessionFactory.
func (s *Server) driverFactory(ctx context.Context, pc model.ProfileConfig) (*session.Session, error) {
	endpoint, err := s.supervisor.EnsureRunning(ctx, pc.Engine)
	if err != nil {
		return nil, err
	}
	opts := webdriver.SessionOptions{
		Engine:   pc.Engine,
		Headless: pc.Headless,
		Viewport: pc.Viewport,
	}
	if pc.PersistCookies || pc.PersistStorage {
		dir := filepath.Join(filepath.Dir(s.cfg.RegistryPath), "profiles", pc.Name)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		opts.ProfileDir = dir
	}
	drv, err := webdriver.NewSession(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return session.New(ctx, drv, pc.Engine, s.logger)
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	if s.registry == nil {
		reg, err := registry.Load(s.cfg.RegistryPath, s.logger)
		if err != nil {
			s.releaseLock() //nolint:errcheck
			return err
		}
		s.registry = reg
	}
	if err := s.writeToken(); err != nil {
		s.releaseLock() //nolint:errcheck
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.stopCh:
				default:
					if !errors.Is(err, net.ErrClosed) {
						s.logger.Error("accept", "error", err)
					}
				}
				return
			}
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handleConn(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.Shutdown(shutdownCtx)
	<-acceptDone
	return err
}

// requestStop unblocks Start; idempotent.
func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.requestStop()
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		sessions := s.sessions
		s.sessions = map[string]*session.Session{}
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for name, sess := range sessions {
			if err := sess.Shutdown(ctx); err != nil {
				s.logger.Warn("shutdown session", "profile", name, "error", err)
			}
		}
		if s.oneshots != nil {
			s.oneshots.CloseAll(ctx)
		}
		if s.supervisor != nil {
			s.supervisor.StopAll()
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if s.cfg.TokenPath != "" {
			if err := os.Remove(s.cfg.TokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// handleConn owns one client connection. The first line must be a valid
// auth request; anything else closes the connection before any dispatch.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	enc := json.NewEncoder(conn)

	if !scanner.Scan() {
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		_ = enc.Encode(protocol.Error(protocol.CodeAuthRejected, "authentication required"))
		return
	}
	if req.Op != protocol.OpAuth || !s.authorize(req) {
		_ = enc.Encode(protocol.Error(protocol.CodeAuthRejected, "authentication required"))
		return
	}
	if err := enc.Encode(protocol.OK(nil)); err != nil {
		return
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(protocol.Error(protocol.CodeBadRequest, fmt.Sprintf("invalid request: %v", err))); err != nil {
				return
			}
			continue
		}
		if req.Op == protocol.OpShutdown {
			// Respond before tearing down so the client sees the ack.
			_ = enc.Encode(protocol.OK(nil))
			time.Sleep(s.cfg.ShutdownGrace)
			s.requestStop()
			return
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) authorize(req protocol.Request) bool {
	var args protocol.AuthArgs
	if err := req.DecodeArgs(&args); err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(args.Token), []byte(s.token)) == 1
}

func (s *Server) writeToken() error {
	if s.cfg.TokenPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.TokenPath), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.cfg.TokenPath, []byte(s.token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
