package webdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/model"
)

// ManagedProcess is one driver process started and owned by the Supervisor.
type ManagedProcess struct {
	Engine   model.EngineType
	Port     int
	Endpoint string
	proc     process
}

// process abstracts the OS handle so tests can fake spawned drivers.
type process interface {
	Pid() int
	Terminate() error
}

// Launcher starts a driver process listening on port.
type Launcher interface {
	Launch(engine model.EngineType, port int, logDir string) (process, error)
}

// Prober checks a driver's /status endpoint. running means the endpoint
// answered at all; ready is the driver's own readiness flag.
type Prober interface {
	Probe(ctx context.Context, endpoint string) (running, ready bool)
}

// Supervisor discovers, starts, health-checks and tears down WebDriver
// processes. Tracked processes are owned exclusively by the Supervisor;
// externally managed drivers found on well-known ports are used but never
// killed on shutdown.
type Supervisor struct {
	cfg      config.Config
	logger   *slog.Logger
	launcher Launcher
	prober   Prober
	sweeper  orphanSweeper

	mu    sync.Mutex
	procs []*ManagedProcess
}

func NewSupervisor(cfg config.Config, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		launcher: osLauncher{},
		prober:   httpProber{timeout: cfg.ProbeTimeout},
		sweeper:  platformSweeper{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// NewSupervisorWithDeps injects fakes for tests.
func NewSupervisorWithDeps(cfg config.Config, logger *slog.Logger, launcher Launcher, prober Prober) *Supervisor {
	s := NewSupervisor(cfg, logger)
	if launcher != nil {
		s.launcher = launcher
	}
	if prober != nil {
		s.prober = prober
	}
	s.sweeper = noopSweeper{}
	return s
}

// EnsureRunning returns the endpoint of a ready driver for engine, starting
// one if necessary. Exceeding the startup attempt budget is an error; it is
// never retried indefinitely.
func (s *Supervisor) EnsureRunning(ctx context.Context, engine model.EngineType) (string, error) {
	// Reuse a tracked driver if it still passes the readiness check.
	for _, p := range s.tracked(engine) {
		running, ready := s.prober.Probe(ctx, p.Endpoint)
		if running && ready {
			return p.Endpoint, nil
		}
		// Answering but not ready means a wedged driver: kill and restart.
		s.logger.Warn("tracked driver unhealthy, killing", "engine", engine, "endpoint", p.Endpoint)
		s.remove(p)
	}

	// An externally managed driver on a well-known port is used as-is.
	for _, port := range engine.PreferredPorts() {
		endpoint := "http://127.0.0.1:" + strconv.Itoa(port)
		if running, ready := s.prober.Probe(ctx, endpoint); running && ready {
			s.logger.Debug("found external driver", "engine", engine, "endpoint", endpoint)
			return endpoint, nil
		}
	}

	// Nothing answered. A previous daemon may have crashed and leaked
	// drivers holding ports; sweep orphans before starting fresh.
	s.sweeper.sweep(engine, s.trackedPids(), s.logger)

	return s.start(ctx, engine)
}

func (s *Supervisor) start(ctx context.Context, engine model.EngineType) (string, error) {
	port, err := s.freePort(engine)
	if err != nil {
		return "", fmt.Errorf("%w: no free port for %s: %v", model.ErrEngineUnavailable, engine, err)
	}
	proc, err := s.launcher.Launch(engine, port, s.cfg.EngineLogDir)
	if err != nil {
		return "", fmt.Errorf("%w: start %s: %v", model.ErrEngineUnavailable, engine.DriverBinary(), err)
	}
	managed := &ManagedProcess{
		Engine:   engine,
		Port:     port,
		Endpoint: "http://127.0.0.1:" + strconv.Itoa(port),
		proc:     proc,
	}
	s.mu.Lock()
	s.procs = append(s.procs, managed)
	s.mu.Unlock()
	s.logger.Info("started driver", "engine", engine, "port", port, "pid", proc.Pid())

	for attempt := 1; attempt <= s.cfg.EngineStartTries; attempt++ {
		if running, _ := s.prober.Probe(ctx, managed.Endpoint); running {
			return managed.Endpoint, nil
		}
		if attempt == s.cfg.EngineStartTries {
			break
		}
		select {
		case <-ctx.Done():
			s.remove(managed)
			return "", fmt.Errorf("%w: %v", model.ErrEngineUnavailable, ctx.Err())
		case <-time.After(s.cfg.EngineStartPoll):
		}
	}
	s.remove(managed)
	return "", fmt.Errorf("%w: %s did not answer on port %d within %v",
		model.ErrEngineUnavailable, engine.DriverBinary(), port,
		time.Duration(s.cfg.EngineStartTries)*s.cfg.EngineStartPoll)
}

// Kill terminates all tracked processes for engine, best effort.
func (s *Supervisor) Kill(engine model.EngineType) {
	for _, p := range s.tracked(engine) {
		s.remove(p)
	}
}

// StopAll terminates every tracked process. Registered on the daemon's
// shutdown path so a clean exit never leaks drivers.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()
	for _, p := range procs {
		s.logger.Debug("stopping driver", "engine", p.Engine, "port", p.Port)
		if err := p.proc.Terminate(); err != nil {
			s.logger.Warn("terminate driver", "engine", p.Engine, "port", p.Port, "error", err)
		}
	}
}

// Tracked returns a snapshot of the managed processes.
func (s *Supervisor) Tracked() []ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ManagedProcess, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, *p)
	}
	return out
}

func (s *Supervisor) tracked(engine model.EngineType) []*ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ManagedProcess
	for _, p := range s.procs {
		if p.Engine == engine {
			out = append(out, p)
		}
	}
	return out
}

func (s *Supervisor) trackedPids() map[int]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make(map[int]struct{}, len(s.procs))
	for _, p := range s.procs {
		pids[p.proc.Pid()] = struct{}{}
	}
	return pids
}

func (s *Supervisor) remove(target *ManagedProcess) {
	s.mu.Lock()
	for i, p := range s.procs {
		if p == target {
			s.procs = append(s.procs[:i], s.procs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if err := target.proc.Terminate(); err != nil {
		s.logger.Debug("terminate driver", "engine", target.Engine, "error", err)
	}
}

func (s *Supervisor) freePort(engine model.EngineType) (int, error) {
	for _, port := range engine.PreferredPorts() {
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			continue
		}
		ln.Close() //nolint:errcheck
		return port, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() //nolint:errcheck
	return port, nil
}

// httpProber checks GET /status per the W3C spec.
type httpProber struct {
	timeout time.Duration
}

func (p httpProber) Probe(ctx context.Context, endpoint string) (running, ready bool) {
	timeout := p.timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/status", nil)
	if err != nil {
		return false, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return true, false
	}
	var status struct {
		Value struct {
			Ready bool `json:"ready"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return true, false
	}
	return true, status.Value.Ready
}

// osLauncher spawns the real driver binary.
type osLauncher struct{}

func (osLauncher) Launch(engine model.EngineType, port int, logDir string) (process, error) {
	binary := engine.DriverBinary()
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}
	var args []string
	if engine == model.EngineChrome {
		args = []string{"--port=" + strconv.Itoa(port)}
	} else {
		args = []string{"--port", strconv.Itoa(port)}
	}
	cmd := exec.Command(binary, args...)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o700); err == nil {
			logPath := filepath.Join(logDir, fmt.Sprintf("%s-%d.log", binary, port))
			if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
				cmd.Stdout = f
				cmd.Stderr = f
			}
		}
	}
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Terminate() error {
	err := terminateGroup(p.cmd)
	// Reap so the driver does not linger as a zombie.
	go p.cmd.Wait() //nolint:errcheck
	return err
}
