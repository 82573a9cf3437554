// Package supervise owns the registry of named long-running service
// processes: spawning, liveness polling, tiered shutdown of whole process
// trees, and adoption of processes that survived a launcher crash.
package supervise

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/stackd/internal/logger"
)

const (
	// startupGrace is the liveness window for WaitForStartup: a process
	// still running after this long is assumed to have started. Service
	// readiness beyond that is probed over HTTP by the coordinator.
	startupGrace = 2 * time.Second
	// killConfirm bounds the extra wait after escalating to SIGKILL.
	killConfirm = 5 * time.Second
)

// ManagedProcess is one supervised OS process tree.
type ManagedProcess struct {
	Name      string
	PID       int
	Command   []string
	Dir       string
	Env       []string
	StartedAt time.Time
	Adopted   bool

	handle  handle
	closers []io.WriteCloser
}

// Status is a point-in-time snapshot for diagnostics and display.
type Status struct {
	Exists    bool          `json:"exists"`
	Name      string        `json:"name,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Command   []string      `json:"command,omitempty"`
	Dir       string        `json:"dir,omitempty"`
	Adopted   bool          `json:"adopted,omitempty"`
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
}

// StartOptions controls the optional startup wait.
type StartOptions struct {
	WaitForStartup bool
	StartupTimeout time.Duration
}

// StartupError reports a process that exited during the startup window.
type StartupError struct {
	Name   string
	Window time.Duration
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("process %q failed to start within %s", e.Name, e.Window)
}

// UnconfirmedTerminationError reports a stop whose tree could not be
// confirmed dead even after force kill.
type UnconfirmedTerminationError struct{ Name string }

func (e *UnconfirmedTerminationError) Error() string {
	return fmt.Sprintf("termination of process %q could not be confirmed", e.Name)
}

// Supervisor is the registry of named running processes. All access to the
// registry goes through a single mutex; scan, start/stop, and status
// queries may arrive from different goroutines.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*ManagedProcess
	log    *slog.Logger
	logDir string // per-process output logs; empty discards output
}

// New returns an empty supervisor. logDir receives rotated
// <name>.stdout.log / <name>.stderr.log files when non-empty.
func New(log *slog.Logger, logDir string) *Supervisor {
	return &Supervisor{procs: make(map[string]*ManagedProcess), log: log, logDir: logDir}
}

// Start spawns and tracks a named process. Starting an already-live name
// is a no-op success; a stale dead entry under the same name is silently
// discarded. Spawn failures name the command and working directory.
func (s *Supervisor) Start(name string, command []string, dir string, env []string, opts StartOptions) error {
	if len(command) == 0 {
		return fmt.Errorf("process %q: empty command", name)
	}
	s.mu.Lock()
	if existing, ok := s.procs[name]; ok {
		if existing.handle.alive() {
			s.mu.Unlock()
			s.log.Info("process already running", "name", name, "pid", existing.PID)
			return nil
		}
		delete(s.procs, name)
	}
	s.mu.Unlock()

	s.log.Info("starting process",
		"name", name, "command", strings.Join(command, " "), "cwd", displayDir(dir))

	// #nosec G204 -- commands come from the launcher's own service definitions
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = sysProcAttr()

	var closers []io.WriteCloser
	if s.logDir != "" {
		outW, errW, err := logger.ProcessWriters(s.logDir, name)
		if err == nil {
			cmd.Stdout, cmd.Stderr = outW, errW
			closers = []io.WriteCloser{outW, errW}
		}
	}

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return fmt.Errorf("failed to start process %q (command: %s, cwd: %s): %w",
			name, strings.Join(command, " "), displayDir(dir), err)
	}

	h := newSpawnedHandle(cmd)
	mp := &ManagedProcess{
		Name:      name,
		PID:       cmd.Process.Pid,
		Command:   append([]string(nil), command...),
		Dir:       dir,
		Env:       append([]string(nil), env...),
		StartedAt: time.Now(),
		handle:    h,
		closers:   closers,
	}
	go func() {
		h.reap()
		for _, c := range mp.closers {
			_ = c.Close()
		}
	}()

	if !s.register(mp) {
		// A concurrent Start or Adopt claimed the name while we were
		// spawning. Keep that entry and reap the duplicate.
		s.log.Info("process registered concurrently, discarding duplicate spawn",
			"name", name, "pid", mp.PID)
		tree := processTree(mp.PID)
		killTree(mp.PID, tree)
		_ = h.waitExit(killConfirm)
		return nil
	}
	s.log.Info("process started", "name", name, "pid", mp.PID)

	if opts.WaitForStartup {
		window := startupGrace
		if opts.StartupTimeout > 0 && opts.StartupTimeout < window {
			window = opts.StartupTimeout
		}
		if h.waitExit(window) {
			err := &StartupError{Name: name, Window: window}
			s.log.Error("process exited during startup window", "name", name, "pid", mp.PID)
			_ = s.Stop(name, time.Second)
			return err
		}
	}
	return nil
}

// Stop performs the tiered shutdown of a named process and all its OS
// descendants: simultaneous graceful signal to the whole tree, bounded
// wait, forceful kill of survivors, bounded confirmation. The registry
// entry is removed regardless of outcome; an unconfirmed termination is
// returned for the caller to surface, not retried.
func (s *Supervisor) Stop(name string, graceful time.Duration) error {
	s.mu.Lock()
	mp, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("process not tracked, nothing to stop", "name", name)
		return nil
	}
	defer s.remove(name)

	if !mp.handle.alive() {
		s.log.Info("process already stopped", "name", name)
		return nil
	}

	tree := processTree(mp.PID)
	if len(tree) == 0 {
		// Vanished between the liveness check and enumeration.
		return nil
	}
	s.log.Info("stopping process tree", "name", name, "pid", mp.PID, "members", len(tree))

	terminateTree(mp.PID, tree)
	exited := mp.handle.waitExit(graceful)

	if !exited || anyAlive(tree) {
		s.log.Warn("graceful shutdown incomplete, force killing tree", "name", name, "pid", mp.PID)
		killTree(mp.PID, tree)
		_ = mp.handle.waitExit(killConfirm)
		if anyAlive(tree) {
			s.log.Warn("process tree still alive after force kill", "name", name, "pid", mp.PID)
			return &UnconfirmedTerminationError{Name: name}
		}
	}
	s.log.Info("process stopped", "name", name, "pid", mp.PID)
	return nil
}

// StopAll stops every tracked process and reports per-name outcomes.
// Overall success is "no entry failed".
func (s *Supervisor) StopAll(graceful time.Duration) (bool, map[string]error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	results := make(map[string]error, len(names))
	ok := true
	for _, name := range names {
		err := s.Stop(name, graceful)
		results[name] = err
		if err != nil {
			ok = false
		}
	}
	return ok, results
}

// IsRunning reports whether name is tracked and OS-confirmed alive.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	mp, ok := s.procs[name]
	s.mu.Unlock()
	return ok && mp.handle.alive()
}

// Tracked reports whether name has a registry entry, live or not.
func (s *Supervisor) Tracked(name string) bool {
	s.mu.Lock()
	_, ok := s.procs[name]
	s.mu.Unlock()
	return ok
}

// GetStatus returns a snapshot for name. Absence is represented in the
// Exists field, never as an error.
func (s *Supervisor) GetStatus(name string) Status {
	s.mu.Lock()
	mp, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return Status{}
	}
	st := Status{
		Exists:    true,
		Name:      mp.Name,
		PID:       mp.PID,
		Command:   append([]string(nil), mp.Command...),
		Dir:       mp.Dir,
		Adopted:   mp.Adopted,
		Running:   mp.handle.alive(),
		StartedAt: mp.StartedAt,
	}
	if st.Running {
		st.Uptime = time.Since(mp.StartedAt)
	} else if code, ok := mp.handle.exitCode(); ok {
		st.ExitCode = &code
	}
	return st
}

// Restart stops a tracked process and starts it again with the recorded
// command, working directory, and environment.
func (s *Supervisor) Restart(name string, startupTimeout time.Duration) error {
	s.mu.Lock()
	mp, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %q is not tracked", name)
	}
	command, dir, env := mp.Command, mp.Dir, mp.Env
	if err := s.Stop(name, 10*time.Second); err != nil {
		return fmt.Errorf("stop before restart: %w", err)
	}
	time.Sleep(time.Second)
	return s.Start(name, command, dir, env, StartOptions{WaitForStartup: true, StartupTimeout: startupTimeout})
}

// Adopt registers a process discovered in the OS process table under a
// well-known name. The entry supports the same stop/liveness contract as
// spawned ones; tree enumeration walks from the PID since no exec handle
// exists. Returns false when the name is already tracked.
func (s *Supervisor) Adopt(name string, pid int, command []string, startUnix int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[name]; ok {
		return false
	}
	started := time.Now()
	if startUnix > 0 {
		started = time.Unix(startUnix, 0)
	}
	s.procs[name] = &ManagedProcess{
		Name:      name,
		PID:       pid,
		Command:   append([]string(nil), command...),
		Dir:       "unknown",
		StartedAt: started,
		Adopted:   true,
		handle:    newAdoptedHandle(pid, startUnix),
	}
	s.log.Info("adopted orphaned process", "name", name, "pid", pid)
	return true
}

// KillByPatterns force-kills every process whose command line contains any
// of the given substrings. Last-resort cleanup for launcher processes that
// detached from their tracked parent; returns the number killed.
func (s *Supervisor) KillByPatterns(patterns []string, description string) int {
	procs, err := gopsproc.Processes()
	if err != nil {
		s.log.Warn("process table scan failed", "err", err)
		return 0
	}
	self := os.Getpid()
	killed := 0
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		for _, pattern := range patterns {
			if strings.Contains(cmdline, pattern) {
				s.log.Info("killing process by pattern",
					"kind", description, "pid", p.Pid, "pattern", pattern)
				if err := p.Kill(); err == nil {
					killed++
				}
				break
			}
		}
	}
	return killed
}

// register inserts mp into the registry unless a live entry already holds
// the name. Dead entries are replaced. Returns false on refusal.
func (s *Supervisor) register(mp *ManagedProcess) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.procs[mp.Name]; ok && existing.handle.alive() {
		return false
	}
	s.procs[mp.Name] = mp
	return true
}

func (s *Supervisor) remove(name string) {
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
}

func displayDir(dir string) string {
	if dir == "" {
		wd, err := os.Getwd()
		if err == nil {
			return wd
		}
	}
	return dir
}
