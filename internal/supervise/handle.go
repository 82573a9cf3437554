package supervise

import (
	"os/exec"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// handle abstracts "a process we can observe": either one we spawned and
// hold an exec.Cmd for, or one we adopted by PID after a crash of a
// previous launcher session. Adopted processes have no live wait handle,
// so liveness and exit are observed through the OS process table.
type handle interface {
	pid() int
	// alive reports OS-confirmed liveness. A recycled PID belonging to a
	// different process counts as dead.
	alive() bool
	// waitExit blocks until the process exits or the timeout elapses;
	// it returns true when exit was observed.
	waitExit(timeout time.Duration) bool
	// exitCode returns the exit code once the process has exited.
	exitCode() (int, bool)
}

// spawnedHandle wraps a process started by this supervisor. A single
// reaper goroutine owns cmd.Wait; everyone else watches the done channel.
type spawnedHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
}

func newSpawnedHandle(cmd *exec.Cmd) *spawnedHandle {
	return &spawnedHandle{cmd: cmd, done: make(chan struct{}), code: -1}
}

// reap must be called exactly once, from the goroutine that owns the wait.
func (h *spawnedHandle) reap() {
	err := h.cmd.Wait()
	if err == nil {
		h.code = 0
	} else if ee, ok := err.(*exec.ExitError); ok {
		h.code = ee.ExitCode()
	}
	close(h.done)
}

func (h *spawnedHandle) pid() int { return h.cmd.Process.Pid }

func (h *spawnedHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *spawnedHandle) waitExit(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *spawnedHandle) exitCode() (int, bool) {
	select {
	case <-h.done:
		return h.code, h.code >= 0
	default:
		return 0, false
	}
}

// adoptedHandle tracks a process discovered in the OS process table. The
// recorded start time guards against PID reuse: a live PID whose start
// time no longer matches is a different process and counts as dead.
type adoptedHandle struct {
	processID int
	startUnix int64
}

func newAdoptedHandle(pid int, startUnix int64) *adoptedHandle {
	return &adoptedHandle{processID: pid, startUnix: startUnix}
}

func (h *adoptedHandle) pid() int { return h.processID }

func (h *adoptedHandle) alive() bool {
	p, err := gopsproc.NewProcess(int32(h.processID))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	if h.startUnix > 0 {
		if start := procStartUnix(h.processID); start > 0 && absDiff(start, h.startUnix) > 2 {
			return false
		}
	}
	return true
}

func (h *adoptedHandle) waitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !h.alive() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !h.alive()
}

// Exit codes of processes we did not spawn are not recoverable.
func (h *adoptedHandle) exitCode() (int, bool) { return 0, false }

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
