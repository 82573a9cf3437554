//go:build windows

package supervise

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// sysProcAttr creates spawned processes in a new process group so a
// console break event can reach the whole tree.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

var (
	kernel32                 = syscall.NewLazyDLL("kernel32.dll")
	procGenerateConsoleCtrl  = kernel32.NewProc("GenerateConsoleCtrlEvent")
	ctrlBreakEvent   uintptr = 1
)

// signalGroup sends a console break to the process group for a graceful
// request. Forceful termination has no group primitive on this platform;
// callers fall back to per-process kill over the enumerated tree.
func signalGroup(pid int, graceful bool) error {
	if !graceful {
		return syscall.Errno(syscall.EWINDOWS)
	}
	r, _, err := procGenerateConsoleCtrl.Call(ctrlBreakEvent, uintptr(pid))
	if r == 0 {
		return err
	}
	return nil
}

// procStartUnix returns the process start time as Unix seconds via the
// process-table API, or 0 when unavailable.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
