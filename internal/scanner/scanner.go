// Package scanner discovers service processes that outlived a previous
// launcher run and hands them to the supervisor for adoption, so restart
// and stop keep working across launcher crashes.
package scanner

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/stackd/internal/ports"
	"github.com/loykin/stackd/internal/supervise"
)

// Well-known service names used across the supervisor registry.
const (
	BackendName  = "backend"
	FrontendName = "frontend"
)

// listenConfirmTimeout bounds the TCP probe that disambiguates the
// frontend dev server from unrelated npm processes.
const listenConfirmTimeout = 500 * time.Millisecond

// Scanner matches process command lines against the launcher's service
// signatures for one port pair.
type Scanner struct {
	log  *slog.Logger
	sup  *supervise.Supervisor
	pair ports.Pair
}

func New(log *slog.Logger, sup *supervise.Supervisor, pair ports.Pair) *Scanner {
	return &Scanner{log: log, sup: sup, pair: pair}
}

// Scan walks the OS process table once and adopts at most one backend and
// one frontend. Already-tracked names are skipped, so repeated scans are
// harmless. Returns the number of processes adopted.
func (s *Scanner) Scan() int {
	procs, err := gopsproc.Processes()
	if err != nil {
		s.log.Warn("orphan scan failed to read process table", "err", err)
		return 0
	}
	self := os.Getpid()
	adopted := 0
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		switch {
		case !s.sup.Tracked(BackendName) && s.isBackend(cmdline):
			if s.adopt(BackendName, p, cmdline) {
				adopted++
			}
		case !s.sup.Tracked(FrontendName) && s.isFrontend(cmdline):
			if s.adopt(FrontendName, p, cmdline) {
				adopted++
			}
		}
	}
	if adopted > 0 {
		s.log.Info("adopted orphaned service processes", "count", adopted)
	}
	return adopted
}

func (s *Scanner) adopt(name string, p *gopsproc.Process, cmdline string) bool {
	var startUnix int64
	if ms, err := p.CreateTime(); err == nil {
		startUnix = ms / 1000
	}
	return s.sup.Adopt(name, int(p.Pid), strings.Fields(cmdline), startUnix)
}

// isBackend matches the uvicorn invocation used by StartServices,
// pinned to the configured backend port.
func (s *Scanner) isBackend(cmdline string) bool {
	if !strings.Contains(cmdline, "uvicorn") || !strings.Contains(cmdline, "main:app") {
		return false
	}
	return strings.Contains(cmdline, fmt.Sprintf("--port %d", s.pair.Backend)) ||
		strings.Contains(cmdline, fmt.Sprintf("--port=%d", s.pair.Backend))
}

// isFrontend matches an npm dev-server invocation. The command line alone
// is too generic, so a live listener on the frontend port is required.
func (s *Scanner) isFrontend(cmdline string) bool {
	if !strings.Contains(cmdline, "npm") || !strings.Contains(cmdline, "run dev") {
		return false
	}
	return ports.IsListening("127.0.0.1", s.pair.Frontend, listenConfirmTimeout)
}
