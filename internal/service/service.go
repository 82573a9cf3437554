// Package service coordinates the backend and frontend as one unit:
// port selection, ordered startup with readiness probing, tiered
// shutdown with verification, and a single-slot operation lane.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/stackd/internal/conda"
	"github.com/loykin/stackd/internal/config"
	"github.com/loykin/stackd/internal/installer"
	"github.com/loykin/stackd/internal/npm"
	"github.com/loykin/stackd/internal/ports"
	"github.com/loykin/stackd/internal/scanner"
	"github.com/loykin/stackd/internal/supervise"
)

// ErrOperationInProgress is returned when a second lifecycle operation
// arrives while one is running.
var ErrOperationInProgress = errors.New("operation in progress")

// readinessEndpoints are probed in order; the first <400 response on any
// of them marks the backend ready.
var readinessEndpoints = []string{"/health", "/api/health", "/status", "/docs", "/openapi.json", "/"}

const (
	gracefulStopWindow = 10 * time.Second
	portProbeTimeout   = time.Second
)

// processManager is the slice of the supervisor the coordinator drives.
type processManager interface {
	Start(name string, command []string, dir string, env []string, opts supervise.StartOptions) error
	Stop(name string, graceful time.Duration) error
	IsRunning(name string) bool
	KillByPatterns(patterns []string, description string) int
}

// Status is the fresh-computed answer for the status command.
type Status struct {
	Installed       bool   `json:"installed"`
	BackendRunning  bool   `json:"backend_running"`
	FrontendRunning bool   `json:"frontend_running"`
	BackendURL      string `json:"backend_url,omitempty"`
	FrontendURL     string `json:"frontend_url,omitempty"`
}

type Coordinator struct {
	log  *slog.Logger
	cfg  config.Config
	pm   processManager
	npm  *npm.Client
	lane sync.Mutex

	scan func(pair ports.Pair) int

	// timing knobs, shortened by tests
	readyTotal     time.Duration
	readyInterval  time.Duration
	attemptTimeout time.Duration
	stopSettle     time.Duration
	killSettle     time.Duration
}

func New(log *slog.Logger, cfg config.Config, sup *supervise.Supervisor, nc *npm.Client) *Coordinator {
	c := &Coordinator{
		log:            log,
		cfg:            cfg,
		pm:             sup,
		npm:            nc,
		readyTotal:     120 * time.Second,
		readyInterval:  time.Second,
		attemptTimeout: 3 * time.Second,
		stopSettle:     2 * time.Second,
		killSettle:     3 * time.Second,
	}
	c.scan = func(pair ports.Pair) int { return scanner.New(log, sup, pair).Scan() }
	return c
}

// Exclusive runs fn while holding the single operation slot. A concurrent
// caller fails fast instead of queueing, matching what a user expects
// from a second button press.
func (c *Coordinator) Exclusive(op string, fn func() error) error {
	if !c.lane.TryLock() {
		c.log.Warn("operation rejected, another is in progress", "op", op)
		return ErrOperationInProgress
	}
	defer c.lane.Unlock()
	return fn()
}

// StartServices starts backend then frontend. Idempotent per service. The
// frontend is never started unless the backend answered a readiness probe.
func (c *Coordinator) StartServices(ctx context.Context) error {
	return c.Exclusive("start", func() error { return c.startLocked(ctx) })
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	if !installer.Installed(c.cfg) {
		return fmt.Errorf("application is not installed at %s", c.cfg.InstallRoot)
	}
	store := config.NewStore(c.cfg.InstallRoot)
	settings := store.Load()
	pair := settings.PortPair()

	adopted := c.scan(pair)
	if adopted > 0 {
		c.log.Info("resumed tracking of running services", "count", adopted)
	}

	backendUp := c.pm.IsRunning(scanner.BackendName)
	frontendUp := c.pm.IsRunning(scanner.FrontendName)
	if backendUp && frontendUp {
		c.log.Info("services already running", "ports", pair)
		return nil
	}

	// Re-select only default pairs and only while nothing is running, so a
	// user-chosen pair is never rewritten and a live port is never vacated.
	if !backendUp && !frontendUp && ports.IsManagedPair(pair, ports.DefaultPairs) {
		selected := ports.SelectPair(ports.DefaultPairs, settings.Network.BackendHost, settings.Network.FrontendHost)
		if selected != pair {
			c.log.Info("selected free port pair", "was", pair, "now", selected)
			settings.Network.BackendPort = selected.Backend
			settings.Network.FrontendPort = selected.Frontend
			if err := store.Save(settings); err != nil {
				return fmt.Errorf("persist selected ports: %w", err)
			}
			pair = selected
		}
	}

	if !backendUp {
		if err := c.startBackend(ctx, settings, pair); err != nil {
			return err
		}
	}
	if !frontendUp {
		if err := c.startFrontend(settings, pair); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) startBackend(ctx context.Context, s config.Settings, pair ports.Pair) error {
	argv := append(conda.RunPrefix(c.cfg.CondaPrefix),
		"uvicorn", "main:app",
		"--host", s.Network.BackendHost,
		"--port", strconv.Itoa(int(pair.Backend)))
	if c.cfg.Debug {
		argv = append(argv, "--reload")
	}
	err := c.pm.Start(scanner.BackendName, argv, c.cfg.BackendDir(), nil,
		supervise.StartOptions{WaitForStartup: true})
	if err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	base := ServiceURL(s.Network.BackendHost, pair.Backend)
	if err := c.waitBackendReady(ctx, base); err != nil {
		_ = c.pm.Stop(scanner.BackendName, gracefulStopWindow)
		return err
	}
	c.log.Info("backend ready", "url", base)
	return nil
}

func (c *Coordinator) startFrontend(s config.Settings, pair ports.Pair) error {
	ok, err := npm.HasScript(c.cfg.FrontendDir(), "dev")
	if err != nil {
		return fmt.Errorf("inspect frontend package.json: %w", err)
	}
	if !ok {
		return fmt.Errorf("frontend package.json declares no dev script")
	}
	argv := c.npm.Command("run", "dev", "--",
		"--host", s.Network.FrontendHost,
		"--port", strconv.Itoa(int(pair.Frontend)))
	err = c.pm.Start(scanner.FrontendName, argv, c.cfg.FrontendDir(), nil,
		supervise.StartOptions{WaitForStartup: true})
	if err != nil {
		return fmt.Errorf("start frontend: %w", err)
	}
	c.log.Info("frontend started", "url", ServiceURL(s.Network.FrontendHost, pair.Frontend))
	return nil
}

// waitBackendReady polls the readiness endpoints in rounds until one
// answers below 400 or the overall budget runs out.
func (c *Coordinator) waitBackendReady(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: c.attemptTimeout}
	deadline := time.Now().Add(c.readyTotal)
	for {
		for _, ep := range readinessEndpoints {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+ep, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			code := resp.StatusCode
			_ = resp.Body.Close()
			if code < 400 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("backend did not become ready at %s within %s", baseURL, c.readyTotal)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.readyInterval):
		}
	}
}

// StopServices performs the tiered shutdown: supervisor stop, settle and
// probe, pattern-kill fallback, final port verification. It succeeds only
// when both ports are confirmed free.
func (c *Coordinator) StopServices(ctx context.Context) error {
	return c.Exclusive("stop", func() error { return c.stopLocked(ctx) })
}

func (c *Coordinator) stopLocked(ctx context.Context) error {
	settings := config.NewStore(c.cfg.InstallRoot).Load()
	pair := settings.PortPair()
	c.scan(pair)

	for _, name := range []string{scanner.FrontendName, scanner.BackendName} {
		if err := c.pm.Stop(name, gracefulStopWindow); err != nil {
			c.log.Warn("supervised stop incomplete", "name", name, "err", err)
		}
	}

	sleepCtx(ctx, c.stopSettle)
	if occupied := occupiedPorts(pair); len(occupied) > 0 {
		c.log.Warn("ports still occupied after stop, killing by pattern", "ports", occupied)
		backendPatterns := []string{"uvicorn main:app", fmt.Sprintf("main:app --port %d", pair.Backend)}
		frontendPatterns := []string{"npm run dev", "vite"}
		c.pm.KillByPatterns(backendPatterns, "backend")
		c.pm.KillByPatterns(frontendPatterns, "frontend")
		sleepCtx(ctx, c.killSettle)
	}

	if occupied := occupiedPorts(pair); len(occupied) > 0 {
		return fmt.Errorf("services did not release ports %s", joinPorts(occupied))
	}
	c.log.Info("services stopped", "ports", pair)
	return nil
}

// RestartServices stops and starts both services inside one lane slot.
func (c *Coordinator) RestartServices(ctx context.Context) error {
	return c.Exclusive("restart", func() error {
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
		return c.startLocked(ctx)
	})
}

// CurrentStatus computes the service state fresh from the OS, never from
// cached bookkeeping.
func (c *Coordinator) CurrentStatus() Status {
	st := Status{Installed: installer.Installed(c.cfg)}
	settings := config.ActiveStore(c.cfg, st.Installed).Load()
	pair := settings.PortPair()
	c.scan(pair)

	st.BackendRunning = c.pm.IsRunning(scanner.BackendName) ||
		ports.IsListening(probeHost(settings.Network.BackendHost), pair.Backend, portProbeTimeout)
	st.FrontendRunning = c.pm.IsRunning(scanner.FrontendName) ||
		ports.IsListening(probeHost(settings.Network.FrontendHost), pair.Frontend, portProbeTimeout)
	if st.BackendRunning {
		st.BackendURL = ServiceURL(settings.Network.BackendHost, pair.Backend)
	}
	if st.FrontendRunning {
		st.FrontendURL = ServiceURL(settings.Network.FrontendHost, pair.Frontend)
	}
	return st
}

// ServiceURL builds a browser-reachable URL, mapping wildcard bind hosts
// to the loopback address.
func ServiceURL(host string, port uint16) string {
	return fmt.Sprintf("http://%s:%d", probeHost(host), port)
}

func probeHost(host string) string {
	switch host {
	case "", "*", "0.0.0.0", "::":
		return "127.0.0.1"
	case "localhost":
		return "127.0.0.1"
	default:
		return host
	}
}

func occupiedPorts(pair ports.Pair) []uint16 {
	var occupied []uint16
	for _, p := range []uint16{pair.Backend, pair.Frontend} {
		if ports.IsListening("127.0.0.1", p, portProbeTimeout) {
			occupied = append(occupied, p)
		}
	}
	return occupied
}

func joinPorts(ps []uint16) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ", ")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
