// Package conda provisions the self-contained Python and Node runtime the
// managed application runs in. Everything goes through the conda CLI so
// the host system's interpreters are never touched.
package conda

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// runtimeSpecs pins the toolchain installed into a fresh environment.
var runtimeSpecs = []string{"python=3.11", "nodejs", "git"}

// tosChannels are the Anaconda channels whose terms must be accepted
// before non-interactive environment creation succeeds.
var tosChannels = []string{
	"https://repo.anaconda.com/pkgs/main",
	"https://repo.anaconda.com/pkgs/r",
	"https://repo.anaconda.com/pkgs/msys2",
}

const (
	createTimeout = 20 * time.Minute
	removeTimeout = 5 * time.Minute
	pipTimeout    = 20 * time.Minute
	probeTimeout  = 15 * time.Second
	tosTimeout    = 2 * time.Minute
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, argv ...string) (string, error)

func execRunner(ctx context.Context, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

type Manager struct {
	log *slog.Logger
	run Runner
}

func New(log *slog.Logger) *Manager { return &Manager{log: log, run: execRunner} }

func NewWithRunner(log *slog.Logger, run Runner) *Manager {
	return &Manager{log: log, run: run}
}

// Available reports whether the conda CLI responds.
func Available(ctx context.Context) bool {
	if _, err := exec.LookPath("conda"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "conda", "--version").Run() == nil
}

// EnvironmentExists reports whether prefix holds a real conda environment,
// not merely a directory of the same name.
func EnvironmentExists(prefix string) bool {
	info, err := os.Stat(filepath.Join(prefix, "conda-meta"))
	return err == nil && info.IsDir()
}

// RunPrefix is the argv wrapper that executes a command inside the
// environment at prefix.
func RunPrefix(prefix string) []string {
	return []string{"conda", "run", "--prefix", prefix}
}

// CreateEnvironment builds the pinned runtime at prefix. An environment
// that already exists is left untouched. Channel terms are accepted up
// front since a fresh machine fails environment creation on them.
func (m *Manager) CreateEnvironment(ctx context.Context, prefix string) error {
	if EnvironmentExists(prefix) {
		m.log.Info("conda environment already exists", "prefix", prefix)
		return nil
	}
	m.AcceptTermsOfService(ctx)

	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()
	m.log.Info("creating conda environment", "prefix", prefix, "specs", strings.Join(runtimeSpecs, " "))

	argv := append([]string{"conda", "create", "-y", "--prefix", prefix}, runtimeSpecs...)
	if _, err := m.run(ctx, argv...); err != nil {
		return fmt.Errorf("create environment at %s: %w", prefix, err)
	}
	return nil
}

// AcceptTermsOfService accepts each required channel's terms. Failures are
// logged and ignored: older conda releases have no tos subcommand, and
// already-accepted channels error harmlessly.
func (m *Manager) AcceptTermsOfService(ctx context.Context) {
	for _, channel := range tosChannels {
		tctx, cancel := context.WithTimeout(ctx, tosTimeout)
		_, err := m.run(tctx, "conda", "tos", "accept", "--override-channels", "--channel", channel)
		cancel()
		if err != nil {
			m.log.Debug("conda tos accept skipped", "channel", channel, "err", err)
		}
	}
}

// RemoveEnvironment deletes the environment at prefix. Used when a prefix
// directory survives but conda no longer recognizes it.
func (m *Manager) RemoveEnvironment(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()
	m.log.Info("removing conda environment", "prefix", prefix)
	if _, err := m.run(ctx, "conda", "env", "remove", "-y", "--prefix", prefix); err != nil {
		// conda refuses prefixes it does not know; clearing the directory
		// achieves the same end state.
		m.log.Warn("conda env remove failed, deleting prefix directory", "prefix", prefix, "err", err)
		if rmErr := os.RemoveAll(prefix); rmErr != nil {
			return fmt.Errorf("remove environment at %s: %w", prefix, rmErr)
		}
	}
	return nil
}

// InstallPythonRequirements pip-installs the backend's requirements file
// inside the environment.
func (m *Manager) InstallPythonRequirements(ctx context.Context, prefix, dir string) error {
	req := filepath.Join(dir, "requirements.txt")
	if _, err := os.Stat(req); err != nil {
		return fmt.Errorf("requirements file: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, pipTimeout)
	defer cancel()
	m.log.Info("installing python dependencies", "prefix", prefix, "requirements", req)

	argv := append(RunPrefix(prefix), "pip", "install", "-r", req)
	if _, err := m.run(ctx, argv...); err != nil {
		return fmt.Errorf("pip install in %s: %w", prefix, err)
	}
	return nil
}

// IsStaleEnvironment detects conda's complaint about a prefix directory it
// no longer tracks. The installer reacts by removing and recreating it.
func IsStaleEnvironment(err error) bool {
	return err != nil && strings.Contains(err.Error(), "EnvironmentLocationNotFound")
}
