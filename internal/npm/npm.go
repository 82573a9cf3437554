// Package npm shells out to the Node package manager for dependency
// installation and package.json inspection. The npm binary typically
// comes from the provisioned conda environment, so every invocation can
// be routed through a command prefix such as "conda run --prefix <env>".
package npm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	installTimeout = 15 * time.Minute
	scriptTimeout  = 10 * time.Minute
	probeTimeout   = 15 * time.Second
)

// Runner executes a command in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, argv ...string) (string, error)

func execRunner(ctx context.Context, dir string, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, lastLines(string(out), 5))
	}
	return string(out), nil
}

type Client struct {
	log    *slog.Logger
	run    Runner
	prefix []string
}

// New returns a client whose npm invocations are prepended with prefix.
// An empty prefix uses npm from PATH.
func New(log *slog.Logger, prefix []string) *Client {
	return &Client{log: log, run: execRunner, prefix: prefix}
}

func NewWithRunner(log *slog.Logger, prefix []string, run Runner) *Client {
	return &Client{log: log, run: run, prefix: prefix}
}

// Command builds the full argv for an npm invocation, including the
// prefix. Exposed so the supervisor can spawn long-running scripts (the
// dev server) itself instead of blocking on the runner.
func (c *Client) Command(args ...string) []string {
	argv := append([]string(nil), c.prefix...)
	argv = append(argv, "npm")
	return append(argv, args...)
}

// Available reports whether npm answers to --version through the prefix.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := c.run(ctx, "", c.Command("--version")...)
	return err == nil
}

// InstallDependencies runs npm install in dir. Audit and funding chatter
// are suppressed; installs are long, so the timeout is generous.
func (c *Client) InstallDependencies(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	c.log.Info("installing node dependencies", "dir", dir)
	if _, err := c.run(ctx, dir, c.Command("install", "--no-audit", "--no-fund")...); err != nil {
		return fmt.Errorf("npm install in %s: %w", dir, err)
	}
	return nil
}

// RunScript runs a package.json script to completion. Extra arguments are
// passed through after the npm "--" separator.
func (c *Client) RunScript(ctx context.Context, dir, script string, extra ...string) error {
	args := []string{"run", script}
	if len(extra) > 0 {
		args = append(args, "--")
		args = append(args, extra...)
	}
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	c.log.Info("running npm script", "dir", dir, "script", script)
	if _, err := c.run(ctx, dir, c.Command(args...)...); err != nil {
		return fmt.Errorf("npm run %s in %s: %w", script, dir, err)
	}
	return nil
}

// HasScript reports whether dir's package.json declares the named script.
func HasScript(dir, script string) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false, fmt.Errorf("read package.json in %s: %w", dir, err)
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return false, fmt.Errorf("parse package.json in %s: %w", dir, err)
	}
	_, ok := pkg.Scripts[script]
	return ok, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
