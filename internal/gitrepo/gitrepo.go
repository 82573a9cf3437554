// Package gitrepo wraps the git CLI for the clone, inspect, and update
// operations the installer needs. Commands run through an injectable
// runner so behavior is testable without a network.
package gitrepo

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

const (
	cloneTimeout = 5 * time.Minute
	queryTimeout = 30 * time.Second
	pullTimeout  = 5 * time.Minute
)

// Runner executes a git subcommand in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

func execRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Status describes a working copy.
type Status struct {
	IsRepo     bool
	Branch     string
	RemoteURL  string
	IsClean    bool
	LastCommit string
}

type Git struct {
	log *slog.Logger
	run Runner
}

func New(log *slog.Logger) *Git { return &Git{log: log, run: execRunner} }

// NewWithRunner substitutes the command runner, for tests.
func NewWithRunner(log *slog.Logger, run Runner) *Git { return &Git{log: log, run: run} }

// Available reports whether a git binary can be found.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// IsRepo reports whether dir is the top of a git working copy.
func IsRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// Clone fetches url into dest. An existing working copy at dest is left
// alone and reported as success; an existing non-empty directory that is
// not a repo is an error so stray user data is never overwritten.
func (g *Git) Clone(ctx context.Context, url, branch, dest string) error {
	if IsRepo(dest) {
		g.log.Info("destination already contains a repository, skipping clone", "dest", dest)
		return nil
	}
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return fmt.Errorf("destination %s exists and is not a git repository", dest)
	}

	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)

	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()
	g.log.Info("cloning repository", "url", url, "branch", branch, "dest", dest)
	if _, err := g.run(ctx, "", args...); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

// Inspect gathers the working copy facts shown by the status command and
// consulted before updates. A non-repo dir returns IsRepo=false, not an
// error.
func (g *Git) Inspect(ctx context.Context, dir string) (Status, error) {
	if !IsRepo(dir) {
		return Status{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	st := Status{IsRepo: true}
	if out, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		st.Branch = strings.TrimSpace(out)
	}
	if out, err := g.run(ctx, dir, "remote", "get-url", "origin"); err == nil {
		st.RemoteURL = strings.TrimSpace(out)
	}
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return st, fmt.Errorf("status of %s: %w", dir, err)
	}
	st.IsClean = strings.TrimSpace(out) == ""
	if out, err := g.run(ctx, dir, "log", "-1", "--format=%h %s"); err == nil {
		st.LastCommit = strings.TrimSpace(out)
	}
	return st, nil
}

// PullRebase brings dir up to date with its upstream. Local commits are
// replayed on top; conflicts surface as an error with git's output.
func (g *Git) PullRebase(ctx context.Context, dir string) error {
	if !IsRepo(dir) {
		return fmt.Errorf("%s is not a git repository", dir)
	}
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	g.log.Info("updating repository", "dir", dir)
	if _, err := g.run(ctx, dir, "pull", "--rebase"); err != nil {
		return fmt.Errorf("pull --rebase in %s: %w", dir, err)
	}
	return nil
}
