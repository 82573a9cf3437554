// Package installer performs the transactional install and update of the
// managed application: requirements checks, runtime provisioning, staged
// git clone, validation, atomic promotion, configuration, and dependency
// installation. The live install root is never left half-written.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/stackd/internal/conda"
	"github.com/loykin/stackd/internal/config"
	"github.com/loykin/stackd/internal/gitrepo"
	"github.com/loykin/stackd/internal/npm"
)

// Phase is the installer's current step, reported through the sink and
// carried on failures.
type Phase string

const (
	PhaseCheckingRequirements Phase = "checking_requirements"
	PhaseProvisioningRuntime  Phase = "provisioning_runtime"
	PhaseCloning              Phase = "cloning"
	PhaseValidating           Phase = "validating"
	PhasePromoting            Phase = "promoting"
	PhaseConfiguring          Phase = "configuring"
	PhaseInstallingDeps       Phase = "installing_dependencies"
	PhaseVerifying            Phase = "verifying"
	PhaseDone                 Phase = "done"
	PhaseRollingBack          Phase = "rolling_back"
	PhaseFailed               Phase = "failed"
)

// ProgressSink receives step-by-step progress for display.
type ProgressSink interface {
	Progress(phase Phase, message string, percent int)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(phase Phase, message string, percent int)

func (f SinkFunc) Progress(phase Phase, message string, percent int) { f(phase, message, percent) }

// NopSink discards progress.
var NopSink = SinkFunc(func(Phase, string, int) {})

// FailedError is the terminal outcome of an install or update, carrying
// the phase that broke.
type FailedError struct {
	Phase  Phase
	Reason string
	Err    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("install failed during %s: %s", e.Phase, e.Reason)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Installed reports whether the install root holds a usable checkout:
// a git working copy with both service manifests in place.
func Installed(cfg config.Config) bool {
	if !gitrepo.IsRepo(cfg.InstallRoot) {
		return false
	}
	return fileExists(filepath.Join(cfg.BackendDir(), "requirements.txt")) &&
		fileExists(filepath.Join(cfg.FrontendDir(), "package.json"))
}

type Installer struct {
	log   *slog.Logger
	cfg   config.Config
	git   *gitrepo.Git
	conda *conda.Manager
	npm   *npm.Client
	sink  ProgressSink

	// probes, replaced by tests
	condaOK  func(ctx context.Context) bool
	freeDisk func(path string) (uint64, error)
}

func New(log *slog.Logger, cfg config.Config, git *gitrepo.Git, cm *conda.Manager, nc *npm.Client, sink ProgressSink) *Installer {
	if sink == nil {
		sink = NopSink
	}
	return &Installer{
		log:      log,
		cfg:      cfg,
		git:      git,
		conda:    cm,
		npm:      nc,
		sink:     sink,
		condaOK:  conda.Available,
		freeDisk: freeDiskBytes,
	}
}

// Install runs the full pipeline. Any error or panic surfaces as a
// FailedError naming the phase; the live install root is either the old
// content or the fully promoted new one, never a mixture.
func (ins *Installer) Install(ctx context.Context) (err error) {
	started := time.Now()
	phase := PhaseCheckingRequirements
	defer func() {
		if r := recover(); r != nil {
			err = &FailedError{Phase: phase, Reason: fmt.Sprintf("unexpected panic: %v", r)}
		}
		if err != nil {
			var fe *FailedError
			if f, ok := err.(*FailedError); ok {
				fe = f
			} else {
				fe = &FailedError{Phase: phase, Reason: err.Error(), Err: err}
				err = fe
			}
			ins.sink.Progress(PhaseFailed, fe.Reason, 100)
			ins.log.Error("install failed",
				"phase", fe.Phase, "reason", fe.Reason, "elapsed", time.Since(started))
		} else {
			ins.log.Info("install completed", "path", ins.cfg.InstallRoot, "elapsed", time.Since(started))
		}
	}()

	ins.sink.Progress(phase, "checking requirements", 5)
	if err := ins.checkRequirements(ctx); err != nil {
		return err
	}

	phase = PhaseProvisioningRuntime
	ins.sink.Progress(phase, "provisioning runtime environment", 15)
	if err := ins.conda.CreateEnvironment(ctx, ins.cfg.CondaPrefix); err != nil {
		return err
	}

	target := ins.cfg.InstallRoot
	if gitrepo.IsRepo(target) {
		ins.log.Info("install root already holds a checkout, skipping clone", "path", target)
	} else {
		phase = PhaseCloning
		staging := stagingPath(target)
		ins.sink.Progress(phase, "downloading application", 35)
		if err := ins.git.Clone(ctx, ins.cfg.RepoURL, ins.cfg.Branch, staging); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}

		phase = PhaseValidating
		ins.sink.Progress(phase, "validating download", 45)
		if err := validateCheckout(staging); err != nil {
			ins.sink.Progress(PhaseRollingBack, "removing invalid download", 45)
			_ = os.RemoveAll(staging)
			return err
		}

		phase = PhasePromoting
		ins.sink.Progress(phase, "moving application into place", 55)
		if err := promote(ins.log, staging, target); err != nil {
			ins.sink.Progress(PhaseRollingBack, "cleaning up staging", 55)
			_ = os.RemoveAll(staging)
			return err
		}
	}

	phase = PhaseConfiguring
	ins.sink.Progress(phase, "writing configuration", 65)
	if err := ins.configure(); err != nil {
		return err
	}

	phase = PhaseInstallingDeps
	ins.sink.Progress(phase, "installing backend dependencies", 75)
	if err := ins.installPythonDeps(ctx); err != nil {
		return err
	}
	ins.sink.Progress(phase, "installing frontend dependencies", 85)
	if err := ins.npm.InstallDependencies(ctx, ins.cfg.FrontendDir()); err != nil {
		return err
	}

	phase = PhaseVerifying
	ins.sink.Progress(phase, "verifying installation", 95)
	if err := ins.verify(); err != nil {
		return err
	}

	ins.persistState()
	ins.sink.Progress(PhaseDone, "installation complete", 100)
	return nil
}

// Update brings an existing install up to date. A clean working copy is
// pulled with rebase; a dirty one, or a failed pull, falls back to the
// staged clone with backup and swap so the live tree is never lost.
func (ins *Installer) Update(ctx context.Context) (err error) {
	if !Installed(ins.cfg) {
		return &FailedError{Phase: PhaseCheckingRequirements, Reason: "application is not installed"}
	}
	started := time.Now()
	phase := PhaseCloning
	defer func() {
		if r := recover(); r != nil {
			err = &FailedError{Phase: phase, Reason: fmt.Sprintf("unexpected panic: %v", r)}
		}
		if err != nil {
			if _, ok := err.(*FailedError); !ok {
				err = &FailedError{Phase: phase, Reason: err.Error(), Err: err}
			}
			ins.log.Error("update failed", "reason", err.Error(), "elapsed", time.Since(started))
		} else {
			ins.log.Info("update completed", "path", ins.cfg.InstallRoot, "elapsed", time.Since(started))
		}
	}()

	target := ins.cfg.InstallRoot
	st, err := ins.git.Inspect(ctx, target)
	if err != nil {
		return err
	}
	if st.IsClean {
		ins.sink.Progress(PhaseCloning, "pulling latest changes", 30)
		if pullErr := ins.git.PullRebase(ctx, target); pullErr == nil {
			return ins.finishUpdate(ctx, &phase)
		}
		ins.log.Warn("pull failed, falling back to staged reinstall")
	} else {
		ins.log.Warn("working copy has local changes, using staged reinstall", "path", target)
	}

	if err := ins.stagedReplace(ctx, &phase); err != nil {
		return err
	}
	return ins.finishUpdate(ctx, &phase)
}

// finishUpdate reruns configuration, dependencies, and verification after
// the tree content changed.
func (ins *Installer) finishUpdate(ctx context.Context, phase *Phase) error {
	*phase = PhaseConfiguring
	ins.sink.Progress(*phase, "refreshing configuration", 60)
	if err := ins.configure(); err != nil {
		return err
	}
	*phase = PhaseInstallingDeps
	ins.sink.Progress(*phase, "updating backend dependencies", 75)
	if err := ins.installPythonDeps(ctx); err != nil {
		return err
	}
	ins.sink.Progress(*phase, "updating frontend dependencies", 85)
	if err := ins.npm.InstallDependencies(ctx, ins.cfg.FrontendDir()); err != nil {
		return err
	}
	*phase = PhaseVerifying
	ins.sink.Progress(*phase, "verifying installation", 95)
	if err := ins.verify(); err != nil {
		return err
	}
	ins.sink.Progress(PhaseDone, "update complete", 100)
	return nil
}

// stagedReplace clones into staging, validates, moves the live tree to a
// backup, promotes staging, and restores the backup if promotion fails.
// The backup is removed only after the swap succeeded.
func (ins *Installer) stagedReplace(ctx context.Context, phase *Phase) error {
	target := ins.cfg.InstallRoot
	staging := stagingPath(target)
	defer func() { _ = os.RemoveAll(staging) }()

	*phase = PhaseCloning
	ins.sink.Progress(*phase, "downloading new version", 30)
	if err := ins.git.Clone(ctx, ins.cfg.RepoURL, ins.cfg.Branch, staging); err != nil {
		return err
	}

	*phase = PhaseValidating
	ins.sink.Progress(*phase, "validating download", 40)
	if err := validateCheckout(staging); err != nil {
		return err
	}

	*phase = PhasePromoting
	ins.sink.Progress(*phase, "swapping in new version", 50)
	backup := backupPath(target)
	if err := os.Rename(target, backup); err != nil {
		return fmt.Errorf("move live tree to backup: %w", err)
	}
	if err := promote(ins.log, staging, target); err != nil {
		ins.sink.Progress(PhaseRollingBack, "restoring previous version", 50)
		if restoreErr := os.Rename(backup, target); restoreErr != nil {
			ins.log.Error("backup restore failed", "backup", backup, "err", restoreErr)
			return fmt.Errorf("promote failed (%v) and restore failed: %w", err, restoreErr)
		}
		return err
	}
	if err := os.RemoveAll(backup); err != nil {
		ins.log.Warn("stale backup left behind", "path", backup, "err", err)
	}
	return nil
}

func (ins *Installer) checkRequirements(ctx context.Context) error {
	if !ins.condaOK(ctx) {
		return fmt.Errorf("conda is required but was not found on this system")
	}
	free, err := ins.freeDisk(ins.cfg.InstallRoot)
	if err != nil {
		ins.log.Warn("free disk space check skipped", "err", err)
		return nil
	}
	if free < minFreeBytes {
		return fmt.Errorf("not enough disk space: %d MiB free, %d MiB required",
			free/(1<<20), minFreeBytes/(1<<20))
	}
	if !gitrepo.Available() {
		ins.log.Info("git not on PATH, the provisioned runtime supplies it")
	}
	return nil
}

// installPythonDeps retries once through environment recreation when conda
// reports the prefix as unknown, which happens after partial deletes.
func (ins *Installer) installPythonDeps(ctx context.Context) error {
	err := ins.conda.InstallPythonRequirements(ctx, ins.cfg.CondaPrefix, ins.cfg.BackendDir())
	if !conda.IsStaleEnvironment(err) {
		return err
	}
	ins.log.Warn("runtime environment is stale, recreating", "prefix", ins.cfg.CondaPrefix)
	if err := ins.conda.RemoveEnvironment(ctx, ins.cfg.CondaPrefix); err != nil {
		return err
	}
	if err := ins.conda.CreateEnvironment(ctx, ins.cfg.CondaPrefix); err != nil {
		return err
	}
	return ins.conda.InstallPythonRequirements(ctx, ins.cfg.CondaPrefix, ins.cfg.BackendDir())
}

// configure migrates pre-install settings into the install root and writes
// the service env files.
func (ins *Installer) configure() error {
	pre := config.NewStore(ins.cfg.DataDir)
	live := config.NewStore(ins.cfg.InstallRoot)
	settings := config.DefaultSettings(ins.cfg.InstallRoot)
	switch {
	case live.Exists():
		settings = live.Load()
	case pre.Exists():
		settings = pre.Load()
		settings.Installation.Path = ins.cfg.InstallRoot
		ins.log.Info("migrating pre-install settings", "from", pre.Path)
	}
	if err := live.Save(settings); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := writeEnvFiles(ins.cfg, settings); err != nil {
		return err
	}
	return nil
}

func (ins *Installer) verify() error {
	target := ins.cfg.InstallRoot
	checks := []struct {
		ok   bool
		what string
	}{
		{gitrepo.IsRepo(target), "git checkout"},
		{fileExists(filepath.Join(ins.cfg.BackendDir(), "requirements.txt")), "backend/requirements.txt"},
		{fileExists(filepath.Join(ins.cfg.FrontendDir(), "package.json")), "frontend/package.json"},
		{fileExists(filepath.Join(ins.cfg.BackendDir(), ".env")), "backend/.env"},
		{fileExists(filepath.Join(ins.cfg.FrontendDir(), ".env")), "frontend/.env"},
		{dirExists(filepath.Join(ins.cfg.FrontendDir(), "node_modules")), "frontend/node_modules"},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("verification failed: %s missing", c.what)
		}
	}
	return nil
}

func (ins *Installer) persistState() {
	err := config.SaveState(ins.cfg.DataDir, config.State{InstallPath: ins.cfg.InstallRoot})
	if err != nil {
		ins.log.Warn("state file not written", "err", err)
	}
}
