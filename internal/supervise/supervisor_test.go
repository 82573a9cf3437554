//go:build !windows

package supervise

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, t.TempDir())
}

func TestStartAndStop(t *testing.T) {
	s := testSupervisor(t)
	name := "sleeper"
	if err := s.Start(name, []string{"sleep", "30"}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(name, time.Second) })

	if !s.IsRunning(name) {
		t.Fatal("expected process to be running")
	}
	st := s.GetStatus(name)
	if !st.Exists || !st.Running || st.PID <= 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Adopted {
		t.Fatal("spawned process reported as adopted")
	}

	if err := s.Stop(name, 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning(name) {
		t.Fatal("process still running after Stop")
	}
	if s.Tracked(name) {
		t.Fatal("entry not removed after Stop")
	}
}

func TestStartAlreadyRunningIsNoop(t *testing.T) {
	s := testSupervisor(t)
	name := "dup"
	if err := s.Start(name, []string{"sleep", "30"}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(name, time.Second) })
	first := s.GetStatus(name).PID

	if err := s.Start(name, []string{"sleep", "30"}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := s.GetStatus(name).PID; got != first {
		t.Fatalf("second Start replaced running process: pid %d -> %d", first, got)
	}
}

func TestStopUntrackedIsNoop(t *testing.T) {
	s := testSupervisor(t)
	if err := s.Stop("ghost", time.Second); err != nil {
		t.Fatalf("Stop of untracked name: %v", err)
	}
}

func TestStaleEntryDiscardedOnStart(t *testing.T) {
	s := testSupervisor(t)
	name := "flaky"
	if err := s.Start(name, []string{"sh", "-c", "exit 0"}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.IsRunning(name) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if s.IsRunning(name) {
		t.Fatal("short-lived process did not exit")
	}

	if err := s.Start(name, []string{"sleep", "30"}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("Start over stale entry: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(name, time.Second) })
	if !s.IsRunning(name) {
		t.Fatal("replacement process not running")
	}
}

func TestStartupFailureDetected(t *testing.T) {
	s := testSupervisor(t)
	name := "crasher"
	err := s.Start(name, []string{"sh", "-c", "exit 3"}, "", nil,
		StartOptions{WaitForStartup: true, StartupTimeout: time.Second})
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if s.Tracked(name) {
		t.Fatal("failed process left in registry")
	}
}

func TestSpawnFailureNamesCommand(t *testing.T) {
	s := testSupervisor(t)
	err := s.Start("nope", []string{"/definitely/not/a/binary"}, "/tmp", nil, StartOptions{})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if got := err.Error(); !strings.Contains(got, "/definitely/not/a/binary") || !strings.Contains(got, "/tmp") {
		t.Fatalf("spawn error missing command or cwd: %s", got)
	}
	if s.Tracked("nope") {
		t.Fatal("failed spawn left in registry")
	}
}

func TestStopKillsWholeTree(t *testing.T) {
	s := testSupervisor(t)
	name := "family"
	script := "sleep 30 & sleep 30 & sleep 30 & wait"
	if err := s.Start(name, []string{"sh", "-c", script}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(name, time.Second) })
	pid := s.GetStatus(name).PID

	var tree = processTree(pid)
	deadline := time.Now().Add(3 * time.Second)
	for len(tree) < 4 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		tree = processTree(pid)
	}
	if len(tree) < 4 {
		t.Fatalf("expected parent plus 3 children, got %d members", len(tree))
	}

	if err := s.Stop(name, 5*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for anyAlive(tree) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if anyAlive(tree) {
		t.Fatal("tree members survived Stop")
	}
}

func TestAnyAliveIgnoresZombies(t *testing.T) {
	cmd := exec.Command("sleep", "0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = cmd.Wait() }()

	tree := processTree(cmd.Process.Pid)
	if len(tree) == 0 {
		t.Fatal("process not found in table")
	}

	// Not reaped until the deferred Wait, so the exited child sits in the
	// process table as a zombie.
	deadline := time.Now().Add(3 * time.Second)
	for !isZombie(tree[0]) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !isZombie(tree[0]) {
		t.Fatal("child never became a zombie")
	}
	if anyAlive(tree) {
		t.Fatal("zombie counted as alive")
	}
}

func TestAdoptAndStop(t *testing.T) {
	s := testSupervisor(t)
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	pid := cmd.Process.Pid
	start := procStartUnix(pid)
	if !s.Adopt("stray", pid, []string{"sleep", "30"}, start) {
		t.Fatal("Adopt returned false for untracked name")
	}
	if s.Adopt("stray", pid, nil, start) {
		t.Fatal("Adopt succeeded twice for the same name")
	}

	st := s.GetStatus("stray")
	if !st.Adopted || st.Dir != "unknown" {
		t.Fatalf("unexpected adopted status: %+v", st)
	}
	if !s.IsRunning("stray") {
		t.Fatal("adopted process not reported running")
	}
	if err := s.Stop("stray", 2*time.Second); err != nil {
		t.Fatalf("Stop adopted: %v", err)
	}
	if s.IsRunning("stray") {
		t.Fatal("adopted process still running after Stop")
	}
}

func TestRegisterKeepsLiveEntry(t *testing.T) {
	s := testSupervisor(t)
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	pid := cmd.Process.Pid
	if !s.Adopt("svc", pid, []string{"sleep", "30"}, procStartUnix(pid)) {
		t.Fatal("Adopt returned false for untracked name")
	}

	dup := exec.Command("sleep", "30")
	if err := dup.Start(); err != nil {
		t.Fatalf("spawn duplicate: %v", err)
	}
	go func() { _ = dup.Wait() }()
	t.Cleanup(func() { _ = dup.Process.Kill() })

	mp := &ManagedProcess{
		Name:    "svc",
		PID:     dup.Process.Pid,
		Command: []string{"sleep", "30"},
		handle:  newAdoptedHandle(dup.Process.Pid, procStartUnix(dup.Process.Pid)),
	}
	if s.register(mp) {
		t.Fatal("register replaced a live entry")
	}
	if got := s.GetStatus("svc").PID; got != pid {
		t.Fatalf("registry PID = %d, want original %d", got, pid)
	}

	if err := s.Stop("svc", 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !s.register(mp) {
		t.Fatal("register refused the name after the entry was removed")
	}
	if got := s.GetStatus("svc").PID; got != dup.Process.Pid {
		t.Fatalf("registry PID = %d, want %d", got, dup.Process.Pid)
	}
}

func TestRestartReusesRecordedCommand(t *testing.T) {
	s := testSupervisor(t)
	name := "phoenix"
	if err := s.Start(name, []string{"sleep", "30"}, "", nil, StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(name, time.Second) })
	first := s.GetStatus(name).PID

	if err := s.Restart(name, 2*time.Second); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st := s.GetStatus(name)
	if !st.Running {
		t.Fatal("process not running after Restart")
	}
	if st.PID == first {
		t.Fatalf("Restart kept old pid %d", first)
	}
	if len(st.Command) != 2 || st.Command[0] != "sleep" {
		t.Fatalf("recorded command not reused: %v", st.Command)
	}

	if err := s.Restart("nobody", time.Second); err == nil {
		t.Fatal("Restart of untracked name succeeded")
	}
}

func TestStopAll(t *testing.T) {
	s := testSupervisor(t)
	for _, name := range []string{"one", "two"} {
		if err := s.Start(name, []string{"sleep", "30"}, "", nil, StartOptions{}); err != nil {
			t.Fatalf("Start %s: %v", name, err)
		}
	}
	ok, results := s.StopAll(3 * time.Second)
	if !ok {
		t.Fatalf("StopAll reported failure: %v", results)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for name, err := range results {
		if err != nil {
			t.Fatalf("StopAll %s: %v", name, err)
		}
	}
	if s.Tracked("one") || s.Tracked("two") {
		t.Fatal("entries remain after StopAll")
	}
}

func TestKillByPatterns(t *testing.T) {
	s := testSupervisor(t)
	cmd := exec.Command("sleep", "86431")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	killed := s.KillByPatterns([]string{"sleep 86431"}, "test stray")
	if killed < 1 {
		t.Fatalf("expected at least one kill, got %d", killed)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("patterned process did not exit")
	}
}
