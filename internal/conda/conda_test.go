package conda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func capture(calls *[]string) Runner {
	return func(_ context.Context, argv ...string) (string, error) {
		*calls = append(*calls, strings.Join(argv, " "))
		return "", nil
	}
}

func makeEnvDir(t *testing.T) string {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "env")
	if err := os.MkdirAll(filepath.Join(prefix, "conda-meta"), 0o755); err != nil {
		t.Fatal(err)
	}
	return prefix
}

func TestEnvironmentExists(t *testing.T) {
	if EnvironmentExists(t.TempDir()) {
		t.Fatal("bare directory reported as environment")
	}
	if !EnvironmentExists(makeEnvDir(t)) {
		t.Fatal("conda-meta directory not recognized")
	}
}

func TestCreateEnvironmentIdempotent(t *testing.T) {
	var calls []string
	m := NewWithRunner(discardLogger(), capture(&calls))

	if err := m.CreateEnvironment(context.Background(), makeEnvDir(t)); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no invocations for existing env, got %v", calls)
	}
}

func TestCreateEnvironmentCommand(t *testing.T) {
	var calls []string
	m := NewWithRunner(discardLogger(), capture(&calls))
	prefix := filepath.Join(t.TempDir(), "env")

	if err := m.CreateEnvironment(context.Background(), prefix); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	// Three terms-of-service acceptances precede the create.
	if len(calls) != 4 {
		t.Fatalf("expected 4 invocations, got %d: %v", len(calls), calls)
	}
	for _, c := range calls[:3] {
		if !strings.HasPrefix(c, "conda tos accept --override-channels --channel ") {
			t.Fatalf("unexpected tos invocation: %s", c)
		}
	}
	want := fmt.Sprintf("conda create -y --prefix %s python=3.11 nodejs git", prefix)
	if calls[3] != want {
		t.Fatalf("create invocation = %q, want %q", calls[3], want)
	}
}

func TestAcceptTermsOfServiceTolerantOfErrors(t *testing.T) {
	var calls []string
	m := NewWithRunner(discardLogger(), func(_ context.Context, argv ...string) (string, error) {
		calls = append(calls, strings.Join(argv, " "))
		return "", errors.New("Terms of Service have already been accepted")
	})
	m.AcceptTermsOfService(context.Background())
	if len(calls) != 3 {
		t.Fatalf("expected all 3 channels attempted, got %d", len(calls))
	}
}

func TestRemoveEnvironmentFallsBackToDirectoryDelete(t *testing.T) {
	prefix := makeEnvDir(t)
	m := NewWithRunner(discardLogger(), func(_ context.Context, _ ...string) (string, error) {
		return "", errors.New("EnvironmentLocationNotFound: Not a conda environment")
	})

	if err := m.RemoveEnvironment(context.Background(), prefix); err != nil {
		t.Fatalf("RemoveEnvironment: %v", err)
	}
	if _, err := os.Stat(prefix); !os.IsNotExist(err) {
		t.Fatal("prefix directory not removed")
	}
}

func TestInstallPythonRequirements(t *testing.T) {
	dir := t.TempDir()
	req := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(req, []byte("fastapi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var calls []string
	m := NewWithRunner(discardLogger(), capture(&calls))

	if err := m.InstallPythonRequirements(context.Background(), "/envs/app", dir); err != nil {
		t.Fatalf("InstallPythonRequirements: %v", err)
	}
	want := "conda run --prefix /envs/app pip install -r " + req
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("invocation = %v, want [%s]", calls, want)
	}
}

func TestInstallPythonRequirementsMissingFile(t *testing.T) {
	m := NewWithRunner(discardLogger(), capture(&[]string{}))
	if err := m.InstallPythonRequirements(context.Background(), "/envs/app", t.TempDir()); err == nil {
		t.Fatal("expected error for missing requirements.txt")
	}
}

func TestIsStaleEnvironment(t *testing.T) {
	if !IsStaleEnvironment(errors.New("EnvironmentLocationNotFound: Not a conda environment: /x")) {
		t.Fatal("stale marker not detected")
	}
	if IsStaleEnvironment(errors.New("PackagesNotFoundError")) {
		t.Fatal("unrelated error flagged stale")
	}
	if IsStaleEnvironment(nil) {
		t.Fatal("nil error flagged stale")
	}
}
