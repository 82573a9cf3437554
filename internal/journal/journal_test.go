package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordAndRecent(t *testing.T) {
	j, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = j.Close() }()

	ctx := context.Background()
	if err := j.Record(ctx, KindInstallStarted, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, KindInstallCompleted, "2m13s"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, KindServicesStarted, "ports 8005/5173"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != KindServicesStarted {
		t.Fatalf("newest first violated: %s", events[0].Kind)
	}
	if events[0].Detail != "ports 8005/5173" {
		t.Fatalf("detail = %q", events[0].Detail)
	}
	if events[0].At.IsZero() {
		t.Fatal("event timestamp not set")
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	j, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = j.Close() }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, KindServicesStopped, ""); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	events, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("limit ignored: got %d events", len(events))
	}
}

func TestLastOfKind(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = j.Close() }()

	ctx := context.Background()
	if _, ok, err := j.LastOfKind(ctx, KindUpdateCompleted); err != nil || ok {
		t.Fatalf("LastOfKind on empty journal = ok=%v err=%v", ok, err)
	}

	_ = j.Record(ctx, KindUpdateCompleted, "first")
	_ = j.Record(ctx, KindUpdateCompleted, "second")

	ev, ok, err := j.LastOfKind(ctx, KindUpdateCompleted)
	if err != nil || !ok {
		t.Fatalf("LastOfKind = ok=%v err=%v", ok, err)
	}
	if ev.Detail != "second" {
		t.Fatalf("expected latest event, got %q", ev.Detail)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Record(context.Background(), KindInstallCompleted, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = j2.Close() }()
	events, err := j2.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0].Kind != KindInstallCompleted {
		t.Fatalf("events after reopen = %+v", events)
	}
}
