package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunSubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.json")
	r, err := NewRunner("motion", "cp /dev/null {out_json}")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.Run(context.Background(), Inputs{OutJSON: out}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output not produced: %v", err)
	}
}

func TestRunFailureCapturesLog(t *testing.T) {
	r, err := NewRunner("music", "ls /definitely-not-a-real-path-beatsync")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	err = r.Run(context.Background(), Inputs{})
	if err == nil {
		t.Fatal("expected failure")
	}
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if engErr.Engine != "music" || engErr.Log == "" {
		t.Fatalf("engine error missing fields: %+v", engErr)
	}
}

func TestNewRunnerEmptyCommand(t *testing.T) {
	if _, err := NewRunner("motion", "   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestTruncateBoundsLog(t *testing.T) {
	long := strings.Repeat("x", MaxLogBytes+100)
	if got := Truncate(long, MaxLogBytes); len(got) != MaxLogBytes {
		t.Fatalf("len = %d, want %d", len(got), MaxLogBytes)
	}
	if got := Truncate("short", MaxLogBytes); got != "short" {
		t.Fatalf("short string altered: %q", got)
	}
}
