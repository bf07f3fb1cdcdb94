package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/dispatch/internal/dispatch/memstore"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestSeedEngineers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engineers.json")
	roster := `[
		{"name": "ana", "skills": ["go", "postgres"], "seniority": "senior", "avg_ttr_min": 25},
		{"name": "bo", "skills": ["frontend"], "seniority": "junior"}
	]`
	if err := os.WriteFile(path, []byte(roster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	store := memstore.New()
	n, err := seedEngineers(context.Background(), store, path)
	if err != nil {
		t.Fatalf("seedEngineers: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded = %d, want 2", n)
	}

	e, ok, err := store.GetEngineer(context.Background(), "ana")
	if err != nil || !ok {
		t.Fatalf("GetEngineer = (%v, %v)", ok, err)
	}
	if e.AvgTTRMin != 25 || e.Seniority != "senior" {
		t.Errorf("engineer = %+v", e)
	}
}

func TestSeedEngineers_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := memstore.New()

	badJSON := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badJSON, []byte(`{not json`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := seedEngineers(context.Background(), store, badJSON); err == nil {
		t.Error("expected error for malformed roster")
	}

	unnamed := filepath.Join(dir, "unnamed.json")
	if err := os.WriteFile(unnamed, []byte(`[{"skills": ["go"]}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := seedEngineers(context.Background(), store, unnamed); err == nil {
		t.Error("expected error for roster entry without name")
	}

	if _, err := seedEngineers(context.Background(), store, filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
