package registry_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowmesh/enginerpc/internal/registry"
)

func TestWatchDirReportsNewFile(t *testing.T) {
	dir := t.TempDir()
	w, err := registry.WatchDir(dir)
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "addon_echo_v2.wasm")
	if err := os.WriteFile(path, []byte{0x00, 0x61, 0x73, 0x6d}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-w.Events:
		if ev.Path != path {
			t.Fatalf("unexpected event path: %s", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for artifact event")
	}
}
