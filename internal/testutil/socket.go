package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SocketPath returns a Unix socket path short enough for every platform.
//
// t.TempDir paths can exceed the 104 byte sun_path limit on macOS, so the
// directory is created directly under /tmp and removed on cleanup.
func SocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "permd")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}
