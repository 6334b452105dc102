// Package testutil provides shared test helpers for permd.
//
// Helpers stay small and deterministic and register cleanup with t.Cleanup.
// Most daemon tests start with:
//
//	logger := testutil.TestLogger(t)
//	sock := testutil.SocketPath(t)
package testutil
