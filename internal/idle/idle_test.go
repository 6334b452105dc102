package idle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dicklesworthstone/permd/internal/testutil"
)

type changeRecorder struct {
	mu  sync.Mutex
	got []bool
}

func (r *changeRecorder) record(idle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, idle)
}

func (r *changeRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.got...)
}

// scriptedProbe replays results in order and then repeats the last one.
type scriptedProbe struct {
	mu      sync.Mutex
	results []probeResult
	calls   atomic.Int32
}

type probeResult struct {
	idleFor time.Duration
	err     error
}

func (s *scriptedProbe) probe(context.Context) (time.Duration, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.idleFor, r.err
}

func TestParseHIDIdleTime(t *testing.T) {
	t.Parallel()
	out := []byte(`
    | |   "HIDParameters" = {"HIDClickTime"=500000000}
    | |   "HIDIdleTime" = 42000000000
    | |   "HIDKeyboardModifierMappingPairs" = ()
`)
	d, err := parseHIDIdleTime(out)
	testutil.RequireNoError(t, err, "parseHIDIdleTime")
	testutil.RequireEqual(t, 42*time.Second, d, "idle time")

	if _, err := parseHIDIdleTime([]byte("no idle here")); err == nil {
		t.Fatal("expected error for missing HIDIdleTime")
	}
}

func TestParseMillis(t *testing.T) {
	t.Parallel()
	d, err := parseMillis([]byte("1500\n"))
	testutil.RequireNoError(t, err, "parseMillis")
	testutil.RequireEqual(t, 1500*time.Millisecond, d, "idle time")

	if _, err := parseMillis([]byte("soon")); err == nil {
		t.Fatal("expected error for non-numeric output")
	}
}

func TestDetectBackend(t *testing.T) {
	t.Parallel()
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}
	tests := []struct {
		goos string
		env  map[string]string
		want string
	}{
		{"darwin", nil, BackendIoreg},
		{"windows", nil, BackendWindows},
		{"linux", map[string]string{"WAYLAND_DISPLAY": "wayland-1"}, BackendSwayidle},
		{"linux", map[string]string{"DISPLAY": ":0"}, BackendXprintidle},
		{"linux", map[string]string{"DISPLAY": ":0", "WAYLAND_DISPLAY": "wayland-1"}, BackendSwayidle},
		{"linux", nil, BackendSwayidle},
		{"freebsd", nil, BackendSwayidle},
	}
	for _, tt := range tests {
		if got := DetectBackend(tt.goos, env(tt.env)); got != tt.want {
			t.Errorf("DetectBackend(%s, %v) = %s, want %s", tt.goos, tt.env, got, tt.want)
		}
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{Backend: "telepathy"}, nil, testutil.TestLogger(t)); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestNew_MissingBinaryFailsAtStart(t *testing.T) {
	t.Parallel()
	src, err := New(Options{
		Backend:          BackendXprintidle,
		Threshold:        time.Second,
		XprintidleBinary: "/nonexistent/xprintidle",
	}, nil, testutil.TestLogger(t))
	testutil.RequireNoError(t, err, "New")

	err = src.Start(context.Background())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Start err = %v, want ErrBackendUnavailable", err)
	}
	testutil.RequireTrue(t, !src.Running(), "source must not be running")
}

func TestPoller_EmitsOncePerTransition(t *testing.T) {
	t.Parallel()
	probe := &scriptedProbe{results: []probeResult{
		{idleFor: 0},
		{idleFor: 5 * time.Second},
		{idleFor: 6 * time.Second},
		{idleFor: 7 * time.Second},
		{idleFor: 0},
		{idleFor: 0},
	}}
	rec := &changeRecorder{}
	p := NewPoller("test", probe.probe, nil, 5*time.Second, 5*time.Millisecond, rec.record, testutil.TestLogger(t))

	testutil.RequireNoError(t, p.Start(context.Background()), "Start")
	testutil.Eventually(t, 2*time.Second, func() bool { return probe.calls.Load() >= 8 }, "probe calls")
	testutil.RequireNoError(t, p.Stop(), "Stop")

	got := rec.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("transitions = %v, want [true false]", got)
	}
}

func TestPoller_ProbeFailureDoesNotFlap(t *testing.T) {
	t.Parallel()
	boom := errors.New("ioreg crashed")
	probe := &scriptedProbe{results: []probeResult{
		{idleFor: time.Minute},
		{err: boom},
		{err: boom},
		{idleFor: time.Minute},
	}}
	rec := &changeRecorder{}
	p := NewPoller("test", probe.probe, nil, time.Second, 5*time.Millisecond, rec.record, testutil.TestLogger(t))

	testutil.RequireNoError(t, p.Start(context.Background()), "Start")
	testutil.Eventually(t, 2*time.Second, func() bool { return probe.calls.Load() >= 6 }, "probe calls")
	testutil.RequireNoError(t, p.Stop(), "Stop")

	got := rec.snapshot()
	if len(got) != 1 || got[0] != true {
		t.Fatalf("transitions = %v, want [true]", got)
	}
	testutil.RequireTrue(t, p.Idle(), "still idle after failed probes")
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	probe := &scriptedProbe{results: []probeResult{{idleFor: 0}}}
	p := NewPoller("test", probe.probe, nil, time.Second, 5*time.Millisecond, nil, testutil.TestLogger(t))

	testutil.RequireNoError(t, p.Stop(), "Stop before Start")
	testutil.RequireNoError(t, p.Start(context.Background()), "Start")
	testutil.RequireTrue(t, p.Running(), "running after Start")
	testutil.RequireNoError(t, p.Stop(), "first Stop")
	testutil.RequireNoError(t, p.Stop(), "second Stop")
	testutil.RequireTrue(t, !p.Running(), "not running after Stop")
}

func TestPoller_RestartResetsToActive(t *testing.T) {
	t.Parallel()
	probe := &scriptedProbe{results: []probeResult{{idleFor: time.Hour}}}
	rec := &changeRecorder{}
	p := NewPoller("test", probe.probe, nil, time.Second, time.Hour, rec.record, testutil.TestLogger(t))

	testutil.RequireNoError(t, p.Start(context.Background()), "Start")
	testutil.Eventually(t, time.Second, p.Idle, "idle after first sample")

	// Swap the probe result so the restarted loop sees activity but the
	// reset itself must already have reported active.
	probe.mu.Lock()
	probe.results = []probeResult{{idleFor: 0}}
	probe.mu.Unlock()

	testutil.RequireNoError(t, p.Restart(context.Background()), "Restart")
	defer func() { _ = p.Stop() }()

	got := rec.snapshot()
	if len(got) < 2 || got[0] != true || got[1] != false {
		t.Fatalf("transitions = %v, want [true false ...]", got)
	}
	testutil.RequireTrue(t, p.Running(), "running after Restart")
}

func TestPoller_RunReturnsOnCancel(t *testing.T) {
	t.Parallel()
	probe := &scriptedProbe{results: []probeResult{{idleFor: 0}}}
	p := NewPoller("test", probe.probe, nil, time.Second, 5*time.Millisecond, nil, testutil.TestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	testutil.Eventually(t, time.Second, p.Running, "running")
	cancel()
	select {
	case err := <-errCh:
		testutil.RequireNoError(t, err, "Run")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	testutil.RequireTrue(t, !p.Running(), "stopped after Run returns")
}

func TestSwayidle_Argv(t *testing.T) {
	t.Parallel()
	s := NewSwayidle(`/opt/sway/swayidle -d`, 90*time.Second, nil, testutil.TestLogger(t))
	argv, err := s.argv()
	testutil.RequireNoError(t, err, "argv")
	want := []string{"/opt/sway/swayidle", "-d", "-w", "timeout", "90", "echo IDLE", "resume", "echo ACTIVE"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %q, want %q", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}

	if _, err := NewSwayidle("", time.Second, nil, testutil.TestLogger(t)).argv(); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("empty command err = %v", err)
	}
}

func TestSwayidle_FollowsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	t.Parallel()

	script := filepath.Join(t.TempDir(), "fake-swayidle")
	body := "#!/bin/sh\necho IDLE\necho IDLE\necho something else\necho ACTIVE\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec := &changeRecorder{}
	s := NewSwayidle(script, time.Minute, rec.record, testutil.TestLogger(t))
	testutil.RequireNoError(t, s.Start(context.Background()), "Start")

	testutil.Eventually(t, 3*time.Second, func() bool { return len(rec.snapshot()) >= 2 }, "transitions")
	testutil.RequireNoError(t, s.Stop(), "Stop")

	got := rec.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("transitions = %v, want [true false]", got)
	}
	testutil.RequireTrue(t, !s.Running(), "stopped")
}

func TestSwayidle_RespawnResetsToActive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	t.Parallel()

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	script := filepath.Join(dir, "fake-swayidle")
	body := "#!/bin/sh\nif [ ! -f '" + marker + "' ]; then\n  touch '" + marker + "'\n  echo IDLE\n  exit 1\nfi\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec := &changeRecorder{}
	s := NewSwayidle(script, time.Minute, rec.record, testutil.TestLogger(t))
	testutil.RequireNoError(t, s.Start(context.Background()), "Start")
	t.Cleanup(func() { _ = s.Stop() })

	testutil.Eventually(t, swayidleRetryDelay+3*time.Second, func() bool { return len(rec.snapshot()) >= 2 }, "reset after exit")

	got := rec.snapshot()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("transitions = %v, want [true false]", got)
	}
	testutil.RequireTrue(t, !s.Idle(), "active after respawn")
	testutil.RequireTrue(t, s.Running(), "still running")
}

func TestSwayidle_MissingBinary(t *testing.T) {
	t.Parallel()
	s := NewSwayidle("/nonexistent/swayidle", time.Second, nil, testutil.TestLogger(t))
	if err := s.Start(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Start err = %v, want ErrBackendUnavailable", err)
	}
}
