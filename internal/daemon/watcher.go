package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ErrSocketRemoved is returned by the daemon's watch loop when its socket
// file is deleted or replaced out from under it.
var ErrSocketRemoved = errors.New("socket file removed")

// WatchEvent is a debounced file change event emitted by Watcher.
type WatchEvent struct {
	Path string
	Op   fsnotify.Op
	At   time.Time
}

// Removed reports whether the path went away or was renamed.
func (e WatchEvent) Removed() bool {
	return e.Op.Has(fsnotify.Remove) || e.Op.Has(fsnotify.Rename)
}

// Watcher reports changes to a fixed set of files. It watches their parent
// directories, so deletion and re-creation are both observed.
//
// Each path has its own quiet window: a burst of operations on one file
// (an editor's save, an atomic rename) becomes a single WatchEvent carrying
// every operation seen, emitted once the file has been quiet for the window.
type Watcher struct {
	files  map[string]struct{}
	fsw    *fsnotify.Watcher
	logger *log.Logger
	window time.Duration

	events chan WatchEvent
	errors chan error

	mu      sync.Mutex
	pending map[string]*pendingOp
	closed  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type pendingOp struct {
	op    fsnotify.Op
	timer *time.Timer
}

// NewWatcher creates a watcher for files. Empty paths are skipped.
func NewWatcher(logger *log.Logger, files ...string) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	set := make(map[string]struct{}, len(files))
	dirs := make(map[string]struct{})
	for _, f := range files {
		if f == "" {
			continue
		}
		f = filepath.Clean(f)
		set[f] = struct{}{}
		dirs[filepath.Dir(f)] = struct{}{}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w := newWatcher(logger, 100*time.Millisecond)
	w.files = set
	w.fsw = fsw
	return w, nil
}

func newWatcher(logger *log.Logger, window time.Duration) *Watcher {
	return &Watcher{
		logger:  logger.WithPrefix("watcher"),
		window:  window,
		events:  make(chan WatchEvent, 64),
		errors:  make(chan error, 16),
		pending: make(map[string]*pendingOp),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Events returns the debounced events. It is closed once the watcher stops.
func (w *Watcher) Events() <-chan WatchEvent {
	if w == nil {
		ch := make(chan WatchEvent)
		close(ch)
		return ch
	}
	return w.events
}

// Errors returns errors from the underlying watcher. It is closed once the
// watcher stops.
func (w *Watcher) Errors() <-chan error {
	if w == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return w.errors
}

// Start runs the event loop until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.fsw == nil {
		return fmt.Errorf("watcher is not initialized")
	}
	w.startOnce.Do(func() {
		go w.loop(ctx)
	})
	return nil
}

// Stop ends the loop, emits anything still waiting out its window, and
// closes both channels.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
		w.startOnce.Do(w.finish)
		<-w.doneCh
	})
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.finish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if _, watched := w.files[path]; watched {
				w.record(path, ev.Op)
			}
		}
	}
}

// record merges op into path's pending event and restarts its window.
func (w *Watcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.op |= op
		p.timer.Reset(w.window)
		return
	}
	w.pending[path] = &pendingOp{
		op:    op,
		timer: time.AfterFunc(w.window, func() { w.emit(path) }),
	}
}

func (w *Watcher) emit(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[path]; ok {
		delete(w.pending, path)
		w.send(path, p.op)
	}
}

// send requires w.mu.
func (w *Watcher) send(path string, op fsnotify.Op) {
	select {
	case w.events <- WatchEvent{Path: path, Op: op, At: time.Now().UTC()}:
	default:
		w.logger.Warn("watch event dropped", "path", path, "op", op)
	}
}

// finish flushes pending events and closes the channels exactly once.
func (w *Watcher) finish() {
	w.mu.Lock()
	for path, p := range w.pending {
		p.timer.Stop()
		w.send(path, p.op)
	}
	w.pending = map[string]*pendingOp{}
	w.closed = true
	close(w.events)
	close(w.errors)
	w.mu.Unlock()
	close(w.doneCh)
}

func (w *Watcher) sendError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watcher error dropped", "err", err)
	}
}
