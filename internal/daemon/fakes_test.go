package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
	"github.com/Dicklesworthstone/permd/internal/idle"
)

type remoteUpdate struct {
	msg     coordinator.RemoteMessage
	req     coordinator.PermissionRequest
	outcome coordinator.Outcome
	actor   string
}

// fakeRemote records posts and updates in memory.
type fakeRemote struct {
	mu            sync.Mutex
	available     bool
	postErr       error
	beforeReturn  func(req coordinator.PermissionRequest)
	posts         []coordinator.PermissionRequest
	updates       []remoteUpdate
	notifications []coordinator.Notification
	seq           int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{available: true} }

func (f *fakeRemote) Name() string { return "Slack" }

func (f *fakeRemote) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeRemote) PostRequest(ctx context.Context, req coordinator.PermissionRequest) (coordinator.RemoteMessage, error) {
	f.mu.Lock()
	if f.postErr != nil {
		err := f.postErr
		f.mu.Unlock()
		return coordinator.RemoteMessage{}, err
	}
	f.seq++
	msg := coordinator.RemoteMessage{Channel: "C123", Timestamp: fmt.Sprintf("1700000000.%06d", f.seq)}
	f.posts = append(f.posts, req)
	hook := f.beforeReturn
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return msg, nil
}

func (f *fakeRemote) UpdateRequest(ctx context.Context, msg coordinator.RemoteMessage, req coordinator.PermissionRequest, outcome coordinator.Outcome, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, remoteUpdate{msg: msg, req: req, outcome: outcome, actor: actor})
	return nil
}

func (f *fakeRemote) PostNotification(ctx context.Context, n coordinator.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeRemote) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeRemote) lastPost() coordinator.PermissionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[len(f.posts)-1]
}

func (f *fakeRemote) updateList() []remoteUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteUpdate(nil), f.updates...)
}

func (f *fakeRemote) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

// recordingWriter counts responses and exposes its liveness callback.
type recordingWriter struct {
	mu           sync.Mutex
	responses    []coordinator.PermissionResponse
	onDisconnect func()
	watchStopped bool
}

func (w *recordingWriter) WriteResponse(resp coordinator.PermissionResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses = append(w.responses, resp)
	if len(w.responses) > 1 {
		return errors.New("written twice")
	}
	return nil
}

func (w *recordingWriter) Watch(onDisconnect func()) coordinator.Watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDisconnect = onDisconnect
	return writerWatch{w}
}

type writerWatch struct{ w *recordingWriter }

func (ww writerWatch) Stop() {
	ww.w.mu.Lock()
	ww.w.watchStopped = true
	ww.w.mu.Unlock()
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.responses)
}

func (w *recordingWriter) last() coordinator.PermissionResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.responses) == 0 {
		return coordinator.PermissionResponse{}
	}
	return w.responses[len(w.responses)-1]
}

func (w *recordingWriter) disconnect() {
	w.mu.Lock()
	fn := w.onDisconnect
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *recordingWriter) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watchStopped
}

// fakeIdle is an idle.Source driven by the test.
type fakeIdle struct {
	mu       sync.Mutex
	onChange idle.ChangeFunc
	idle     bool
	running  bool
	startErr error
}

func (f *fakeIdle) factory(onChange idle.ChangeFunc, _ *log.Logger) (idle.Source, error) {
	f.mu.Lock()
	f.onChange = onChange
	f.mu.Unlock()
	return f, nil
}

func (f *fakeIdle) Name() string { return "fake" }

func (f *fakeIdle) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeIdle) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeIdle) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeIdle) Run(ctx context.Context) error {
	<-ctx.Done()
	return f.Stop()
}

func (f *fakeIdle) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeIdle) Restart(ctx context.Context) error {
	f.set(false)
	return nil
}

func (f *fakeIdle) set(v bool) {
	f.mu.Lock()
	if f.idle == v {
		f.mu.Unlock()
		return
	}
	f.idle = v
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}
