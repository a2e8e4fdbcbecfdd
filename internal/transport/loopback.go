package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/codewiresh/drivewire/internal/driver"
	"github.com/codewiresh/drivewire/internal/protocol"
)

// Guids of the objects a Loopback creates during the handshake.
const (
	PlaywrightGUID = "Playwright"
	LocalUtilsGUID = "localUtils"
)

// BrowserNames are the browser types announced by the handshake, in
// creation order.
var BrowserNames = []string{"chromium", "firefox", "webkit"}

// BrowserTypeGUID returns the guid of the BrowserType object for name.
func BrowserTypeGUID(name string) string {
	return "browser-type@" + name
}

// LoopbackOptions configures a Loopback.
type LoopbackOptions struct {
	// Locator names the driver executable files probed after the
	// handshake. Defaults to driver.DefaultLocator("").
	Locator  driver.Locator
	Recorder Recorder
}

// Loopback answers the initialize handshake in-process without a driver.
// Any later request is answered by failing the error slot with a
// driver-not-found error, since a real driver is needed to serve it.
type Loopback struct {
	base
	locator driver.Locator

	stopped  chan struct{}
	stopOnce sync.Once
	// finished is closed once the close notification has been emitted,
	// by Run or by a WaitUntilStopped that got there first.
	finished chan struct{}
	started  bool
	// preempted is set when WaitUntilStopped tore down before Run began.
	preempted bool
}

var _ Transport = (*Loopback)(nil)

// NewLoopback returns a Loopback reporting to h.
func NewLoopback(h Handlers, opts LoopbackOptions) *Loopback {
	t := &Loopback{
		locator: opts.Locator,
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	if t.locator == nil {
		t.locator = driver.DefaultLocator("")
	}
	t.init("loopback", h, opts.Recorder)
	return t
}

// Connect always succeeds.
func (t *Loopback) Connect(_ context.Context) error {
	t.setState(StateConnected)
	t.event("connected", "loopback")
	t.log.Debug("loopback connected")
	return nil
}

// Run blocks until RequestStop is called or ctx is done.
func (t *Loopback) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateCreated {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.started {
		preempted := t.preempted
		t.mu.Unlock()
		if preempted {
			return nil
		}
		return errors.New("transport already running")
	}
	t.started = true
	t.mu.Unlock()
	t.setState(StateRunning)

	reason := "stop requested"
	select {
	case <-t.stopped:
	case <-ctx.Done():
		reason = "context done"
		t.RequestStop()
	}

	t.teardown(reason)
	return nil
}

func (t *Loopback) teardown(reason string) {
	t.setState(StateStopped)
	t.emitClose(reason)
	close(t.finished)
}

// RequestStop releases Run.
func (t *Loopback) RequestStop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
	})
}

// WaitUntilStopped returns once a stop has been requested and the close
// notification has been emitted. When Run has not begun yet the teardown
// happens here and a later Run returns at once.
func (t *Loopback) WaitUntilStopped(ctx context.Context) error {
	select {
	case <-t.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	if t.state == StateCreated {
		t.mu.Unlock()
		return nil
	}
	if !t.started {
		t.started = true
		t.preempted = true
		t.mu.Unlock()
		t.teardown("stop requested")
		return nil
	}
	t.mu.Unlock()
	select {
	case <-t.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send answers an initialize request with the created object graph and the
// response. Any other message fails the error slot. Messages are delivered
// on the caller's goroutine, so OnMessage must not call Send.
func (t *Loopback) Send(msg *protocol.Message) error {
	if msg == nil {
		return fmt.Errorf("sending message: nil message")
	}
	t.sent(msg)

	if msg.Method != protocol.MethodInitialize {
		return t.probeDriver()
	}
	if msg.ID == nil {
		return fmt.Errorf("initialize request has no id")
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	for _, m := range handshake(*msg.ID) {
		t.deliver(m)
	}
	return nil
}

// probeDriver fails the error slot with the reason the driver cannot be
// used: the first missing file, or a generic not-found error when every
// file exists, because a loopback session never carries real traffic.
func (t *Loopback) probeDriver() error {
	for _, path := range t.locator.Executable() {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				t.fail(&DriverNotFoundError{Path: path, Err: err})
				return nil
			}
			return fmt.Errorf("probing driver executable: %w", err)
		}
	}
	t.fail(&DriverNotFoundError{})
	return nil
}

// handshake builds the messages answering initialize request id. Objects
// are created before anything references their guid, so the Playwright
// root comes last.
func handshake(id int) []*protocol.Message {
	msgs := make([]*protocol.Message, 0, len(BrowserNames)+3)
	root := map[string]any{}

	for _, name := range BrowserNames {
		guid := BrowserTypeGUID(name)
		msgs = append(msgs, protocol.NewCreate(protocol.RootGUID, "BrowserType", guid, map[string]any{
			"executablePath": "",
			"name":           name,
		}))
		root[name] = map[string]any{"guid": guid}
	}

	msgs = append(msgs, protocol.NewCreate(protocol.RootGUID, "LocalUtils", LocalUtilsGUID, map[string]any{
		"deviceDescriptors": []any{},
	}))
	root["utils"] = map[string]any{"guid": LocalUtilsGUID}

	msgs = append(msgs, protocol.NewCreate(protocol.RootGUID, "Playwright", PlaywrightGUID, root))

	msgs = append(msgs, &protocol.Message{
		ID: protocol.IntPtr(id),
		Result: map[string]any{
			"playwright": map[string]any{"guid": PlaywrightGUID},
		},
	})
	return msgs
}
