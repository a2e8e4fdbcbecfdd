// Package transport carries driver protocol messages between a client and
// the driver process. Every strategy implements Transport; the owning
// session connects it, runs its receive loop in a goroutine, sends messages,
// and watches the ErrorSlot for fatal failures.
package transport

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/drivewire/internal/protocol"
)

// Failure kinds. Errors resolved into an ErrorSlot or returned from Connect
// match one of these with errors.Is; protocol.ErrMalformedMessage is the
// fourth kind.
var (
	ErrConnectFailure  = errors.New("connect failed")
	ErrDriverNotFound  = errors.New("driver executable not found")
	ErrUnexpectedClose = errors.New("connection closed while reading from the driver")
	ErrDisposed        = errors.New("transport disposed")
	ErrNotConnected    = errors.New("transport not connected")
)

// DriverNotFoundError reports a missing driver executable. When the probe
// hit a filesystem error, Err holds it and its message is kept verbatim.
type DriverNotFoundError struct {
	Path string
	Err  error
}

func (e *DriverNotFoundError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ErrDriverNotFound.Error()
}

func (e *DriverNotFoundError) Unwrap() error { return e.Err }

// Is matches ErrDriverNotFound and fs.ErrNotExist.
func (e *DriverNotFoundError) Is(target error) bool {
	return target == ErrDriverNotFound || target == fs.ErrNotExist
}

// Transport is the capability every strategy provides.
type Transport interface {
	// Connect makes the transport ready to exchange messages. A failure is
	// returned and also resolved into the error slot.
	Connect(ctx context.Context) error

	// Run is the receive loop. It returns once a stop is requested, ctx is
	// done, or the session ends. Session failures go to the error slot, not
	// the return value; Run only returns an error when misused.
	Run(ctx context.Context) error

	// Send hands one message to the peer. Messages reach the peer in the
	// order Send was called.
	Send(msg *protocol.Message) error

	// RequestStop asks the receive loop to exit. It never blocks and may be
	// called any number of times.
	RequestStop()

	// WaitUntilStopped blocks until teardown has completed or ctx is done.
	WaitUntilStopped(ctx context.Context) error

	// Dispose cancels the error slot for anyone still waiting on it.
	Dispose()

	// Errors returns the single-shot error slot.
	Errors() *ErrorSlot
}

// Handlers are the observers of a transport, fixed at construction.
// OnMessage is never invoked concurrently with itself. A Loopback calls it
// from inside Send, so it must not call Send itself.
type Handlers struct {
	OnMessage func(msg *protocol.Message)
	OnClose   func(reason string)
}

// Message directions passed to a Recorder.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// Recorder journals traffic and lifecycle events of a transport.
type Recorder interface {
	Record(direction string, msg *protocol.Message)
	Event(kind, detail string)
}

// State is the lifecycle position of a transport.
type State int

const (
	StateCreated State = iota
	StateConnected
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// base holds what every strategy shares: identity, observers, the error
// slot and the lifecycle state.
type base struct {
	id       string
	handlers Handlers
	recorder Recorder
	slot     *ErrorSlot
	log      *slog.Logger

	mu    sync.Mutex
	state State

	deliverMu sync.Mutex
	closeOnce sync.Once
}

func (b *base) init(kind string, h Handlers, rec Recorder) {
	b.id = uuid.NewString()
	b.handlers = h
	b.recorder = rec
	b.slot = NewErrorSlot()
	b.log = slog.With("transport", kind, "id", b.id)
}

// ID identifies this transport instance in logs and traces.
func (b *base) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Errors returns the error slot.
func (b *base) Errors() *ErrorSlot { return b.slot }

// Dispose cancels the error slot. Waiters observe ErrDisposed.
func (b *base) Dispose() {
	if b.slot.Cancel() {
		b.log.Debug("transport disposed")
	}
}

func (b *base) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateFailed {
		return
	}
	b.state = s
}

// fail resolves the error slot with err. Once the transport has stopped, a
// late failure is dropped.
func (b *base) fail(err error) bool {
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		b.log.Debug("ignoring failure after stop", "err", err)
		return false
	}
	b.mu.Unlock()

	if !b.slot.Resolve(err) {
		return false
	}
	b.mu.Lock()
	b.state = StateFailed
	b.mu.Unlock()
	b.log.Warn("transport failed", "err", err)
	b.event("failed", err.Error())
	return true
}

func (b *base) deliver(msg *protocol.Message) {
	if b.recorder != nil {
		b.recorder.Record(DirectionRecv, msg)
	}
	if b.handlers.OnMessage != nil {
		b.handlers.OnMessage(msg)
	}
}

func (b *base) sent(msg *protocol.Message) {
	b.log.Debug("message sent", "id", idAttr(msg), "guid", msg.GUID, "method", msg.Method)
	if b.recorder != nil {
		b.recorder.Record(DirectionSend, msg)
	}
}

// emitClose notifies observers that the transport closed. Only the first
// call has any effect.
func (b *base) emitClose(reason string) {
	b.closeOnce.Do(func() {
		b.log.Info("transport closed", "reason", reason)
		b.event("closed", reason)
		if b.handlers.OnClose != nil {
			b.handlers.OnClose(reason)
		}
	})
}

func (b *base) event(kind, detail string) {
	if b.recorder != nil {
		b.recorder.Event(kind, detail)
	}
}

func idAttr(msg *protocol.Message) any {
	if msg.ID == nil {
		return nil
	}
	return *msg.ID
}
