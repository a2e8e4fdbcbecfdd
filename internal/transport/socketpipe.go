package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/codewiresh/drivewire/internal/connection"
	"github.com/codewiresh/drivewire/internal/protocol"
)

// ExposeNetworkHeader carries SocketPipeOptions.ExposeNetwork to the peer.
const ExposeNetworkHeader = "x-playwright-expose-network"

// DialFunc opens the connection a SocketPipe runs over.
type DialFunc func(ctx context.Context, endpoint string, headers http.Header) (connection.Conn, error)

// SocketPipeOptions configures a SocketPipe. Only Endpoint is required.
type SocketPipeOptions struct {
	Endpoint string
	// Timeout bounds the dial. Zero means no limit beyond the caller's ctx.
	Timeout time.Duration
	// SlowMo delays every outbound message.
	SlowMo        time.Duration
	Headers       map[string]string
	ExposeNetwork string

	// Dial defaults to connection.Dial.
	Dial     DialFunc
	Recorder Recorder
}

// SocketPipe drives a driver reached over a persistent message connection.
type SocketPipe struct {
	base
	opts SocketPipeOptions

	conn    connection.Conn
	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	closed   chan struct{}
	running  sync.Once

	// ctx bounds writes; it is cancelled once Run has torn down.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Transport = (*SocketPipe)(nil)

// NewSocketPipe returns an unconnected SocketPipe reporting to h.
func NewSocketPipe(opts SocketPipeOptions, h Handlers) *SocketPipe {
	if opts.Dial == nil {
		opts.Dial = connection.Dial
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &SocketPipe{
		opts:   opts,
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	t.init("socket-pipe", h, opts.Recorder)
	return t
}

// Connect dials the endpoint. A failure wraps ErrConnectFailure and is
// also resolved into the error slot.
func (t *SocketPipe) Connect(ctx context.Context) error {
	if t.opts.Endpoint == "" {
		err := fmt.Errorf("%w: no endpoint configured", ErrConnectFailure)
		t.fail(err)
		return err
	}

	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	conn, err := t.opts.Dial(ctx, t.opts.Endpoint, t.headers())
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectFailure, err)
		t.fail(err)
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setState(StateConnected)

	t.log.Info("connected to driver", "endpoint", t.opts.Endpoint)
	t.event("connected", t.opts.Endpoint)
	return nil
}

func (t *SocketPipe) headers() http.Header {
	h := make(http.Header, len(t.opts.Headers)+1)
	for k, v := range t.opts.Headers {
		h.Set(k, v)
	}
	if t.opts.ExposeNetwork != "" {
		h.Set(ExposeNetworkHeader, t.opts.ExposeNetwork)
	}
	return h
}

func (t *SocketPipe) connection() connection.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

type readResult struct {
	data []byte
	err  error
}

// Run receives messages until a stop is requested, ctx is done or the
// connection ends, delivering each one to OnMessage. On the way out it
// emits the close notification and closes the connection.
func (t *SocketPipe) Run(ctx context.Context) error {
	conn := t.connection()
	if conn == nil {
		return ErrNotConnected
	}
	first := false
	t.running.Do(func() { first = true })
	if !first {
		return errors.New("transport already running")
	}
	t.setState(StateRunning)

	readCtx, cancelRead := context.WithCancel(ctx)
	frames := make(chan readResult)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readLoop(readCtx, conn, frames)
	}()

	reason := t.receive(ctx, frames)

	if t.stopRequested() {
		t.setState(StateStopped)
	}
	t.emitClose(reason)
	if err := conn.Close(); err != nil {
		t.log.Debug("closing connection", "err", err)
	}

	// Closing the connection unblocks a pending read; whatever it returns
	// is dropped.
	cancelRead()
	<-readerDone
	t.cancel()
	close(t.closed)
	return nil
}

// receive races the next inbound message against the stop signal and
// returns the reason the loop ended.
func (t *SocketPipe) receive(ctx context.Context, frames <-chan readResult) string {
	for {
		select {
		case <-t.stop:
			return "stop requested"
		case <-ctx.Done():
			t.RequestStop()
			return "context done"
		case r := <-frames:
			if t.stopRequested() {
				return "stop requested"
			}
			if r.err != nil {
				if errors.Is(r.err, connection.ErrClosed) {
					t.fail(fmt.Errorf("%w: %w", ErrUnexpectedClose, r.err))
					return "connection closed"
				}
				t.fail(fmt.Errorf("reading from driver: %w", r.err))
				return "read error"
			}

			msg, err := protocol.Deserialize(r.data)
			if err != nil {
				t.fail(err)
				return "malformed message"
			}
			t.log.Debug("message received", "id", idAttr(msg), "guid", msg.GUID, "method", msg.Method)

			t.deliverMu.Lock()
			t.deliver(msg)
			t.deliverMu.Unlock()
		}
	}
}

// readLoop hands every read to frames until a read fails or ctx is done.
// A read result nobody is waiting for is dropped when ctx ends.
func readLoop(ctx context.Context, conn connection.Conn, frames chan<- readResult) {
	for {
		data, err := conn.Read(ctx)
		select {
		case frames <- readResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *SocketPipe) stopRequested() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Send serializes msg and writes it as one frame. Writes are serialized so
// the peer sees messages in call order.
func (t *SocketPipe) Send(msg *protocol.Message) error {
	data, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	conn := t.connection()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.opts.SlowMo > 0 {
		select {
		case <-time.After(t.opts.SlowMo):
		case <-t.ctx.Done():
		}
	}
	if err := conn.Write(t.ctx, data); err != nil {
		return fmt.Errorf("writing to driver: %w", err)
	}
	t.sent(msg)
	return nil
}

// RequestStop signals the receive loop. The loop closes the connection on
// its way out.
func (t *SocketPipe) RequestStop() {
	t.stopOnce.Do(func() {
		t.log.Debug("stop requested")
		close(t.stop)
	})
}

// WaitUntilStopped blocks until Run has closed the connection. It returns
// at once if the transport never connected.
func (t *SocketPipe) WaitUntilStopped(ctx context.Context) error {
	if t.connection() == nil {
		return nil
	}
	select {
	case <-t.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
