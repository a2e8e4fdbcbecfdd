// Package client drives one protocol session over a transport: the
// initialize handshake, request/response correlation by id, and the
// registry of remote objects the driver announces.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewiresh/drivewire/internal/protocol"
	"github.com/codewiresh/drivewire/internal/transport"
)

// MethodDispose removes a remote object from the registry.
const MethodDispose = "__dispose__"

// ErrClosed is returned by Call once the transport has closed.
var ErrClosed = errors.New("connection closed")

// RemoteError is an exception raised by the driver while serving a call.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Object is a remote object announced by a __create__ message.
type Object struct {
	GUID        string         `json:"guid" yaml:"guid"`
	Type        string         `json:"type" yaml:"type"`
	Parent      string         `json:"parent" yaml:"parent"`
	Initializer map[string]any `json:"initializer" yaml:"initializer"`
}

// Options configures a Conn.
type Options struct {
	// OnEvent receives every inbound message that is neither a response
	// nor an object lifecycle message. It runs on the transport's
	// delivery goroutine and must not block.
	OnEvent func(*protocol.Message)
}

// Conn is a protocol session over one Transport.
type Conn struct {
	tr   transport.Transport
	opts Options

	mu      sync.Mutex
	lastID  int
	pending map[int]chan *protocol.Message
	objects map[string]Object
	order   []string

	closed    chan struct{}
	closeOnce sync.Once
}

// New builds a Conn over the transport returned by build, which is handed
// the handlers the session needs.
func New(build func(transport.Handlers) transport.Transport, opts Options) *Conn {
	c := &Conn{
		opts:    opts,
		pending: make(map[int]chan *protocol.Message),
		objects: make(map[string]Object),
		closed:  make(chan struct{}),
	}
	c.tr = build(transport.Handlers{
		OnMessage: c.dispatch,
		OnClose:   c.onClose,
	})
	return c
}

// NewLoopback returns a Conn over an in-process Loopback transport.
func NewLoopback(lopts transport.LoopbackOptions, opts Options) *Conn {
	return New(func(h transport.Handlers) transport.Transport {
		return transport.NewLoopback(h, lopts)
	}, opts)
}

// NewSocketPipe returns a Conn over a SocketPipe transport.
func NewSocketPipe(sopts transport.SocketPipeOptions, opts Options) *Conn {
	return New(func(h transport.Handlers) transport.Transport {
		return transport.NewSocketPipe(sopts, h)
	}, opts)
}

// Transport returns the underlying transport.
func (c *Conn) Transport() transport.Transport { return c.tr }

// Start connects the transport and runs its receive loop in the background.
func (c *Conn) Start(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return err
	}
	go func() {
		if err := c.tr.Run(context.Background()); err != nil {
			slog.Warn("transport run failed", "err", err)
		}
	}()
	return nil
}

// Initialize performs the handshake and returns the Playwright root object.
func (c *Conn) Initialize(ctx context.Context) (Object, error) {
	result, err := c.Call(ctx, protocol.RootGUID, protocol.MethodInitialize, map[string]any{
		"sdkLanguage": "go",
	})
	if err != nil {
		return Object{}, fmt.Errorf("initializing: %w", err)
	}

	ref, _ := result["playwright"].(map[string]any)
	guid, _ := ref["guid"].(string)
	if guid == "" {
		return Object{}, fmt.Errorf("initializing: response carries no playwright guid")
	}
	obj, ok := c.Object(guid)
	if !ok {
		return Object{}, fmt.Errorf("initializing: playwright object %q was never created", guid)
	}
	return obj, nil
}

// Call sends a request to the object guid and waits for its response, a
// transport failure, or ctx.
func (c *Conn) Call(ctx context.Context, guid, method string, params map[string]any) (map[string]any, error) {
	ch := make(chan *protocol.Message, 1)

	c.mu.Lock()
	c.lastID++
	id := c.lastID
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	msg := &protocol.Message{ID: protocol.IntPtr(id), GUID: guid, Method: method, Params: params}
	if err := c.tr.Send(msg); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	// A response already delivered wins over any failure.
	select {
	case resp := <-ch:
		return result(resp)
	default:
	}

	select {
	case resp := <-ch:
		return result(resp)
	case <-c.tr.Errors().Done():
		select {
		case resp := <-ch:
			return result(resp)
		default:
		}
		return nil, c.tr.Errors().Err()
	case <-c.closed:
		select {
		case resp := <-ch:
			return result(resp)
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func result(resp *protocol.Message) (map[string]any, error) {
	if resp.Error != nil {
		re := &RemoteError{Message: "unknown error"}
		if se := resp.Error.Error; se != nil {
			re = &RemoteError{Name: se.Name, Message: se.Message, Stack: se.Stack}
		}
		return nil, re
	}
	if resp.Result == nil {
		return map[string]any{}, nil
	}
	return resp.Result, nil
}

func (c *Conn) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dispatch routes one inbound message. Loopback transports call it from
// inside Send, so it never calls back into the transport.
func (c *Conn) dispatch(msg *protocol.Message) {
	if msg.IsResponse() {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.mu.Unlock()
		if !ok {
			slog.Warn("response for unknown request", "id", *msg.ID)
			return
		}
		select {
		case ch <- msg:
		default:
			slog.Warn("duplicate response", "id", *msg.ID)
		}
		return
	}

	switch msg.Method {
	case protocol.MethodCreate:
		c.register(msg)
	case MethodDispose:
		c.mu.Lock()
		c.dropLocked(msg.GUID)
		c.mu.Unlock()
	default:
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(msg)
		}
	}
}

func (c *Conn) register(msg *protocol.Message) {
	guid, _ := msg.Params["guid"].(string)
	typ, _ := msg.Params["type"].(string)
	initializer, _ := msg.Params["initializer"].(map[string]any)
	if guid == "" {
		slog.Warn("__create__ without guid", "parent", msg.GUID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.objects[guid]; !exists {
		c.order = append(c.order, guid)
	}
	c.objects[guid] = Object{GUID: guid, Type: typ, Parent: msg.GUID, Initializer: initializer}
	slog.Debug("object created", "guid", guid, "type", typ)
}

// dropLocked removes guid and every object created under it.
func (c *Conn) dropLocked(guid string) {
	if _, ok := c.objects[guid]; !ok {
		return
	}
	delete(c.objects, guid)
	kept := c.order[:0]
	var children []string
	for _, g := range c.order {
		if g == guid {
			continue
		}
		if obj, ok := c.objects[g]; ok && obj.Parent == guid {
			children = append(children, g)
		}
		kept = append(kept, g)
	}
	c.order = kept
	for _, child := range children {
		c.dropLocked(child)
	}
}

// Object returns the registered object guid.
func (c *Conn) Object(guid string) (Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[guid]
	return obj, ok
}

// Objects returns every registered object in creation order.
func (c *Conn) Objects() []Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Object, 0, len(c.order))
	for _, g := range c.order {
		out = append(out, c.objects[g])
	}
	return out
}

func (c *Conn) onClose(reason string) {
	c.closeOnce.Do(func() {
		slog.Debug("session transport closed", "reason", reason)
		close(c.closed)
	})
}

// Closed is closed once the transport has emitted its close notification.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Err returns the transport's terminal error, if any.
func (c *Conn) Err() error { return c.tr.Errors().Err() }

// Close requests a stop, waits for the transport to shut down and then
// disposes it. A failure recorded earlier stays visible through Err.
func (c *Conn) Close(ctx context.Context) error {
	c.tr.RequestStop()
	if err := c.tr.WaitUntilStopped(ctx); err != nil {
		return err
	}
	c.tr.Dispose()
	return nil
}
