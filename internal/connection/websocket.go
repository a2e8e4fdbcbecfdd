package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// WebSocket is a Conn over a websocket. Outbound messages are binary frames;
// inbound text and binary frames are both accepted.
type WebSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket. The read limit is removed
// because the driver protocol has no message-size cap.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(-1)
	return &WebSocket{conn: conn}
}

// DialWebSocket opens a websocket to endpoint sending the given headers
// with the upgrade request.
func DialWebSocket(ctx context.Context, endpoint string, headers http.Header) (*WebSocket, error) {
	opts := &websocket.DialOptions{}
	if len(headers) > 0 {
		opts.HTTPHeader = headers.Clone()
	}

	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to websocket: %w", err)
	}
	return NewWebSocket(conn), nil
}

// Read returns the next message. A close frame, EOF or a locally closed
// socket is reported as ErrClosed.
func (w *WebSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		if isClosed(err) {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// Write sends p as one binary message.
func (w *WebSocket) Write(ctx context.Context, p []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, p)
}

// Close sends a normal closure and closes the socket.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close(websocket.StatusNormalClosure, "")
		if w.closeErr != nil && isClosed(w.closeErr) {
			w.closeErr = nil
		}
	})
	return w.closeErr
}

func isClosed(err error) bool {
	var closeErr websocket.CloseError
	return errors.As(err, &closeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
