// Package connection provides the message-oriented connections a socket-pipe
// transport runs over. Every Read returns exactly one message and every
// Write sends exactly one, whatever the underlying socket.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ErrClosed is returned by Read once the peer has closed the connection.
// The underlying cause stays reachable through errors.Unwrap.
var ErrClosed = errors.New("connection closed")

// Conn is a bidirectional message connection.
type Conn interface {
	// Read blocks until the next whole message arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends p as a single message.
	Write(ctx context.Context, p []byte) error

	// Close closes the connection. Calling it more than once is harmless.
	Close() error
}

// Dial opens a connection to endpoint. ws://, wss://, http:// and https://
// endpoints get a websocket; unix:///path endpoints get a framed stream on
// a Unix domain socket. Headers are only meaningful for websockets.
func Dial(ctx context.Context, endpoint string, headers http.Header) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return DialWebSocket(ctx, endpoint, headers)
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, fmt.Errorf("connecting to unix socket: %w", err)
		}
		return NewStream(conn), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}
