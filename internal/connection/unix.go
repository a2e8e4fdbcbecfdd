package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/codewiresh/drivewire/internal/protocol"
)

// Stream is a Conn over a byte stream, delimiting messages with the
// length-prefixed frames of the protocol package. It is safe for concurrent
// use by one reader and any number of writers.
type Stream struct {
	conn      net.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// Read reads the next frame. Cancelling ctx interrupts a blocked read.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload, err := protocol.ReadFrame(s.conn)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, io.EOF)
	}
	return payload, nil
}

// Write sends p as one frame.
func (s *Stream) Write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteFrame(s.conn, p)
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
