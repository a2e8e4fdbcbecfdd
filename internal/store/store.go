// Package store journals transport traffic for later inspection. The
// default implementation uses SQLite (pure Go, no CGO).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codewiresh/drivewire/internal/protocol"
)

// ErrSessionNotFound is returned when no trace session matches an id.
var ErrSessionNotFound = errors.New("trace session not found")

// TraceSession is one transport lifetime.
type TraceSession struct {
	ID        string    `json:"id" yaml:"id"`
	Transport string    `json:"transport" yaml:"transport"`
	Endpoint  string    `json:"endpoint" yaml:"endpoint"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Messages  int       `json:"messages" yaml:"messages"`
}

// TraceMessage is one message that crossed a transport.
type TraceMessage struct {
	Seq        int64           `json:"seq" yaml:"seq"`
	Direction  string          `json:"direction" yaml:"direction"`
	ID         *int            `json:"id,omitempty" yaml:"id,omitempty"`
	GUID       string          `json:"guid" yaml:"guid"`
	Method     string          `json:"method,omitempty" yaml:"method,omitempty"`
	Payload    json.RawMessage `json:"payload" yaml:"-"`
	RecordedAt time.Time       `json:"recorded_at" yaml:"recorded_at"`
}

// Message decodes the stored payload.
func (m TraceMessage) Message() (*protocol.Message, error) {
	return protocol.Deserialize(m.Payload)
}

// TraceEvent is a lifecycle change of a transport: connected, failed, closed.
type TraceEvent struct {
	Seq        int64     `json:"seq" yaml:"seq"`
	Kind       string    `json:"kind" yaml:"kind"`
	Detail     string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// TraceStore is the trace journal. All methods are safe for concurrent use.
type TraceStore interface {
	// Begin starts a session and returns its id.
	Begin(ctx context.Context, transport, endpoint string) (string, error)
	Record(ctx context.Context, session, direction string, msg *protocol.Message) error
	Event(ctx context.Context, session, kind, detail string) error

	// Session resolves a full id or a unique id prefix.
	Session(ctx context.Context, idOrPrefix string) (*TraceSession, error)
	Sessions(ctx context.Context) ([]TraceSession, error)
	Messages(ctx context.Context, session string) ([]TraceMessage, error)
	Events(ctx context.Context, session string) ([]TraceEvent, error)

	// Prune deletes sessions started before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
