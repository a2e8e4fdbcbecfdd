package store

import (
	"context"
	"log/slog"

	"github.com/codewiresh/drivewire/internal/protocol"
	"github.com/codewiresh/drivewire/internal/transport"
)

// Recorder journals one transport into a trace session. Write failures are
// logged and dropped so tracing never disturbs the transport.
type Recorder struct {
	store   TraceStore
	session string
}

var _ transport.Recorder = (*Recorder)(nil)

// NewRecorder begins a trace session in s and returns a recorder for it.
func NewRecorder(ctx context.Context, s TraceStore, kind, endpoint string) (*Recorder, error) {
	id, err := s.Begin(ctx, kind, endpoint)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: s, session: id}, nil
}

// Session returns the trace session id.
func (r *Recorder) Session() string { return r.session }

func (r *Recorder) Record(direction string, msg *protocol.Message) {
	if err := r.store.Record(context.Background(), r.session, direction, msg); err != nil {
		slog.Warn("trace record failed", "session", r.session, "err", err)
	}
}

func (r *Recorder) Event(kind, detail string) {
	if err := r.store.Event(context.Background(), r.session, kind, detail); err != nil {
		slog.Warn("trace event failed", "session", r.session, "kind", kind, "err", err)
	}
}
