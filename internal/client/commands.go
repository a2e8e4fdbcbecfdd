package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codewiresh/drivewire/internal/driver"
	"github.com/codewiresh/drivewire/internal/output"
	"github.com/codewiresh/drivewire/internal/protocol"
	"github.com/codewiresh/drivewire/internal/store"
	"github.com/codewiresh/drivewire/internal/terminal"
	"github.com/codewiresh/drivewire/internal/transport"
)

// Printer writes command output in the selected format. A nil Formatter
// means human-readable text, truncated to Width columns.
type Printer struct {
	Out       io.Writer
	Formatter output.Formatter
	Width     int
}

// NewPrinter builds a Printer for stdout. JSON is indented only when
// stdout is a terminal.
func NewPrinter(format string) (*Printer, error) {
	tty := terminal.IsTerminal(os.Stdout)
	f, err := output.NewFormatter(format, tty)
	if err != nil {
		return nil, err
	}
	width := terminal.DefaultWidth
	if tty {
		width = terminal.Width(os.Stdout)
	}
	return &Printer{Out: os.Stdout, Formatter: f, Width: width}, nil
}

// structured renders data with the Formatter and reports whether it did.
func (p *Printer) structured(data any) (bool, error) {
	if p.Formatter == nil {
		return false, nil
	}
	s, err := p.Formatter.Format(data)
	if err != nil {
		return true, err
	}
	_, err = io.WriteString(p.Out, s)
	return true, err
}

func (p *Printer) line(format string, args ...any) {
	fmt.Fprintln(p.Out, terminal.Truncate(fmt.Sprintf(format, args...), p.Width))
}

// ---------------------------------------------------------------------------
// Traffic
// ---------------------------------------------------------------------------

// TrafficRecord is one message as printed by Traffic.
type TrafficRecord struct {
	Direction string            `json:"direction"`
	Message   *protocol.Message `json:"message"`
}

// Traffic is a transport.Recorder that prints every message through p.
type Traffic struct {
	p  *Printer
	mu sync.Mutex
}

// NewTraffic returns a recorder printing to p.
func NewTraffic(p *Printer) *Traffic { return &Traffic{p: p} }

func (t *Traffic) Record(direction string, msg *protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ok, err := t.p.structured(TrafficRecord{Direction: direction, Message: msg}); ok {
		if err != nil {
			fmt.Fprintf(os.Stderr, "[drivewire] %v\n", err)
		}
		return
	}
	arrow := "->"
	if direction == transport.DirectionRecv {
		arrow = "<-"
	}
	data, err := protocol.Serialize(msg)
	if err != nil {
		data = []byte(err.Error())
	}
	t.p.line("%s %s", arrow, data)
}

func (t *Traffic) Event(kind, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p.Formatter != nil {
		return
	}
	t.p.line("-- %s %s", kind, detail)
}

// Recorders fans one transport's journal out to several recorders. Nil
// entries are skipped.
type Recorders []transport.Recorder

func (rs Recorders) Record(direction string, msg *protocol.Message) {
	for _, r := range rs {
		if r != nil {
			r.Record(direction, msg)
		}
	}
}

func (rs Recorders) Event(kind, detail string) {
	for _, r := range rs {
		if r != nil {
			r.Event(kind, detail)
		}
	}
}

// ---------------------------------------------------------------------------
// Probe
// ---------------------------------------------------------------------------

// ProbeReport is the result of Probe.
type ProbeReport struct {
	Objects     []Object `json:"objects"`
	DriverDir   string   `json:"driver_dir"`
	DriverFound bool     `json:"driver_found"`
	DriverEnv   []string `json:"driver_env"`
	Missing     string   `json:"missing,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Probe runs the handshake against a Loopback transport, then issues a
// follow-up call and reports what it reveals about the driver install.
func Probe(ctx context.Context, driverDir string, rec transport.Recorder, p *Printer) error {
	loc := driver.DefaultLocator(driverDir)
	conn := NewLoopback(transport.LoopbackOptions{Locator: loc, Recorder: rec}, Options{})
	if err := conn.Start(ctx); err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	root, err := conn.Initialize(ctx)
	if err != nil {
		return err
	}

	report := ProbeReport{Objects: conn.Objects(), DriverDir: loc.Dir}
	for _, kv := range driver.Env() {
		if strings.HasPrefix(kv, "PW_") {
			report.DriverEnv = append(report.DriverEnv, kv)
		}
	}
	_, err = conn.Call(ctx, root.GUID, "newRequest", map[string]any{})
	var dnf *transport.DriverNotFoundError
	switch {
	case errors.As(err, &dnf) && dnf.Path != "":
		report.Missing = dnf.Path
		report.Error = dnf.Error()
	case errors.Is(err, transport.ErrDriverNotFound):
		report.DriverFound = true
	case err != nil:
		return err
	}

	if ok, err := p.structured(report); ok {
		return err
	}

	p.line("Handshake objects:")
	for _, o := range report.Objects {
		p.line("  %-14s %s", o.Type, o.GUID)
	}
	p.line("Driver dir: %s", report.DriverDir)
	if report.DriverFound {
		p.line("Driver:     present (a running driver is needed to serve calls)")
	} else {
		p.line("Driver:     missing %s", report.Missing)
	}
	p.line("Driver env: %s", strings.Join(report.DriverEnv, " "))
	return nil
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

// Connect initializes a session over a SocketPipe and stays attached until
// ctx is done or the driver goes away. Traffic is printed through p.
func Connect(ctx context.Context, opts transport.SocketPipeOptions, p *Printer) error {
	traffic := NewTraffic(p)
	opts.Recorder = Recorders{opts.Recorder, traffic}

	conn := NewSocketPipe(opts, Options{})
	if err := conn.Start(ctx); err != nil {
		return err
	}

	root, err := conn.Initialize(ctx)
	if err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return err
	}
	fmt.Fprintf(os.Stderr, "[drivewire] connected to %s (%s, %d objects); Ctrl+C to detach\n",
		opts.Endpoint, root.GUID, len(conn.Objects()))

	select {
	case <-ctx.Done():
	case <-conn.Closed():
	}

	failure := conn.Err()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	return failure
}

// ---------------------------------------------------------------------------
// Traces
// ---------------------------------------------------------------------------

// TraceList prints every trace session.
func TraceList(ctx context.Context, s store.TraceStore, p *Printer) error {
	sessions, err := s.Sessions(ctx)
	if err != nil {
		return err
	}
	if ok, err := p.structured(sessions); ok {
		return err
	}

	if len(sessions) == 0 {
		p.line("No trace sessions")
		return nil
	}
	p.line("%-36s %-12s %-8s %-10s %s", "ID", "TRANSPORT", "MSGS", "STARTED", "ENDPOINT")
	for _, ts := range sessions {
		p.line("%-36s %-12s %-8d %-10s %s", ts.ID, ts.Transport, ts.Messages, formatRelativeTime(ts.StartedAt), ts.Endpoint)
	}
	return nil
}

// TraceDump is the full content of one trace session.
type TraceDump struct {
	Session  store.TraceSession   `json:"session"`
	Events   []store.TraceEvent   `json:"events"`
	Messages []store.TraceMessage `json:"messages"`
}

// TraceShow prints one session's events and messages in recording order.
func TraceShow(ctx context.Context, s store.TraceStore, id string, p *Printer) error {
	ts, err := s.Session(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.Events(ctx, ts.ID)
	if err != nil {
		return err
	}
	msgs, err := s.Messages(ctx, ts.ID)
	if err != nil {
		return err
	}

	if ok, err := p.structured(TraceDump{Session: *ts, Events: events, Messages: msgs}); ok {
		return err
	}

	p.line("Session %s", ts.ID)
	p.line("  Transport: %s", ts.Transport)
	if ts.Endpoint != "" {
		p.line("  Endpoint:  %s", ts.Endpoint)
	}
	p.line("  Started:   %s", ts.StartedAt.Local().Format(time.RFC3339))

	type row struct {
		at   time.Time
		text string
	}
	var rows []row
	for _, e := range events {
		rows = append(rows, row{e.RecordedAt, fmt.Sprintf("-- %s %s", e.Kind, e.Detail)})
	}
	for _, m := range msgs {
		arrow := "->"
		if m.Direction == transport.DirectionRecv {
			arrow = "<-"
		}
		rows = append(rows, row{m.RecordedAt, arrow + " " + strings.TrimSpace(string(m.Payload))})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
	for _, r := range rows {
		p.line("%s %s", r.at.Local().Format("15:04:05.000"), r.text)
	}
	return nil
}

// TracePrune deletes sessions older than age.
func TracePrune(ctx context.Context, s store.TraceStore, age time.Duration) error {
	n, err := s.Prune(ctx, time.Now().Add(-age))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Pruned %d trace session(s)\n", n)
	return nil
}

// formatRelativeTime renders t as a human-readable relative time string
// such as "5m ago".
func formatRelativeTime(t time.Time) string {
	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
