package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/drivewire/internal/output"
	"github.com/codewiresh/drivewire/internal/protocol"
	"github.com/codewiresh/drivewire/internal/store"
	"github.com/codewiresh/drivewire/internal/transport"
)

func textPrinter() (*Printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Printer{Out: &buf, Width: 400}, &buf
}

func jsonPrinter() (*Printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Printer{Out: &buf, Formatter: &output.JSONFormatter{}, Width: 400}, &buf
}

// ---------------------------------------------------------------------------
// Probe
// ---------------------------------------------------------------------------

func TestProbeMissingDriver(t *testing.T) {
	dir := t.TempDir()
	p, buf := jsonPrinter()

	if err := Probe(context.Background(), dir, nil, p); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	var report ProbeReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if report.DriverFound {
		t.Error("driver reported present in an empty dir")
	}
	if report.DriverDir != dir || !strings.HasPrefix(report.Missing, dir) {
		t.Errorf("report = %+v", report)
	}
	if len(report.Objects) != 5 || report.Objects[4].GUID != "Playwright" {
		t.Errorf("objects = %+v", report.Objects)
	}
	if !slices.Contains(report.DriverEnv, "PW_LANG_NAME=go") {
		t.Errorf("driver env = %v, want PW_LANG_NAME=go", report.DriverEnv)
	}
}

func TestProbePresentDriver(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"node", "node.exe", filepath.Join("package", "cli.js")} {
		path := filepath.Join(dir, rel)
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, nil, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	p, buf := textPrinter()

	if err := Probe(context.Background(), dir, nil, p); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "BrowserType    browser-type@chromium") {
		t.Errorf("objects not listed:\n%s", out)
	}
	if !strings.Contains(out, "Driver:     present") {
		t.Errorf("driver not reported present:\n%s", out)
	}
}

func TestProbeJournalsTrace(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rec, err := store.NewRecorder(context.Background(), s, "loopback", "")
	if err != nil {
		t.Fatal(err)
	}

	p, _ := textPrinter()
	if err := Probe(context.Background(), t.TempDir(), rec, p); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	msgs, _ := s.Messages(context.Background(), rec.Session())
	// initialize + 6 replies + the follow-up call.
	if len(msgs) != 8 {
		t.Fatalf("journaled %d messages, want 8", len(msgs))
	}
	events, _ := s.Events(context.Background(), rec.Session())
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	if strings.Join(kinds, ",") != "connected,failed,closed" {
		t.Errorf("events = %v", kinds)
	}
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

// fakeDriver answers initialize like a driver, then closes the connection
// when closeAfter is set.
func fakeDriver(t *testing.T, closeAfter bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			req, err := protocol.Deserialize(data)
			if err != nil || req.Method != protocol.MethodInitialize {
				continue
			}
			replies := []*protocol.Message{
				protocol.NewCreate("", "Playwright", "Playwright", map[string]any{}),
				{ID: req.ID, Result: map[string]any{"playwright": map[string]any{"guid": "Playwright"}}},
			}
			for _, m := range replies {
				out, _ := protocol.Serialize(m)
				c.Write(ctx, websocket.MessageBinary, out)
			}
			if closeAfter {
				time.Sleep(20 * time.Millisecond)
				c.Close(websocket.StatusInternalError, "driver crashed")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectUntilInterrupt(t *testing.T) {
	srv := fakeDriver(t, false)
	buf := &syncBuffer{}
	p := &Printer{Out: buf, Width: 400}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Connect(ctx, transport.SocketPipeOptions{Endpoint: wsURL(srv), Timeout: 5 * time.Second}, p)
	}()

	deadline := time.After(3 * time.Second)
	for !strings.Contains(buf.String(), `"result"`) {
		select {
		case <-deadline:
			t.Fatalf("handshake not printed:\n%s", buf.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after interrupt")
	}

	out := buf.String()
	if !strings.Contains(out, `-> {"id":1,"guid":"","method":"initialize"`) {
		t.Errorf("request not printed:\n%s", out)
	}
	if !strings.Contains(out, `<- {"guid":"","method":"__create__"`) {
		t.Errorf("create not printed:\n%s", out)
	}
}

func TestConnectDriverGoesAway(t *testing.T) {
	srv := fakeDriver(t, true)
	p, _ := jsonPrinter()

	err := Connect(context.Background(), transport.SocketPipeOptions{Endpoint: wsURL(srv), Timeout: 5 * time.Second}, p)
	if err == nil || !strings.Contains(err.Error(), transport.ErrUnexpectedClose.Error()) {
		t.Fatalf("Connect = %v, want unexpected close", err)
	}
}

func TestConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	p, _ := textPrinter()
	err := Connect(context.Background(), transport.SocketPipeOptions{Endpoint: url, Timeout: time.Second}, p)
	if err == nil || !strings.Contains(err.Error(), transport.ErrConnectFailure.Error()) {
		t.Fatalf("Connect = %v, want connect failure", err)
	}
}

// syncBuffer is a bytes.Buffer safe to read while a transport writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ---------------------------------------------------------------------------
// Traffic and traces
// ---------------------------------------------------------------------------

func TestTrafficJSONLines(t *testing.T) {
	p, buf := jsonPrinter()
	tr := NewTraffic(p)

	tr.Event("connected", "ws://x")
	tr.Record(transport.DirectionSend, &protocol.Message{ID: protocol.IntPtr(1), Method: "initialize"})
	tr.Record(transport.DirectionRecv, &protocol.Message{ID: protocol.IntPtr(1), Result: map[string]any{}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q, want 2 records and no events", lines)
	}
	var rec struct {
		Direction string          `json:"direction"`
		Message   json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Direction != "recv" || string(rec.Message) != `{"id":1,"result":{}}` {
		t.Errorf("record = %s %s", rec.Direction, rec.Message)
	}
}

func TestRecordersSkipNil(t *testing.T) {
	p, buf := textPrinter()
	rs := Recorders{nil, NewTraffic(p)}
	rs.Record(transport.DirectionSend, &protocol.Message{ID: protocol.IntPtr(1), Method: "a"})
	rs.Event("closed", "done")
	if !strings.Contains(buf.String(), "-> ") || !strings.Contains(buf.String(), "-- closed done") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestTraceListAndShow(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p, buf := textPrinter()
	if err := TraceList(ctx, s, p); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No trace sessions") {
		t.Errorf("empty list = %q", buf.String())
	}

	id, _ := s.Begin(ctx, "socket-pipe", "ws://127.0.0.1:9/ws")
	s.Event(ctx, id, "connected", "ws://127.0.0.1:9/ws")
	s.Record(ctx, id, "send", &protocol.Message{ID: protocol.IntPtr(1), Method: "initialize"})
	s.Event(ctx, id, "closed", "stop requested")

	buf.Reset()
	if err := TraceList(ctx, s, p); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), id) || !strings.Contains(buf.String(), "socket-pipe") {
		t.Errorf("list = %q", buf.String())
	}

	buf.Reset()
	if err := TraceShow(ctx, s, id[:8], p); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	iConn := strings.Index(out, "-- connected")
	iSend := strings.Index(out, `-> {"id":1`)
	iClose := strings.Index(out, "-- closed stop requested")
	if iConn < 0 || iSend < iConn || iClose < iSend {
		t.Errorf("show out of order:\n%s", out)
	}

	jp, jbuf := jsonPrinter()
	if err := TraceShow(ctx, s, id, jp); err != nil {
		t.Fatal(err)
	}
	var dump struct {
		Session  store.TraceSession `json:"session"`
		Messages []json.RawMessage  `json:"messages"`
	}
	if err := json.Unmarshal(jbuf.Bytes(), &dump); err != nil {
		t.Fatalf("dump is not JSON: %v", err)
	}
	if dump.Session.ID != id || len(dump.Messages) != 1 {
		t.Errorf("dump = %+v", dump)
	}
}

func TestTracePrune(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Begin(ctx, "loopback", "")

	if err := TracePrune(ctx, s, time.Hour); err != nil {
		t.Fatal(err)
	}
	if sessions, _ := s.Sessions(ctx); len(sessions) != 1 {
		t.Fatalf("fresh session pruned")
	}
	if err := TracePrune(ctx, s, -time.Hour); err != nil {
		t.Fatal(err)
	}
	if sessions, _ := s.Sessions(ctx); len(sessions) != 0 {
		t.Fatalf("old session kept")
	}
}

func TestFormatRelativeTime(t *testing.T) {
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{5 * time.Second, "5s ago"},
		{3 * time.Minute, "3m ago"},
		{2 * time.Hour, "2h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tc := range cases {
		if got := formatRelativeTime(time.Now().Add(-tc.ago)); got != tc.want {
			t.Errorf("formatRelativeTime(-%v) = %q, want %q", tc.ago, got, tc.want)
		}
	}
}
