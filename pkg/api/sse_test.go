package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/flowpipe/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "aged", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: aged\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":\"value\"}\n") {
		t.Errorf("missing data line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}

	w = httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")
	if strings.Contains(w.Body.String(), "event:") {
		t.Errorf("should not have event line when empty, got %q", w.Body.String())
	}
}

// stream runs handler against path until the events have been added.
func stream(t *testing.T, handler func(http.ResponseWriter, *http.Request), buf *logging.EventBuffer,
	path string, recs ...logging.EventRecord) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(w, req)
		close(done)
	}()

	// Wait for the subscription to be set up.
	time.Sleep(50 * time.Millisecond)
	for _, rec := range recs {
		buf.Add(rec)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	return w
}

func TestEventStreamHandler(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	w := stream(t, s.eventStreamHandler, buf, "/api/v1/events/stream",
		logging.EventRecord{Time: time.Now(), Port: 1, Entry: 0x2a, Pipe: "acl", Op: "add", Status: "success"})

	body := w.Body.String()
	if !strings.Contains(body, "event: add") {
		t.Errorf("expected add event in response, got %q", body)
	}
	if !strings.Contains(body, `"pipe":"acl"`) || !strings.Contains(body, "id: 1\n") {
		t.Errorf("unexpected event data %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestEventStreamOpFilter(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	w := stream(t, s.eventStreamHandler, buf, "/api/v1/events/stream?op=aged,del&pipe=ct",
		logging.EventRecord{Pipe: "ct", Op: "add", Status: "success"},
		logging.EventRecord{Pipe: "ct", Op: "aged", Status: "success"},
		logging.EventRecord{Pipe: "other", Op: "del", Status: "success"},
		logging.EventRecord{Pipe: "ct", Op: "DEL", Status: "success"},
	)

	body := w.Body.String()
	if strings.Contains(body, "event: add") || strings.Contains(body, `"pipe":"other"`) {
		t.Errorf("filtered events leaked: %q", body)
	}
	if !strings.Contains(body, "event: aged") || !strings.Contains(body, "event: DEL") {
		t.Errorf("expected aged and del events, got %q", body)
	}
}

func TestLogStreamHandler(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	w := stream(t, s.logStreamHandler, buf, "/api/v1/logs/stream",
		logging.EventRecord{Time: time.Now(), Port: 0, Queue: 1, Entry: 0x10, Pipe: "root", Op: "aged", Status: "success"})

	body := w.Body.String()
	if !strings.Contains(body, "event: log") {
		t.Errorf("expected 'event: log' in response, got %q", body)
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	var found bool
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var entry LogStreamEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log entry: %v", err)
		}
		if entry.Severity != "info" {
			t.Errorf("severity = %q, want info", entry.Severity)
		}
		if want := "FLOW_ENTRY AGED port=0 queue=1 entry=0x10 status=success pipe=root"; entry.Message != want {
			t.Errorf("message = %q, want %q", entry.Message, want)
		}
		found = true
		break
	}
	if !found {
		t.Fatalf("no data line in %q", body)
	}
}

func TestLogStreamSeverityFilter(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	w := stream(t, s.logStreamHandler, buf, "/api/v1/logs/stream?severity=error",
		logging.EventRecord{Time: time.Now(), Op: "add", Status: "success", Pipe: "quiet"},
		logging.EventRecord{Time: time.Now(), Op: "add", Status: "error", Pipe: "loud", Err: "no memory"},
	)

	body := w.Body.String()
	if strings.Contains(body, "quiet") {
		t.Errorf("debug event should be filtered with severity=error, got %q", body)
	}
	if !strings.Contains(body, "loud") {
		t.Errorf("error event should pass severity=error filter, got %q", body)
	}
}

func TestEventStreamNoBuffer(t *testing.T) {
	s := &Server{}
	for _, h := range []func(http.ResponseWriter, *http.Request){s.eventStreamHandler, s.logStreamHandler} {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest("GET", "/api/v1/events/stream", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestParseOps(t *testing.T) {
	tests := []struct {
		input string
		op    string
		want  bool
	}{
		{"", "anything", true},
		{"add", "add", true},
		{"add", "ADD", true},
		{"add", "del", false},
		{" aged , del ", "del", true},
		{"aged,,", "aged", true},
		{"aged,,", "", false},
	}
	for _, tt := range tests {
		if got := matchOps(tt.op, parseOps(tt.input)); got != tt.want {
			t.Errorf("matchOps(%q, parseOps(%q)) = %v, want %v", tt.op, tt.input, got, tt.want)
		}
	}
}

func TestEventRecordSeverity(t *testing.T) {
	tests := []struct {
		rec  logging.EventRecord
		want string
	}{
		{logging.EventRecord{Op: "add", Status: "success"}, "debug"},
		{logging.EventRecord{Op: "aged", Status: "success"}, "info"},
		{logging.EventRecord{Op: "del", Status: "error"}, "error"},
	}
	for _, tt := range tests {
		if got := severityName(eventRecordSeverity(tt.rec)); got != tt.want {
			t.Errorf("severity(%+v) = %q, want %q", tt.rec, got, tt.want)
		}
	}
}

func TestFormatLogMessageError(t *testing.T) {
	msg := formatLogMessage(logging.EventRecord{Port: 2, Entry: 0xff, Op: "upd", Status: "error", Err: "bad state"})
	want := `FLOW_ENTRY UPD port=2 queue=0 entry=0xff status=error err="bad state"`
	if msg != want {
		t.Errorf("got %q, want %q", msg, want)
	}
}
