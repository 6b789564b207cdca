package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/psaab/flowpipe/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams entry completions via SSE. Supports the
// ?pipe=, ?op= and ?status= filters of the events endpoint; ?op= also
// takes a comma-separated list.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	filter := eventFilterFromQuery(r)
	ops := parseOps(filter.Op)
	filter.Op = ""

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if !matchOps(rec.Op, ops) || !filter.Matches(rec) {
				continue
			}
			data, err := json.Marshal(eventEntryFromRecord(rec))
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", rec.Seq), rec.Op, string(data))
		}
	}
}

// logStreamHandler streams completions formatted as log messages via
// SSE. Supports ?severity= and ?op= filters.
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	severityFilter := logging.ParseSeverity(r.URL.Query().Get("severity"))
	ops := parseOps(r.URL.Query().Get("op"))

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			severity := eventRecordSeverity(rec)
			if severityFilter != 0 && severity > severityFilter {
				continue
			}
			if !matchOps(rec.Op, ops) {
				continue
			}
			logEntry := LogStreamEntry{
				Time:     rec.Time.Format(time.RFC3339),
				Severity: severityName(severity),
				Message:  formatLogMessage(rec),
			}
			data, err := json.Marshal(logEntry)
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", rec.Seq), "log", string(data))
		}
	}
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// parseOps parses a comma-separated op list. nil matches every op.
func parseOps(s string) map[string]bool {
	if s == "" {
		return nil
	}
	ops := make(map[string]bool)
	for _, op := range strings.Split(s, ",") {
		if op = strings.ToLower(strings.TrimSpace(op)); op != "" {
			ops[op] = true
		}
	}
	return ops
}

func matchOps(op string, ops map[string]bool) bool {
	return ops == nil || ops[strings.ToLower(op)]
}

// eventRecordSeverity maps a completion to a syslog severity: failures
// are errors, aging is info and the rest is debug.
func eventRecordSeverity(rec logging.EventRecord) int {
	switch {
	case rec.Status == "error":
		return logging.SyslogError
	case rec.Op == "aged":
		return logging.SyslogInfo
	default:
		return logging.SyslogDebug
	}
}

func severityName(s int) string {
	switch s {
	case logging.SyslogError:
		return "error"
	case logging.SyslogWarning:
		return "warning"
	case logging.SyslogInfo:
		return "info"
	default:
		return "debug"
	}
}

func formatLogMessage(rec logging.EventRecord) string {
	msg := fmt.Sprintf("FLOW_ENTRY %s port=%d queue=%d entry=%#x status=%s",
		strings.ToUpper(rec.Op), rec.Port, rec.Queue, rec.Entry, rec.Status)
	if rec.Pipe != "" {
		msg += " pipe=" + rec.Pipe
	}
	if rec.Err != "" {
		msg += fmt.Sprintf(" err=%q", rec.Err)
	}
	return msg
}
