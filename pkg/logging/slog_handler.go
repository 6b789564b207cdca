package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// SyslogHandler is an slog.Handler that writes to a base handler and
// copies every record to the configured syslog clients.
type SyslogHandler struct {
	base   slog.Handler
	shared *syslogClients
	attrs  []slog.Attr
	groups []string
}

type syslogClients struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// NewSyslogHandler wraps base with syslog forwarding.
func NewSyslogHandler(base slog.Handler) *SyslogHandler {
	return &SyslogHandler{base: base, shared: &syslogClients{}}
}

// SetClients replaces the syslog clients of h and of every handler derived
// from it. Old clients are closed.
func (h *SyslogHandler) SetClients(clients []*SyslogClient) {
	h.shared.mu.Lock()
	old := h.shared.clients
	h.shared.clients = clients
	h.shared.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

func (h *SyslogHandler) Close() { h.SetClients(nil) }

func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.shared.mu.RLock()
	clients := h.shared.clients
	h.shared.mu.RUnlock()
	if len(clients) == 0 {
		return err
	}
	severity := levelToSeverity(r.Level)
	var msg string
	for _, c := range clients {
		if !c.ShouldSend(severity) {
			continue
		}
		if msg == "" {
			msg = formatRecord(r, h.attrs, h.groups)
		}
		c.Send(severity, msg)
	}
	return err
}

func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithAttrs(attrs),
		shared: h.shared,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithGroup(name),
		shared: h.shared,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func levelToSeverity(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	}
	return SyslogDebug
}

// formatRecord renders "msg k=v ..." with group-qualified keys.
func formatRecord(r slog.Record, pre []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	write := func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(prefix)
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range pre {
		write(a)
	}
	r.Attrs(write)
	return b.String()
}
