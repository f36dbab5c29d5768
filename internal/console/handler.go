package console

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Handler is a slog.Handler that renders leveled lines onto a Console.
// Uint64 attributes print in hex since nearly everything logged at boot is
// an address or a size.
type Handler struct {
	console *Console
	level   slog.Leveler

	prefix string // preformatted attrs from WithAttrs
	groups string // dotted open-group prefix
}

type HandlerOptions struct {
	Level slog.Leveler
}

func NewHandler(c *Console, opts *HandlerOptions) *Handler {
	h := &Handler{console: c, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	sb.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&sb, h.groups, a)
		return true
	})
	return h.console.Log(r.Level, sb.String())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var sb strings.Builder
	for _, a := range attrs {
		appendAttr(&sb, h.groups, a)
	}
	clone := *h
	clone.prefix = h.prefix + sb.String()
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = h.groups + name + "."
	return &clone
}

func appendAttr(sb *strings.Builder, groups string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		prefix := groups
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(sb, prefix, ga)
		}
		return
	}

	sb.WriteByte(' ')
	sb.WriteString(groups)
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if s == "" || strings.ContainsAny(s, " \t") {
			s = strconv.Quote(s)
		}
		sb.WriteString(s)
	case slog.KindUint64:
		fmt.Fprintf(sb, "%#x", a.Value.Uint64())
	default:
		fmt.Fprint(sb, a.Value.Any())
	}
}
