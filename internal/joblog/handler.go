// Package joblog connects slog and process output to the bounded log
// collection, and reads it back for tailing.
package joblog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/store"
)

// Tags identify where a log line came from
type Tags struct {
	JobID    string
	WorkerID string
	Logger   string
}

func (t Tags) entry(level, message string) *domain.LogEntry {
	return &domain.LogEntry{
		JobID:    t.JobID,
		WorkerID: t.WorkerID,
		Logger:   t.Logger,
		Level:    level,
		Message:  message,
		Time:     domain.Now(),
	}
}

// Handler is a slog.Handler that stores each record in the log collection
// and forwards it to an optional next handler
type Handler struct {
	next   slog.Handler
	logs   store.LogStore
	tags   Tags
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a Handler. Records below level are only forwarded.
func NewHandler(next slog.Handler, logs store.LogStore, tags Tags, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{next: next, logs: logs, tags: tags, level: level}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		errs = append(errs, h.next.Handle(ctx, r))
	}
	if r.Level < h.level.Level() {
		return errors.Join(errs...)
	}

	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})

	entry := h.tags.entry(r.Level.String(), b.String())
	if !r.Time.IsZero() {
		entry.Time = r.Time.UTC().Truncate(time.Millisecond)
	}
	// the record outlives a cancelled caller
	errs = append(errs, h.logs.AppendLog(context.WithoutCancel(ctx), entry))
	return errors.Join(errs...)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		cp.attrs = append(cp.attrs, a)
	}
	if h.next != nil {
		cp.next = h.next.WithAttrs(attrs)
	}
	return &cp
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	if h.next != nil {
		cp.next = h.next.WithGroup(name)
	}
	return &cp
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, p, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}
