// Package diag keeps the process-wide diagnostic log: every record the
// session logs is appended in order, forwarded to an optional next handler,
// and pushed to live subscribers.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one diagnostic line.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// String renders the entry as "[HH:MM:SS.mmm] message".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05.000"), e.Message)
}

// Sink is an append-only log of entries. Entries are never evicted.
type Sink struct {
	next slog.Handler

	mu      sync.Mutex
	entries []Entry
	subs    map[int]func(Entry)
	nextSub int
	now     func() time.Time
}

// NewSink returns a sink that forwards records to next when next is non-nil.
func NewSink(next slog.Handler) *Sink {
	return &Sink{
		next: next,
		subs: make(map[int]func(Entry)),
		now:  time.Now,
	}
}

// Handler returns the slog.Handler that feeds the sink.
func (s *Sink) Handler() slog.Handler {
	return &handler{sink: s}
}

// Logger returns a logger whose records land in the sink.
func (s *Sink) Logger() *slog.Logger {
	return slog.New(s.Handler())
}

// Log appends an info-level entry with msg verbatim.
func (s *Sink) Log(msg string) {
	s.append(Entry{Time: s.now(), Level: slog.LevelInfo, Message: msg})
}

// Entries returns a copy of every entry so far.
func (s *Sink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Lines returns every entry rendered with Entry.String.
func (s *Sink) Lines() []string {
	entries := s.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// Subscribe registers fn to receive every entry appended from now on. fn is
// called synchronously by the goroutine that logged the entry, outside the
// sink's lock, so it may log through the sink itself. It must not block. The
// returned function removes the subscription.
func (s *Sink) Subscribe(fn func(Entry)) (cancel func()) {
	_, cancel = s.SubscribeWithBacklog(fn)
	return cancel
}

// SubscribeWithBacklog is Subscribe that also returns every entry appended
// before the subscription. Each entry is either in the backlog or delivered
// to fn, never both.
func (s *Sink) SubscribeWithBacklog(fn func(Entry)) (backlog []Entry, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog = make([]Entry, len(s.entries))
	copy(backlog, s.entries)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return backlog, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Sink) append(e Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	subs := make([]func(Entry), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// handler adapts the sink to slog. Attributes are rendered into the message
// as key=value pairs so the stored line is self-contained.
type handler struct {
	sink   *Sink
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, prefix, a)
		return true
	})

	t := r.Time
	if t.IsZero() {
		t = h.sink.now()
	}
	h.sink.append(Entry{Time: t, Level: r.Level, Message: b.String()})

	next := h.nextHandler()
	if next != nil && next.Enabled(ctx, r.Level) {
		return next.Handle(ctx, r)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	if next := h.nextHandler(); next != nil {
		nh.next = next.WithAttrs(attrs)
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	if next := h.nextHandler(); next != nil {
		nh.next = next.WithGroup(name)
	}
	return nh
}

func (h *handler) nextHandler() slog.Handler {
	if h.next != nil {
		return h.next
	}
	return h.sink.next
}

func (h *handler) clone() *handler {
	return &handler{
		sink:   h.sink,
		next:   h.next,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	switch {
	case prefix != "" && key == "":
		key = prefix
	case prefix != "":
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\n\"=") {
		fmt.Fprintf(b, "%q", v)
	} else {
		b.WriteString(v)
	}
}
