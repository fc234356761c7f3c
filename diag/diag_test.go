package diag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_String(t *testing.T) {
	t.Parallel()

	e := Entry{
		Time:    time.Date(2024, 3, 1, 9, 5, 7, 42*int(time.Millisecond), time.UTC),
		Message: "restored library",
	}
	assert.Equal(t, "[09:05:07.042] restored library", e.String())
}

func TestSink_AppendOrder(t *testing.T) {
	t.Parallel()

	s := NewSink(nil)
	s.Log("one")
	s.Logger().Info("two", "channel", "socket")
	s.Logger().Warn("three", "err", "disk full")

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, "two channel=socket", entries[1].Message)
	assert.Equal(t, `three err="disk full"`, entries[2].Message)
	assert.Equal(t, slog.LevelWarn, entries[2].Level)

	lines := s.Lines()
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[1], "] two channel=socket"))
}

func TestSink_WithAttrsAndGroups(t *testing.T) {
	t.Parallel()

	s := NewSink(nil)
	logger := s.Logger().With("stage", "restore").WithGroup("mirror")
	logger.Info("copied", "files", 3, slog.Group("store", "kind", "redis"))

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "copied stage=restore mirror.files=3 mirror.store.kind=redis", entries[0].Message)
}

func TestSink_ForwardsToNext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	s := NewSink(next)

	s.Logger().Info("quiet")
	s.Logger().With("k", "v").Warn("loud")

	assert.Len(t, s.Entries(), 2)
	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "msg=loud")
	assert.Contains(t, out, "k=v")
}

func TestSink_Subscribe(t *testing.T) {
	t.Parallel()

	s := NewSink(nil)
	s.Log("before")

	var mu sync.Mutex
	var got []string
	cancel := s.Subscribe(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	})
	s.Log("during")
	cancel()
	s.Log("after")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"during"}, got)
	assert.Len(t, s.Entries(), 3)
}

func TestSink_SubscribeWithBacklog(t *testing.T) {
	t.Parallel()

	s := NewSink(nil)
	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range n {
			s.Log(fmt.Sprintf("entry %d", i))
		}
	}()

	var mu sync.Mutex
	var got []string
	backlog, cancel := s.SubscribeWithBacklog(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	})
	<-done
	cancel()

	seen := make(map[string]int)
	for _, e := range backlog {
		seen[e.Message]++
	}
	mu.Lock()
	for _, m := range got {
		seen[m]++
	}
	mu.Unlock()
	require.Len(t, seen, n)
	for m, count := range seen {
		assert.Equal(t, 1, count, m)
	}
}

func TestSink_SubscriberMayLog(t *testing.T) {
	t.Parallel()

	s := NewSink(nil)
	cancel := s.Subscribe(func(e Entry) {
		if e.Message == "ping" {
			s.Log("pong")
		}
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Log("ping")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("logging from a subscriber deadlocked")
	}
	assert.Equal(t, []string{"ping", "pong"}, messages(s.Entries()))
}

func messages(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestTimed(t *testing.T) {
	t.Parallel()

	s := NewSink(nil)
	logger := s.Logger()
	ctx := context.Background()

	require.NoError(t, Timed(ctx, logger, "spawn", func(context.Context) error { return nil }))

	boom := errors.New("boom")
	err := Timed(ctx, logger, "install", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	n, err := TimedValue(ctx, logger, "enumerate", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	entries := s.Entries()
	require.Len(t, entries, 6)
	assert.Equal(t, "spawn: start", entries[0].Message)
	assert.True(t, strings.HasPrefix(entries[1].Message, "spawn: done duration="))
	assert.True(t, strings.HasPrefix(entries[3].Message, "install: failed duration="))
	assert.Contains(t, entries[3].Message, "error=boom")
	assert.Equal(t, slog.LevelError, entries[3].Level)
}
