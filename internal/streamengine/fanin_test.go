package streamengine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmrelay/internal/backend"
)

// pacedStream is a backend.EventStream fed from a slice, with an optional
// per-call delay to exercise FanIn's idle timeout.
type pacedStream struct {
	mu     sync.Mutex
	events []backend.Event
	delay  time.Duration
	closed bool
}

func (f *pacedStream) Next(ctx context.Context) (backend.Event, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return backend.Event{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return backend.Event{}, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *pacedStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestFanInDrainsAllEventsThenEOF(t *testing.T) {
	src := &pacedStream{events: []backend.Event{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
	}}
	f := NewFanIn(context.Background(), src, 2, time.Second)
	defer f.Close()

	var got []string
	for {
		ev, err := f.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev.Text)
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestFanInPropagatesUpstreamError(t *testing.T) {
	boom := errors.New("boom")
	src := &pacedStream{events: []backend.Event{{Text: "only"}}}
	// Inject a failing Next by wrapping: replace pacedStream's EOF with boom
	// via a tiny adapter stream.
	errStream := &erroringAfterOne{inner: src, err: boom}

	f := NewFanIn(context.Background(), errStream, 2, time.Second)
	defer f.Close()

	ev, err := f.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "only", ev.Text)

	_, err = f.Next(context.Background())
	require.ErrorIs(t, err, boom)
}

type erroringAfterOne struct {
	inner *pacedStream
	err   error
	used  bool
}

func (e *erroringAfterOne) Next(ctx context.Context) (backend.Event, error) {
	if !e.used {
		e.used = true
		return e.inner.Next(ctx)
	}
	return backend.Event{}, e.err
}

func (e *erroringAfterOne) Close() error { return e.inner.Close() }

func TestFanInIdleTimeout(t *testing.T) {
	src := &pacedStream{
		events: []backend.Event{{Text: "slow"}},
		delay:  50 * time.Millisecond,
	}
	f := NewFanIn(context.Background(), src, 1, 5*time.Millisecond)
	defer f.Close()

	_, err := f.Next(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFanInRespectsCallerContextCancellation(t *testing.T) {
	src := &pacedStream{delay: time.Second, events: []backend.Event{{Text: "never"}}}
	f := NewFanIn(context.Background(), src, 1, time.Minute)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
