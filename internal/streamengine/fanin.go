package streamengine

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"llmrelay/internal/backend"
)

// eventOrErr is one item pumped through a FanIn's bounded channel.
type eventOrErr struct {
	ev  backend.Event
	err error
}

// FanIn decouples an upstream backend.EventStream's pull rate from the
// streaming engine's consume rate via a bounded channel, grounded on the
// pack's errgroup.WithContext(ctx) pump pattern (internal/agent/warpp.go).
// A background goroutine, managed by an errgroup so a pump panic/error
// cancels the shared context rather than deadlocking Next, pulls from
// upstream and forwards onto the channel; the consumer enforces
// idleTimeout between successive sends, implementing spec.md §5's
// stream-idle-timeout bound independently of how fast upstream itself
// produces chunks.
type FanIn struct {
	ch     chan eventOrErr
	cancel context.CancelFunc
	g      *errgroup.Group
	idle   time.Duration
}

// NewFanIn starts the pump goroutine and returns a FanIn implementing
// backend.EventStream.
func NewFanIn(ctx context.Context, upstream backend.EventStream, capacity int, idleTimeout time.Duration) *FanIn {
	if capacity <= 0 {
		capacity = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	f := &FanIn{ch: make(chan eventOrErr, capacity), cancel: cancel, g: g, idle: idleTimeout}

	g.Go(func() error {
		defer close(f.ch)
		for {
			ev, err := upstream.Next(gctx)
			select {
			case f.ch <- eventOrErr{ev: ev, err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err != nil {
				return nil
			}
		}
	})
	return f
}

// Next returns the next pumped event, or an idle-timeout error if none
// arrives within idleTimeout.
func (f *FanIn) Next(ctx context.Context) (backend.Event, error) {
	timer := time.NewTimer(f.idle)
	defer timer.Stop()
	select {
	case item, ok := <-f.ch:
		if !ok {
			return backend.Event{}, io.EOF
		}
		return item.ev, item.err
	case <-timer.C:
		f.cancel()
		return backend.Event{}, fmt.Errorf("streamengine: no upstream chunk within %s: %w", f.idle, context.DeadlineExceeded)
	case <-ctx.Done():
		return backend.Event{}, ctx.Err()
	}
}

// Close stops the pump and waits for it to exit.
func (f *FanIn) Close() error {
	f.cancel()
	_ = f.g.Wait()
	return nil
}
