package gateway

import (
	"context"
	"time"

	"llmrelay/internal/backend"
)

// peekedStream wraps an EventStream, having already pulled its first event
// so the dispatcher can inspect it for a pre-flight failure before handing
// the stream to the streaming engine. Next replays the peeked event once,
// then delegates.
type peekedStream struct {
	inner    backend.EventStream
	first    backend.Event
	firstErr error
	consumed bool
}

// peekFirstEvent pulls the first event off s and returns a stream that will
// replay it before continuing; the returned error is s's first-event error
// (io.EOF on a stream that produced nothing).
func peekFirstEvent(ctx context.Context, s backend.EventStream) (*peekedStream, error) {
	ev, err := s.Next(ctx)
	return &peekedStream{inner: s, first: ev, firstErr: err}, err
}

func (p *peekedStream) Next(ctx context.Context) (backend.Event, error) {
	if !p.consumed {
		p.consumed = true
		return p.first, p.firstErr
	}
	return p.inner.Next(ctx)
}

func (p *peekedStream) Close() error { return p.inner.Close() }

func durationFromSeconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
