package router

import (
	"context"

	"github.com/rs/zerolog/log"

	"llmrelay/internal/gwerr"
)

// Attempt is one invocation of a chain entry against a live backend. Err
// is non-nil iff the attempt failed.
type Attempt struct {
	Entry ChainEntry
	Err   *gwerr.Error
}

// Invoke is called once per eligible chain entry; it should perform the
// actual backend call (build request, stream response, write to the
// client) and return a classified error, or nil on success. Invoke must
// not write any bytes to the client before it can still return a
// fallbackable error — once bytes are committed, fallback is no longer
// possible per spec.md §4.6's ordering guarantee.
type Invoke func(ctx context.Context, entry ChainEntry) *gwerr.Error

// SupportsFn reports whether a backend adapter accepts a given model name,
// letting the dispatcher skip chain entries a backend can't serve (C9 owns
// this decision, not the routing table).
type SupportsFn func(backend, model string) bool

// Dispatch walks chain in declared order (spec.md §4.6: "strictly in
// declared order; no parallel racing"), skipping suspended backends and
// ones that don't support their target model, invoking each eligible
// entry until one succeeds or the chain is exhausted. On a fallbackable
// error it records the attempt and advances; on a fatal error it stops
// and returns immediately.
func Dispatch(ctx context.Context, chain []ChainEntry, suspension *Suspension, supports SupportsFn, invoke Invoke) (attempts []Attempt, final *gwerr.Error) {
	for _, entry := range chain {
		if suspension != nil && suspension.IsSuspended(entry.Backend) {
			log.Ctx(ctx).Debug().Str("backend", entry.Backend).Msg("router: skipping suspended backend")
			continue
		}
		if supports != nil && !supports(entry.Backend, entry.Model) {
			continue
		}

		err := invoke(ctx, entry)
		attempts = append(attempts, Attempt{Entry: entry, Err: err})
		if err == nil {
			return attempts, nil
		}
		if !err.Fallbackable() {
			return attempts, err
		}
		// Fallbackable failure: advance to the next chain entry. The
		// caller is responsible for suspending the backend on 429 via
		// Suspension.Suspend before the next Dispatch call reaches it.
	}

	if len(attempts) == 0 {
		return attempts, gwerr.New(gwerr.KindConfigMissing, 502, "no eligible backend in chain", nil)
	}
	return attempts, attempts[len(attempts)-1].Err
}
