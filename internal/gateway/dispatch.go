package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"llmrelay/internal/backend"
	"llmrelay/internal/clientdetect"
	"llmrelay/internal/gwerr"
	"llmrelay/internal/protocol"
	"llmrelay/internal/router"
	"llmrelay/internal/sanitize"
	"llmrelay/internal/sigcache"
	"llmrelay/internal/streamengine"
)

// pipelineInput is the protocol-agnostic request the dispatcher walks a
// backend chain for; messages.go and chatcompletions.go each build one from
// their own wire format.
type pipelineInput struct {
	Model           string
	System          string
	Messages        []protocol.InternalMessage
	Tools           []protocol.Tool
	ThinkingEnabled bool
	MaxTokens       int
	Stream          bool
	Client          clientdetect.Info
	SCID            string
	ResponseID      string
}

// responseBuilder renders a pipeline outcome into the ingress protocol's
// wire shape; anthropicBuilder/openAIBuilder implement this for their
// respective endpoints.
type responseBuilder interface {
	newStreamEmitter(w http.ResponseWriter, model, id string) streamengine.Emitter
	writeNonStream(w http.ResponseWriter, model, id string, msg protocol.InternalMessage, finishReason string, usage *backend.Usage)
}

// dispatchOutcome is recorded once a chain entry wins, for SCID append and
// logging; not exposed outside this package.
type dispatchOutcome struct {
	backendID string
	family    sigcache.Family
	message   protocol.InternalMessage
	finish    string
	usage     *backend.Usage
}

// runPipeline walks in.Model's configured backend chain (C8), sanitizing
// (C5) once per attempt against that attempt's target family, dispatching
// to the chosen adapter (C9) and draining it through the streaming engine
// (C7). For a streaming request the first upstream event is peeked before
// any bytes reach the client so a pre-flight failure can still fall back;
// once the engine starts writing, a later failure is treated as fatal
// (spec.md §4.6's "partial bytes preclude fallback" guarantee). A
// non-streaming request runs entirely into an in-memory Collector first, so
// any failure there remains fully fallbackable.
func (a *App) runPipeline(ctx context.Context, w http.ResponseWriter, rb responseBuilder, in pipelineInput) {
	table := a.routes.Table()
	chain := table.ChainFor(in.Model)
	if len(chain) == 0 {
		writeGatewayError(w, gwerr.New(gwerr.KindConfigMissing, http.StatusBadGateway, "no route configured for model "+in.Model, nil))
		return
	}

	fingerprints := sessionFingerprints(in.Messages)
	supports := func(backendID, model string) bool { return a.registry.Supports(backendID, model) }

	var outcome dispatchOutcome
	bytesCommitted := false

	// attempt runs one full dispatch of entry against the upstream adapter,
	// sanitizing against thinkingEnabled rather than in.ThinkingEnabled so
	// invoke can retry with thinking forced off without re-deriving the
	// whole closure.
	attempt := func(ctx context.Context, entry router.ChainEntry, thinkingEnabled bool) *gwerr.Error {
		a.stats.RecordRequest(entry.Backend)
		family := sigcache.Family(a.cfg.Backends[entry.Backend].Family)

		sanitized := sanitizeFailOpen(ctx, a.sigcache, sanitize.Request{
			Messages: in.Messages, ThinkingEnabled: thinkingEnabled, TargetFamily: family,
			Client: in.Client, ShowDegradedThinking: a.cfg.Sanitizer.ShowDegradedThinking,
			SessionFingerprints: fingerprints,
		})

		adapter, ok := a.registry.Get(entry.Backend)
		if !ok {
			a.stats.RecordError(entry.Backend)
			return gwerr.New(gwerr.KindConfigMissing, http.StatusBadGateway, "backend not registered: "+entry.Backend, nil)
		}

		streamReq := backend.StreamRequest{
			Model: entry.Model, System: in.System, Messages: sanitized.Messages,
			Tools: in.Tools, ThinkingEnabled: sanitized.ThinkingEnabled, MaxTokens: in.MaxTokens,
		}
		upstream, gerr := adapter.Stream(ctx, streamReq)
		if gerr != nil {
			a.stats.RecordError(entry.Backend)
			return gerr
		}
		fanIn := streamengine.NewFanIn(ctx, upstream, a.cfg.StreamChannelCapacity, a.cfg.StreamIdleTimeout)
		defer fanIn.Close()

		if in.Stream {
			peeked, perr := peekFirstEvent(ctx, fanIn)
			if perr != nil && !errors.Is(perr, io.EOF) {
				a.stats.RecordError(entry.Backend)
				return classifyStreamErr(perr)
			}

			// Tee the wire emitter through a Collector so the full
			// assistant turn is available for C2/C3 bookkeeping even
			// though the real bytes went straight to the client.
			collector := streamengine.NewCollector()
			emitter := &teeEmitter{primary: rb.newStreamEmitter(w, in.Model, in.ResponseID), collector: collector}
			bytesCommitted = true
			result, runErr := streamengine.Run(ctx, peeked, emitter)
			if runErr != nil {
				a.stats.RecordError(entry.Backend)
				ge := classifyStreamErr(runErr)
				// Bytes are already on the wire: this attempt can never
				// fall back or retry regardless of how the error would
				// otherwise classify (spec.md §4.6's ordering guarantee).
				ge.Kind = gwerr.KindInternalBug
				return ge
			}
			outcome = dispatchOutcome{
				backendID: entry.Backend, family: family,
				message: collector.Message(), finish: result.FinishReason, usage: result.Usage,
			}
			streamengine.RecordSignatures(ctx, a.sigcache, result, family, fullFingerprint(fingerprints))
			return nil
		}

		collector := streamengine.NewCollector()
		result, runErr := streamengine.Run(ctx, fanIn, collector)
		if runErr != nil {
			a.stats.RecordError(entry.Backend)
			return classifyStreamErr(runErr)
		}
		outcome = dispatchOutcome{
			backendID: entry.Backend, family: family,
			message: collector.Message(), finish: result.FinishReason, usage: result.Usage,
		}
		streamengine.RecordSignatures(ctx, a.sigcache, result, family, fullFingerprint(fingerprints))
		return nil
	}

	// invoke wraps attempt with the single same-backend retry spec.md §7
	// prescribes for InvalidSignatureRejected: re-sanitize with thinking
	// forcibly disabled and try the same chain entry once more before
	// letting router.Dispatch treat the failure as fatal or fallbackable.
	// Only safe before any bytes reach the client, which bytesCommitted
	// tracks; attempt already forces KindInternalBug (non-Retryable) once
	// that happens, so this never double-fires against a live stream.
	invoke := func(ctx context.Context, entry router.ChainEntry) *gwerr.Error {
		gerr := attempt(ctx, entry, in.ThinkingEnabled)
		if gerr != nil && gerr.Retryable() && !bytesCommitted {
			log.Ctx(ctx).Info().Str("backend", entry.Backend).Msg("gateway: retrying with thinking disabled after invalid signature rejection")
			gerr = attempt(ctx, entry, false)
		}
		return gerr
	}

	attempts, finalErr := router.Dispatch(ctx, chain, a.suspension, supports, invoke)
	for i, at := range attempts {
		if at.Err == nil {
			continue
		}
		if i < len(attempts)-1 || finalErr == nil {
			a.stats.RecordFallback(at.Entry.Backend)
		}
		if at.Err.Kind == gwerr.KindQuotaExhausted && at.Err.RetryAfter != nil {
			a.suspension.Suspend(at.Entry.Backend, durationFromSeconds(float64(*at.Err.RetryAfter)))
		}
	}

	if finalErr != nil {
		log.Ctx(ctx).Warn().Str("model", in.Model).Err(finalErr).Msg("gateway: chain exhausted")
		if bytesCommitted {
			// A stream attempt already wrote message_start/role before
			// failing; there is nothing left to do but stop, the client
			// already has a truncated stream on the wire.
			return
		}
		writeGatewayError(w, finalErr)
		return
	}

	a.recordWinningAttempt(ctx, in, outcome, fingerprints)

	if !in.Stream {
		rb.writeNonStream(w, in.Model, in.ResponseID, outcome.message, outcome.finish, outcome.usage)
	}
	if outcome.usage != nil {
		a.stats.RecordUsage(in.Model, outcome.usage.InputTokens, outcome.usage.OutputTokens)
	}
}

// recordWinningAttempt persists the winning attempt's signatures and, when
// the request carries a live SCID, appends the server's own view of the
// new assistant turn (spec.md §4.3's authoritative-history rule).
func (a *App) recordWinningAttempt(ctx context.Context, in pipelineInput, outcome dispatchOutcome, fingerprints []string) {
	if in.SCID == "" || a.convstate == nil {
		return
	}
	if err := a.convstate.Append(ctx, in.SCID, []protocol.InternalMessage{outcome.message}, firstThoughtSignature(outcome.message)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("scid", in.SCID).Msg("gateway: convstate append failed")
	}
}

// classifyStreamErr turns a generic error surfaced from an EventStream's
// Next into a *gwerr.Error. Every adapter now classifies a status-bearing
// SDK error against its real HTTP status before returning it from Next, so
// the common case here is just unwrapping that already-classified value;
// router.Classify(0, "", err) is the fallback for a genuinely unclassified
// transport error (context cancellation, a dial failure).
func classifyStreamErr(err error) *gwerr.Error {
	var ge *gwerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	return router.Classify(0, "", err)
}

// fullFingerprint returns the last of sessionFingerprints' derivations, the
// full-conversation digest of the request's message list.
func fullFingerprint(fps []string) string {
	if len(fps) == 0 {
		return ""
	}
	return fps[len(fps)-1]
}

func firstThoughtSignature(m protocol.InternalMessage) string {
	for _, p := range m.Parts {
		if p.ThoughtSignature != "" {
			return p.ThoughtSignature
		}
	}
	return ""
}

// teeEmitter forwards every Emitter call to both a real wire emitter and an
// in-memory Collector, so a streamed response can be written to the client
// as it arrives while still producing the full InternalMessage C2/C3 need
// for signature persistence and conversation-state append.
type teeEmitter struct {
	primary   streamengine.Emitter
	collector *streamengine.Collector
}

func (t *teeEmitter) Start() { t.primary.Start(); t.collector.Start() }
func (t *teeEmitter) BlockStart(idx int, kind streamengine.BlockKind, toolID, toolName string) {
	t.primary.BlockStart(idx, kind, toolID, toolName)
	t.collector.BlockStart(idx, kind, toolID, toolName)
}
func (t *teeEmitter) TextDelta(idx int, text string) {
	t.primary.TextDelta(idx, text)
	t.collector.TextDelta(idx, text)
}
func (t *teeEmitter) ToolArgsDelta(idx int, argsDelta string) {
	t.primary.ToolArgsDelta(idx, argsDelta)
	t.collector.ToolArgsDelta(idx, argsDelta)
}
func (t *teeEmitter) BlockStop(idx int, kind streamengine.BlockKind, signature string) {
	t.primary.BlockStop(idx, kind, signature)
	t.collector.BlockStop(idx, kind, signature)
}
func (t *teeEmitter) Finish(reason string, usage *backend.Usage) {
	t.primary.Finish(reason, usage)
	t.collector.Finish(reason, usage)
}
