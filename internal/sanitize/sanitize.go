// Package sanitize implements the message sanitizer (C5): the invariant
// engine that enforces thinking-block validity (I1), tool-chain integrity
// (I2), and thinking-config consistency (I3) on an outbound message list,
// recovering signatures through package sigcache's six-layer engine.
package sanitize

import (
	"context"

	"llmrelay/internal/clientdetect"
	"llmrelay/internal/protocol"
	"llmrelay/internal/sigcache"
)

// Request bundles the inputs the sanitizer needs to enforce I1-I3 on one
// outbound message list.
type Request struct {
	Messages []protocol.InternalMessage
	// ThinkingEnabled is the caller's initial "thinking" config state;
	// Sanitize may clear it per I3 but never sets it when it was already
	// false.
	ThinkingEnabled bool
	TargetFamily    sigcache.Family
	Client          clientdetect.Info
	// ShowDegradedThinking controls whether a degraded block's text is
	// wrapped in <think> markers in the sanitized (upstream-bound) message
	// list; when false the text is sent bare. Sanitized messages are never
	// written to the client-facing response stream, so degraded text does
	// not appear there either way (off by default — see
	// config.SanitizerConfig).
	ShowDegradedThinking bool
	// SessionFingerprints seeds layer 4 of the recovery engine (spec.md
	// §4.2): conventionally [first_user, last_n, full].
	SessionFingerprints []string
}

// Result is the sanitized message list plus the resolved thinking config
// and bookkeeping the caller needs to persist back into C2/C3.
type Result struct {
	Messages        []protocol.InternalMessage
	ThinkingEnabled bool
	DroppedOrphans  int
	DegradedBlocks  int
}

// Sanitize runs I1, I2, and I3 over req.Messages in order: I1 first
// (degrading or recovering thinking blocks), then I2 (dropping any
// tool_result with no matching tool_use in the preceding assistant
// message), then tool-loop recovery on the final assistant message, and
// I3 last (propagating or stripping the thinking config based on what
// survived, including any thinking block tool-loop recovery seeded).
func Sanitize(ctx context.Context, sc *sigcache.Cache, req Request) Result {
	if !req.Client.NeedsSanitization {
		return Result{Messages: req.Messages, ThinkingEnabled: req.ThinkingEnabled}
	}

	msgs, degraded := enforceI1(ctx, sc, req)
	msgs, dropped := enforceI2(msgs)
	msgs = recoverToolLoop(ctx, sc, msgs, req)
	thinkingEnabled := enforceI3(msgs, req.ThinkingEnabled)

	return Result{
		Messages:        msgs,
		ThinkingEnabled: thinkingEnabled,
		DroppedOrphans:  dropped,
		DegradedBlocks:  degraded,
	}
}

// enforceI1 walks every message and, for each thinking/redacted_thinking
// part, attempts recovery via the six-layer engine; historical and
// in-flight turns get the same recovery attempt, and either one degrades
// to plain text on a miss.
func enforceI1(ctx context.Context, sc *sigcache.Cache, req Request) ([]protocol.InternalMessage, int) {
	degraded := 0
	out := make([]protocol.InternalMessage, len(req.Messages))
	var currentMessageSig string

	for i, m := range req.Messages {
		if m.Role != "model" {
			out[i] = m
			continue
		}
		currentMessageSig = ""
		newParts := make([]protocol.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if !p.IsThought() {
				newParts = append(newParts, p)
				continue
			}
			if p.Redacted {
				// Opaque redacted_thinking blocks carry no text to
				// re-verify; they pass through only the client already
				// vouches for their signature via ThoughtSignature, which
				// redacted blocks never carry, so these are always dropped
				// on replay from a sanitizing client.
				degraded++
				continue
			}

			result := sc.Recover(ctx, sigcache.RecoveryRequest{
				Text:                    p.Text,
				ClientProvidedSignature: p.ThoughtSignature,
				CurrentMessageSignature: currentMessageSig,
				Fingerprints:            req.SessionFingerprints,
				TargetFamily:            req.TargetFamily,
			})
			if result.Found {
				p.ThoughtSignature = result.Signature
				currentMessageSig = result.Signature
				newParts = append(newParts, p)
				continue
			}

			degraded++
			newParts = append(newParts, degradeThinking(p, req.ShowDegradedThinking))
		}
		out[i] = protocol.InternalMessage{Role: m.Role, Parts: newParts}
	}
	return out, degraded
}

// degradeThinking replaces an unverifiable thinking part with plain text
// carrying the same reasoning content, wrapped in <think> markers only when
// keepVisible is set.
func degradeThinking(p protocol.Part, keepVisible bool) protocol.Part {
	text := p.Text
	if keepVisible {
		text = "<think>\n" + text + "\n</think>"
	}
	return protocol.Part{Text: text}
}

// enforceI2 drops any tool_result whose tool_use id has no matching
// tool_use in the immediately preceding message, and drops the whole turn
// when every part of it was such an orphan. tool_use parts are never
// dropped here, including ones no tool_result references (an open tool
// loop is handled by recoverToolLoop).
func enforceI2(msgs []protocol.InternalMessage) ([]protocol.InternalMessage, int) {
	dropped := 0
	out := make([]protocol.InternalMessage, 0, len(msgs))

	for i, m := range msgs {
		if m.Role != "tool" && !hasToolResponse(m) {
			out = append(out, m)
			continue
		}

		var liveIDs map[string]bool
		if i > 0 {
			liveIDs = toolUseIDs(msgs[i-1])
		}
		newParts := make([]protocol.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.FunctionResponse == nil {
				newParts = append(newParts, p)
				continue
			}
			if liveIDs != nil && liveIDs[p.FunctionResponse.ID] {
				newParts = append(newParts, p)
			} else {
				dropped++
			}
		}
		if len(newParts) == 0 && len(m.Parts) > 0 {
			continue // every part in this turn was an orphan; drop the turn
		}
		out = append(out, protocol.InternalMessage{Role: m.Role, Parts: newParts})
	}
	return out, dropped
}

func hasToolResponse(m protocol.InternalMessage) bool {
	for _, p := range m.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

func toolUseIDs(m protocol.InternalMessage) map[string]bool {
	ids := map[string]bool{}
	for _, p := range m.Parts {
		if p.FunctionCall != nil {
			ids[p.FunctionCall.ID] = true
		}
	}
	return ids
}

// enforceI3 reflects whether any thinking block survived sanitization: if
// none did, the thinking config is forced off to avoid an upstream 400 for
// "thinking disabled but thinking block present"; it is never turned on if
// the caller started with it off.
func enforceI3(msgs []protocol.InternalMessage, requested bool) bool {
	if !requested {
		return false
	}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.IsThought() {
				return true
			}
		}
	}
	return false
}

// recoverToolLoop implements spec.md §4.3's "tool-loop recovery": when the
// final assistant message holds a tool_use with no subsequent tool_result
// (the loop is still open, e.g. the client is mid-retry), try to seed a
// thinking block at the head of that message from the session cache so
// later signature-context logic (layer 2, "current message") has something
// to anchor on; if nothing is available, leave the message alone and let
// I3 disable thinking for the turn.
func recoverToolLoop(ctx context.Context, sc *sigcache.Cache, msgs []protocol.InternalMessage, req Request) []protocol.InternalMessage {
	if len(msgs) == 0 {
		return msgs
	}
	last := len(msgs) - 1
	if msgs[last].Role != "model" {
		return msgs
	}
	if !brokenToolLoop(msgs, last) {
		return msgs
	}
	if hasThought(msgs[last]) {
		return msgs
	}

	sig, text, ok := sc.GetSession(ctx, req.SessionFingerprints, req.TargetFamily)
	if !ok {
		return msgs
	}

	patched := make([]protocol.Part, 0, len(msgs[last].Parts)+1)
	patched = append(patched, protocol.Part{Thought: true, Text: text, ThoughtSignature: sig})
	patched = append(patched, msgs[last].Parts...)
	out := append([]protocol.InternalMessage(nil), msgs...)
	out[last] = protocol.InternalMessage{Role: msgs[last].Role, Parts: patched}
	return out
}

func brokenToolLoop(msgs []protocol.InternalMessage, idx int) bool {
	hasOpenCall := false
	for _, p := range msgs[idx].Parts {
		if p.FunctionCall != nil {
			hasOpenCall = true
		}
	}
	if !hasOpenCall {
		return false
	}
	return idx == len(msgs)-1
}

func hasThought(m protocol.InternalMessage) bool {
	for _, p := range m.Parts {
		if p.IsThought() {
			return true
		}
	}
	return false
}
