package sigcache

import "context"

// Layer identifies which of the six recovery layers satisfied a lookup,
// reported to the caller in Result.Layer.
type Layer int

const (
	LayerNone Layer = iota
	LayerClientProvided
	LayerCurrentMessage
	LayerDecoratedToolID
	LayerSessionCache
	LayerToolCache
	LayerTimeWindow
)

// RecoveryRequest bundles everything the six-layer recovery engine needs.
// Fields that don't apply to a given block (e.g. DecoratedToolID for a
// thinking block) are left zero; the corresponding layer is then skipped.
type RecoveryRequest struct {
	// Text is the exact thinking text the recovered signature must match
	// (P1). Empty for tool_use blocks, which carry no thinking text.
	Text string

	// ClientProvidedSignature is the signature present on the block as
	// sent by the client, if any (layer 1).
	ClientProvidedSignature string

	// CurrentMessageSignature is the signature of the nearest thinking
	// block already resolved earlier in the same assistant message
	// (layer 2).
	CurrentMessageSignature string

	// DecoratedToolID is a tool_use id that may carry a decorated
	// signature (layer 3).
	DecoratedToolID string

	// Fingerprints are tried in order for the session cache (layer 4):
	// conventionally [first_user, last_n, full].
	Fingerprints []string

	// ToolID is the base tool id used for the tool cache lookup
	// (layer 5).
	ToolID string

	TargetFamily Family
}

// Result is the outcome of a recovery attempt.
type Result struct {
	Signature string
	Layer     Layer
	Found     bool
}

// placeholderSignatures are values clients sometimes send that look like a
// signature but are not one (empty string is handled separately).
var placeholderSignatures = map[string]bool{
	"placeholder": true,
	"none":        true,
	"null":        true,
}

func isUsableClientSignature(sig string) bool {
	return sig != "" && !placeholderSignatures[sig]
}

// Recover runs the six-layer recovery engine described in spec.md §4.2,
// returning the first layer that produces a usable signature.
func (c *Cache) Recover(ctx context.Context, req RecoveryRequest) Result {
	if isUsableClientSignature(req.ClientProvidedSignature) {
		return Result{Signature: req.ClientProvidedSignature, Layer: LayerClientProvided, Found: true}
	}

	if isUsableClientSignature(req.CurrentMessageSignature) {
		return Result{Signature: req.CurrentMessageSignature, Layer: LayerCurrentMessage, Found: true}
	}

	if req.DecoratedToolID != "" {
		if _, sig, ok := Decode(req.DecoratedToolID); ok && isUsableClientSignature(sig) {
			return Result{Signature: sig, Layer: LayerDecoratedToolID, Found: true}
		}
	}

	// Layer 4 ("session cache by fingerprint") is implemented by two keyed
	// tables: the fingerprint-keyed session cache, and — for blocks whose
	// exact text is known — the thinking-hash cache. Both are simple
	// text/context -> signature lookups against prior cache writes, so a
	// hit on either satisfies layer 4; this is the one place the spec's
	// three conceptual tables don't map 1:1 onto distinct numbered layers.
	if len(req.Fingerprints) > 0 {
		if sig, text, ok := c.GetSession(ctx, req.Fingerprints, req.TargetFamily); ok {
			if req.Text == "" || text == NormalizeThinking(req.Text) {
				return Result{Signature: sig, Layer: LayerSessionCache, Found: true}
			}
		}
	}
	if req.Text != "" {
		if sig, ok := c.GetThinking(ctx, req.Text, req.TargetFamily); ok {
			return Result{Signature: sig, Layer: LayerSessionCache, Found: true}
		}
	}

	if req.ToolID != "" {
		if sig, ok := c.GetTool(ctx, req.ToolID, req.TargetFamily); ok {
			return Result{Signature: sig, Layer: LayerToolCache, Found: true}
		}
	}

	if sig, ok := c.AnyRecentSignature(ctx, req.TargetFamily); ok {
		return Result{Signature: sig, Layer: LayerTimeWindow, Found: true}
	}

	return Result{Found: false}
}
