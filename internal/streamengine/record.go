package streamengine

import (
	"context"

	"llmrelay/internal/sigcache"
)

// RecordSignatures writes every signature a Run produced into the three
// C2 tables (spec.md §4.5's signature-extraction contract): the thinking
// text hash table, the session-fingerprint table, and the tool-id table
// for any tool call closed while a thought signature was in context.
func RecordSignatures(ctx context.Context, sc *sigcache.Cache, result Result, family sigcache.Family, sessionFingerprint string) {
	if sc == nil {
		return
	}
	for _, tb := range result.ThoughtBlocks {
		if tb.Signature == "" || tb.Text == "" {
			continue
		}
		sc.PutThinking(ctx, tb.Text, tb.Signature, family)
		if sessionFingerprint != "" {
			sc.PutSession(ctx, sessionFingerprint, tb.Signature, tb.Text, family)
		}
	}
	for _, tc := range result.ToolCalls {
		if tc.ContextSignature == "" || tc.ID == "" {
			continue
		}
		sc.PutTool(ctx, tc.ID, tc.ContextSignature, family)
	}
}
