package sanitize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/internal/cache"
	"llmrelay/internal/clientdetect"
	"llmrelay/internal/protocol"
	"llmrelay/internal/sigcache"
)

func newTestCache() *sigcache.Cache {
	newStore := func() *cache.Store { return cache.New(4, time.Hour, nil, 16, 0) }
	return sigcache.New(newStore(), newStore(), newStore(), false, 0)
}

func sanitizingClient() clientdetect.Info {
	return clientdetect.Info{Type: clientdetect.Cursor, NeedsSanitization: true, EncodeSignatureIntoToolID: true}
}

func TestSanitizeSkippedWhenClientDoesNotNeedIt(t *testing.T) {
	sc := newTestCache()
	msgs := []protocol.InternalMessage{{Role: "model", Parts: []protocol.Part{{Thought: true, Text: "reasoning"}}}}

	res := Sanitize(context.Background(), sc, Request{
		Messages:        msgs,
		ThinkingEnabled: true,
		Client:          clientdetect.Info{Type: clientdetect.ClaudeCode, NeedsSanitization: false},
	})

	require.Len(t, res.Messages, 1)
	assert.True(t, res.Messages[0].Parts[0].Thought)
	assert.Equal(t, 0, res.DegradedBlocks)
}

func TestI1DegradesUnverifiableThinking(t *testing.T) {
	sc := newTestCache()
	msgs := []protocol.InternalMessage{
		{Role: "user", Parts: []protocol.Part{{Text: "question"}}},
		{Role: "model", Parts: []protocol.Part{{Thought: true, Text: "unverifiable reasoning"}}},
	}

	res := Sanitize(context.Background(), sc, Request{
		Messages:        msgs,
		ThinkingEnabled: true,
		Client:          sanitizingClient(),
	})

	require.Len(t, res.Messages, 2)
	assistant := res.Messages[1]
	require.Len(t, assistant.Parts, 1)
	assert.False(t, assistant.Parts[0].Thought, "degraded block must become plain text")
	assert.Equal(t, 1, res.DegradedBlocks)
	assert.False(t, res.ThinkingEnabled, "I3 must strip thinking config once no thinking blocks survive")
}

func TestI1PreservesThinkingWhenSignatureRecoverable(t *testing.T) {
	sc := newTestCache()
	sc.PutThinking(context.Background(), "let me think", "sigABC", sigcache.FamilyGemini)

	msgs := []protocol.InternalMessage{
		{Role: "model", Parts: []protocol.Part{{Thought: true, Text: "let me think"}}},
	}

	res := Sanitize(context.Background(), sc, Request{
		Messages:        msgs,
		ThinkingEnabled: true,
		TargetFamily:    sigcache.FamilyGemini,
		Client:          sanitizingClient(),
	})

	require.Len(t, res.Messages, 1)
	assert.True(t, res.Messages[0].Parts[0].Thought)
	assert.Equal(t, "sigABC", res.Messages[0].Parts[0].ThoughtSignature)
	assert.True(t, res.ThinkingEnabled)
	assert.Equal(t, 0, res.DegradedBlocks)
}

func TestI2DropsOrphanToolResult(t *testing.T) {
	sc := newTestCache()
	msgs := []protocol.InternalMessage{
		{Role: "user", Parts: []protocol.Part{{Text: "do something"}}},
		{Role: "tool", Parts: []protocol.Part{{FunctionResponse: &protocol.FunctionResponse{ID: "orphan_call", Response: map[string]any{"output": "x"}}}}},
	}

	res := Sanitize(context.Background(), sc, Request{
		Messages: msgs,
		Client:   sanitizingClient(),
	})

	require.Len(t, res.Messages, 1, "the orphaned tool message is dropped entirely")
	assert.Equal(t, 1, res.DroppedOrphans)
}

func TestI2KeepsPairedToolResult(t *testing.T) {
	sc := newTestCache()
	msgs := []protocol.InternalMessage{
		{Role: "model", Parts: []protocol.Part{{FunctionCall: &protocol.FunctionCall{ID: "call_1", Name: "search"}}}},
		{Role: "tool", Parts: []protocol.Part{{FunctionResponse: &protocol.FunctionResponse{ID: "call_1", Response: map[string]any{"output": "found"}}}}},
	}

	res := Sanitize(context.Background(), sc, Request{
		Messages: msgs,
		Client:   sanitizingClient(),
	})

	require.Len(t, res.Messages, 2)
	assert.Equal(t, 0, res.DroppedOrphans)
}

func TestI3StripsThinkingConfigWhenNoBlocksSurvive(t *testing.T) {
	sc := newTestCache()
	msgs := []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}}

	res := Sanitize(context.Background(), sc, Request{
		Messages:        msgs,
		ThinkingEnabled: true,
		Client:          sanitizingClient(),
	})
	assert.False(t, res.ThinkingEnabled)
}

func TestI3NeverEnablesThinkingThatWasNotRequested(t *testing.T) {
	sc := newTestCache()
	sc.PutThinking(context.Background(), "reasoning", "sig1", sigcache.FamilyGemini)
	msgs := []protocol.InternalMessage{{Role: "model", Parts: []protocol.Part{{Thought: true, Text: "reasoning"}}}}

	res := Sanitize(context.Background(), sc, Request{
		Messages:        msgs,
		ThinkingEnabled: false,
		TargetFamily:    sigcache.FamilyGemini,
		Client:          sanitizingClient(),
	})
	assert.False(t, res.ThinkingEnabled)
}

func TestToolLoopRecoverySeedsThinkingFromSessionCache(t *testing.T) {
	sc := newTestCache()
	sc.PutSession(context.Background(), "fp1", "sigSeed", "prior reasoning", sigcache.FamilyGemini)

	msgs := []protocol.InternalMessage{
		{Role: "model", Parts: []protocol.Part{{FunctionCall: &protocol.FunctionCall{ID: "call_1", Name: "search"}}}},
	}

	res := Sanitize(context.Background(), sc, Request{
		Messages:            msgs,
		TargetFamily:        sigcache.FamilyGemini,
		Client:              sanitizingClient(),
		SessionFingerprints: []string{"fp1"},
	})

	require.Len(t, res.Messages, 1)
	last := res.Messages[0]
	require.Len(t, last.Parts, 2)
	assert.True(t, last.Parts[0].Thought)
	assert.Equal(t, "sigSeed", last.Parts[0].ThoughtSignature)
	require.NotNil(t, last.Parts[1].FunctionCall)
}

func TestRedactedThinkingAlwaysDegradedUnderSanitization(t *testing.T) {
	sc := newTestCache()
	msgs := []protocol.InternalMessage{
		{Role: "model", Parts: []protocol.Part{{Redacted: true, Data: "opaque"}}},
	}

	res := Sanitize(context.Background(), sc, Request{
		Messages: msgs,
		Client:   sanitizingClient(),
	})
	require.Len(t, res.Messages, 1)
	assert.Empty(t, res.Messages[0].Parts)
	assert.Equal(t, 1, res.DegradedBlocks)
}
