package convstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.db")
	s, err := New(path, time.Hour, 2*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	initial := []protocol.InternalMessage{{Role: "user", Parts: []protocol.Part{{Text: "hello"}}}}
	scid, err := s.Create(ctx, "claude_code", initial)
	require.NoError(t, err)
	assert.NotEmpty(t, scid)

	rec, ok, err := s.Load(ctx, scid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "claude_code", rec.ClientType)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "hello", rec.Messages[0].Parts[0].Text)
}

func TestLoadUnknownSCID(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Load(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendExtendsAuthoritativeHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scid, err := s.Create(ctx, "cursor", []protocol.InternalMessage{
		{Role: "user", Parts: []protocol.Part{{Text: "question"}}},
	})
	require.NoError(t, err)

	err = s.Append(ctx, scid, []protocol.InternalMessage{
		{Role: "model", Parts: []protocol.Part{{Thought: true, Text: "reasoning", ThoughtSignature: "sigA"}}},
	}, "sigA")
	require.NoError(t, err)

	rec, ok, err := s.Load(ctx, scid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "sigA", rec.LastSignature)
	assert.True(t, rec.Messages[1].Parts[0].Thought)
}

func TestAppendUnknownSCIDErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), "ghost", nil, "")
	assert.Error(t, err)
}

func TestGCReclaimsExpiredConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scid, err := s.Create(ctx, "unknown", nil)
	require.NoError(t, err)

	rec, ok, err := s.Load(ctx, scid)
	require.NoError(t, err)
	require.True(t, ok)
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.putLocked(ctx, rec))

	n, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err = s.Load(ctx, scid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIDEClientGetsLongerTTL(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 2*time.Hour, s.ttlFor("claude_code"))
	assert.Equal(t, time.Hour, s.ttlFor("openai_api"))
}
