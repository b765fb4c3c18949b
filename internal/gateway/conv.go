package gateway

import (
	"context"

	"github.com/rs/zerolog/log"

	"llmrelay/internal/protocol"
)

// resolveConversation implements spec.md §4.3's authoritative-history
// rule: when the client presents a known SCID, the server's own stored
// turns replace the client-submitted prefix (which an IDE/CLI client may
// have mangled or truncated), and only the client's new trailing messages
// beyond what the server already has are appended. An unknown or absent
// SCID starts a fresh conversation rooted at whatever the client sent,
// and the returned scid is echoed back to the client via
// X-AG-Conversation-Id so the next turn can resume it.
func (a *App) resolveConversation(ctx context.Context, scidHeader, clientType string, clientMsgs []protocol.InternalMessage) (scid string, msgs []protocol.InternalMessage) {
	if a.convstate == nil {
		return "", clientMsgs
	}

	if scidHeader != "" {
		rec, ok, err := a.convstate.Load(ctx, scidHeader)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("scid", scidHeader).Msg("gateway: convstate load failed")
		}
		if ok {
			if len(clientMsgs) > len(rec.Messages) {
				newMsgs := clientMsgs[len(rec.Messages):]
				if err := a.convstate.Append(ctx, scidHeader, newMsgs, ""); err != nil {
					log.Ctx(ctx).Warn().Err(err).Str("scid", scidHeader).Msg("gateway: convstate append failed")
				}
				merged := make([]protocol.InternalMessage, 0, len(clientMsgs))
				merged = append(merged, rec.Messages...)
				merged = append(merged, newMsgs...)
				return scidHeader, merged
			}
			return scidHeader, rec.Messages
		}
	}

	newSCID, err := a.convstate.Create(ctx, clientType, clientMsgs)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("gateway: convstate create failed")
		return "", clientMsgs
	}
	return newSCID, clientMsgs
}
