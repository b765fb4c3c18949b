// Package streamengine implements the streaming engine (C7): it consumes a
// backend.EventStream and drives an Emitter through block-start/delta/stop
// transitions, and returns every thought block and tool call closed during
// the run so the caller can record thought signatures into the signature
// cache (C2) and conversation state store (C3).
package streamengine

import (
	"context"
	"errors"
	"io"
	"strings"

	"llmrelay/internal/backend"
)

// BlockKind is the kind of content block currently open.
type BlockKind int

const (
	KindNone BlockKind = iota
	KindText
	KindThought
	KindTool
)

// Emitter receives block-level transitions from Run and is responsible for
// translating them into a wire format (Anthropic or OpenAI SSE).
type Emitter interface {
	Start()
	BlockStart(idx int, kind BlockKind, toolID, toolName string)
	TextDelta(idx int, text string)
	ToolArgsDelta(idx int, argsDelta string)
	BlockStop(idx int, kind BlockKind, signature string)
	Finish(reason string, usage *backend.Usage)
}

// ThoughtBlock is one thinking block closed during a run.
type ThoughtBlock struct {
	Text      string
	Signature string
}

// ClosedToolCall is one tool_use/tool_call block closed during a run,
// carrying the signature active in context when it closed (spec.md §4.5's
// "tool-id cache for any tool_calls emitted with that signature in
// context").
type ClosedToolCall struct {
	ID               string
	Name             string
	Args             string
	ContextSignature string
}

// Result summarizes what a Run produced.
type Result struct {
	FinishReason  string
	Usage         *backend.Usage
	ThoughtBlocks []ThoughtBlock
	ToolCalls     []ClosedToolCall
}

// Run drains stream, dispatching block transitions to emit. It returns once
// the stream ends cleanly (io.EOF) or with the first non-EOF error.
func Run(ctx context.Context, stream backend.EventStream, emit Emitter) (Result, error) {
	var (
		cur            = KindNone
		curIdx         = -1
		nextIdx        = 0
		toolBlockIndex = map[int]int{}
		toolBuf        = map[int]*toolAccum{}
		contextSig     string
		thinkingText   strings.Builder
		result         Result
	)

	emit.Start()

	closeCurrent := func() {
		if cur == KindNone {
			return
		}
		switch cur {
		case KindThought:
			emit.BlockStop(curIdx, cur, contextSig)
			result.ThoughtBlocks = append(result.ThoughtBlocks, ThoughtBlock{
				Text: thinkingText.String(), Signature: contextSig,
			})
			thinkingText.Reset()
		case KindTool:
			emit.BlockStop(curIdx, cur, "")
			for upstreamIdx, idx := range toolBlockIndex {
				if idx != curIdx {
					continue
				}
				if tb := toolBuf[upstreamIdx]; tb != nil {
					result.ToolCalls = append(result.ToolCalls, ClosedToolCall{
						ID: tb.id, Name: tb.name, Args: tb.args.String(), ContextSignature: contextSig,
					})
				}
				break
			}
		default:
			emit.BlockStop(curIdx, cur, "")
		}
		cur = KindNone
		curIdx = -1
	}

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, err
		}

		if ev.ThoughtSignature != "" && ev.Text == "" && ev.ToolCall == nil {
			// A signature delivered on its own, with no text: either closing
			// out the open thought run, or (upstream quirk) outside any open
			// thought block (spec.md §4.5). Cache it as the current context
			// signature immediately.
			contextSig = ev.ThoughtSignature
		}

		switch {
		case ev.Text != "" && ev.Thought:
			if cur != KindThought {
				closeCurrent()
				curIdx = nextIdx
				nextIdx++
				emit.BlockStart(curIdx, KindThought, "", "")
				cur = KindThought
			}
			thinkingText.WriteString(ev.Text)
			emit.TextDelta(curIdx, ev.Text)
			if ev.ThoughtSignature != "" {
				contextSig = ev.ThoughtSignature
			}

		case ev.Text != "":
			if cur != KindText {
				closeCurrent()
				curIdx = nextIdx
				nextIdx++
				emit.BlockStart(curIdx, KindText, "", "")
				cur = KindText
			}
			emit.TextDelta(curIdx, ev.Text)

		case ev.ToolCall != nil:
			idx, ok := toolBlockIndex[ev.ToolCall.Index]
			if !ok {
				closeCurrent()
				idx = nextIdx
				nextIdx++
				toolBlockIndex[ev.ToolCall.Index] = idx
				toolBuf[ev.ToolCall.Index] = &toolAccum{id: ev.ToolCall.ID, name: ev.ToolCall.Name}
				emit.BlockStart(idx, KindTool, ev.ToolCall.ID, ev.ToolCall.Name)
			}
			cur = KindTool
			curIdx = idx
			if tb := toolBuf[ev.ToolCall.Index]; tb != nil {
				if ev.ToolCall.ID != "" {
					tb.id = ev.ToolCall.ID
				}
				if ev.ToolCall.Name != "" {
					tb.name = ev.ToolCall.Name
				}
				tb.args.WriteString(ev.ToolCall.ArgsDelta)
			}
			if ev.ToolCall.ArgsDelta != "" {
				emit.ToolArgsDelta(idx, ev.ToolCall.ArgsDelta)
			}
		}

		if ev.FinishReason != "" {
			result.FinishReason = ev.FinishReason
		}
		if ev.Usage != nil {
			result.Usage = ev.Usage
		}
	}

	closeCurrent()
	emit.Finish(result.FinishReason, result.Usage)
	return result, nil
}

type toolAccum struct {
	id, name string
	args     strings.Builder
}
