package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/logging"
	"github.com/kestrelai/conductor/internal/provider"
	"github.com/kestrelai/conductor/pkg/types"
)

// ErrDroppedStream reports that the provider's transport closed without
// ever emitting a terminal event (a finish reason). Distinct from
// an explicit stream error: the loop reissues the same request for it.
var ErrDroppedStream = errors.New("stream closed without a terminal event")

// streamState carries the per-invocation accumulators while a completion
// stream is being consumed: the open text/reasoning parts, the tool parts
// under construction keyed by stream index or call id, and the raw argument
// buffers that grow as fragments arrive.
type streamState struct {
	textPart      *types.TextPart
	reasoningPart *types.ReasoningPart
	toolParts     map[string]*types.ToolPart
	toolArgs      map[string]string
	textSoFar     string
	lastEventAt   time.Time
}

// processStream consumes one completion stream, building message parts as
// chunks arrive and reporting the finish reason the provider declared.
func (p *Processor) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *sessionState,
	callback ProcessCallback,
) (string, error) {
	ss := &streamState{
		toolParts: make(map[string]*types.ToolPart),
		toolArgs:  make(map[string]string),
	}

	// Mark the start of this inference step in the part sequence.
	stepStart := &types.StepStartPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-start",
	}
	state.parts = append(state.parts, stepStart)
	p.savePart(ctx, state.message.ID, stepStart)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepStart},
	})
	callback(state.message, state.parts)

	chunkCount := 0
	sawTerminal := false
	var finishReason string

	for {
		select {
		case <-ctx.Done():
			return "error", ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			logging.Debug().Int("chunks", chunkCount).Msg("stream complete")
			break
		}
		if err != nil {
			logging.Error().Err(err).Msg("stream receive failed")
			return "error", err
		}
		chunkCount++

		if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason != "" {
			sawTerminal = true
		}

		finishReason = p.consumeChunk(ctx, msg, state, ss, callback)
		if finishReason != "" {
			sawTerminal = true
			break
		}
	}

	// A stream that ends without ever reporting a finish reason never told
	// us whether the turn actually completed - treat it as dropped so the
	// loop reissues the request instead of accepting a truncated response.
	// A stream that produced tool calls is not treated as dropped.
	if !sawTerminal && len(ss.toolParts) == 0 {
		return "", ErrDroppedStream
	}

	p.finalizeStreamParts(ctx, state, ss)

	if finishReason == "" {
		if len(ss.toolParts) > 0 {
			finishReason = "tool-calls"
		} else {
			finishReason = "stop"
		}
	}
	// Providers disagree on the spelling of the tool-call finish reason.
	if finishReason == "tool_use" || finishReason == "tool_calls" {
		finishReason = "tool-calls"
	}

	stepFinish := &types.StepFinishPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-finish",
		Reason:    finishReason,
		Cost:      state.message.Cost,
		Tokens:    state.message.Tokens,
	}
	state.parts = append(state.parts, stepFinish)
	p.savePart(ctx, state.message.ID, stepFinish)
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepFinish},
	})
	callback(state.message, state.parts)

	logging.Debug().
		Str("reason", finishReason).
		Int("parts", len(state.parts)).
		Msg("stream finished")

	return finishReason, nil
}

// finalizeStreamParts closes the open text/reasoning parts and promotes the
// accumulated tool parts to running state, parsing any argument JSON that
// arrived in fragments.
func (p *Processor) finalizeStreamParts(ctx context.Context, state *sessionState, ss *streamState) {
	if ss.textPart != nil {
		now := time.Now().UnixMilli()
		ss.textPart.Time.End = &now
		p.savePart(ctx, state.message.ID, ss.textPart)

		// Text produced before tool calls is commentary, not the turn's
		// answer - surface it to the renderer as such.
		if len(ss.toolParts) > 0 && ss.textPart.Text != "" {
			event.Publish(event.Event{
				Type: event.IntermediateText,
				Data: event.IntermediateTextData{SessionID: state.message.SessionID, Text: ss.textPart.Text},
			})
		}
	}

	if ss.reasoningPart != nil {
		now := time.Now().UnixMilli()
		ss.reasoningPart.Time.End = &now
		p.savePart(ctx, state.message.ID, ss.reasoningPart)
	}

	for id, toolPart := range ss.toolParts {
		if raw, ok := ss.toolArgs[id]; ok && toolPart.State.Input == nil {
			var input map[string]any
			if err := json.Unmarshal([]byte(raw), &input); err == nil {
				toolPart.State.Input = input
			}
		}
		toolPart.State.Status = "running"
		p.savePart(ctx, state.message.ID, toolPart)
	}
}

// MinEventInterval is the minimum spacing between streamed delta events so
// the renderer's event loop keeps up without batching deltas together.
const MinEventInterval = 20 * time.Millisecond

// throttledPublish spaces delta events out by MinEventInterval.
func throttledPublish(e event.Event, lastEventAt *time.Time) {
	if lastEventAt != nil && !lastEventAt.IsZero() {
		if elapsed := time.Since(*lastEventAt); elapsed < MinEventInterval {
			time.Sleep(MinEventInterval - elapsed)
		}
	}
	event.Publish(e)
	if lastEventAt != nil {
		*lastEventAt = time.Now()
	}
}

// consumeChunk folds one stream chunk into the accumulators: text deltas,
// reasoning deltas, tool-call fragments, and usage metadata. Returns the
// finish reason when the chunk carried one.
func (p *Processor) consumeChunk(
	ctx context.Context,
	msg *schema.Message,
	state *sessionState,
	ss *streamState,
	callback ProcessCallback,
) string {
	// Some providers smuggle reasoning (or fake tool calls) into the visible
	// text field inside <think> or HTML-comment spans. Extract those into
	// the reasoning stream before the text handling below sees them.
	if msg.Content != "" {
		visible, hidden := stripHostileContent(msg.Content)
		msg.Content = visible
		if hidden != "" {
			p.appendReasoning(state, ss, hidden, false)
			event.Publish(event.Event{
				Type: event.ReasoningChunk,
				Data: event.ReasoningChunkData{SessionID: state.message.SessionID, Text: hidden},
			})
			callback(state.message, state.parts)
		}
	}

	if msg.Content != "" {
		p.appendText(state, ss, msg.Content, callback)
	}

	if msg.ReasoningContent != "" {
		p.appendReasoning(state, ss, msg.ReasoningContent, true)
		event.Publish(event.Event{
			Type: event.ReasoningChunk,
			Data: event.ReasoningChunkData{SessionID: state.message.SessionID, Text: msg.ReasoningContent},
		})
		callback(state.message, state.parts)
	}

	for _, tc := range msg.ToolCalls {
		p.accumulateToolCall(state, ss, tc, callback)
	}

	if msg.ResponseMeta != nil {
		if state.message.Tokens == nil {
			state.message.Tokens = &types.TokenUsage{}
		}
		if u := msg.ResponseMeta.Usage; u != nil {
			state.message.Tokens.Input = u.PromptTokens
			state.message.Tokens.Output = u.CompletionTokens
		}
		if msg.ResponseMeta.FinishReason != "" {
			return msg.ResponseMeta.FinishReason
		}
	}

	return ""
}

// appendText folds a content chunk into the open text part, handling both
// providers that send true deltas and providers that resend the full
// accumulated text each chunk.
func (p *Processor) appendText(state *sessionState, ss *streamState, content string, callback ProcessCallback) {
	var delta string

	if ss.textPart == nil {
		now := time.Now().UnixMilli()
		ss.textPart = &types.TextPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "text",
			Text:      content,
			Time:      types.PartTime{Start: &now},
		}
		state.parts = append(state.parts, ss.textPart)
		ss.textSoFar = content
		delta = content
	} else if strings.HasPrefix(content, ss.textSoFar) {
		// Snapshot mode: each chunk restates everything so far.
		delta = content[len(ss.textSoFar):]
		ss.textPart.Text = content
		ss.textSoFar = content
	} else {
		// Delta mode: the chunk is only the new piece.
		delta = content
		ss.textSoFar += content
		ss.textPart.Text = ss.textSoFar
	}

	throttledPublish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: ss.textPart, Delta: delta},
	}, &ss.lastEventAt)
	event.Publish(event.Event{
		Type: event.TextChunk,
		Data: event.TextChunkData{SessionID: state.message.SessionID, Text: delta},
	})
	callback(state.message, state.parts)
}

// appendReasoning folds reasoning content into the open reasoning part.
// replace selects snapshot semantics (provider resends the whole reasoning
// text) versus append semantics (extracted spans arrive piecewise).
func (p *Processor) appendReasoning(state *sessionState, ss *streamState, text string, replace bool) {
	if ss.reasoningPart == nil {
		now := time.Now().UnixMilli()
		ss.reasoningPart = &types.ReasoningPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "reasoning",
			Text:      text,
			Time:      types.PartTime{Start: &now},
		}
		state.parts = append(state.parts, ss.reasoningPart)
		return
	}
	if replace {
		ss.reasoningPart.Text = text
	} else {
		ss.reasoningPart.Text += text
	}
}

// accumulateToolCall grows the per-index tool-call records as fragments
// arrive. A fragment may carry any subset of {index, id, name, arguments}:
// the first observation of (id, name) opens the record, and argument
// fragments append to its raw buffer until the stream ends.
func (p *Processor) accumulateToolCall(state *sessionState, ss *streamState, tc schema.ToolCall, callback ProcessCallback) {
	var key string
	switch {
	case tc.Index != nil:
		key = fmt.Sprintf("idx:%d", *tc.Index)
	case tc.ID != "":
		key = tc.ID
	default:
		logging.Debug().Msg("tool-call fragment with no index and no id, skipping")
		return
	}

	toolPart, exists := ss.toolParts[key]

	if !exists && tc.ID != "" && tc.Function.Name != "" {
		now := time.Now().UnixMilli()
		toolPart = &types.ToolPart{
			ID:        generatePartID(),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			Type:      "tool",
			CallID:    tc.ID,
			Tool:      tc.Function.Name,
			State: types.ToolState{
				Status: "pending",
				Input:  make(map[string]any),
				Raw:    "",
				Time:   &types.ToolTime{Start: now},
			},
		}
		logging.Debug().Str("tool", toolPart.Tool).Str("callID", toolPart.CallID).
			Msg("tool call opened")
		ss.toolParts[key] = toolPart
		ss.toolArgs[key] = ""
		state.parts = append(state.parts, toolPart)
		callback(state.message, state.parts)
	}

	if tc.Function.Arguments != "" && toolPart != nil {
		ss.toolArgs[key] += tc.Function.Arguments
		toolPart.State.Raw = ss.toolArgs[key]

		// Parse opportunistically so the renderer can show arguments as
		// they stream in; the final parse happens at stream end.
		var input map[string]any
		if err := json.Unmarshal([]byte(ss.toolArgs[key]), &input); err == nil {
			toolPart.State.Input = input
		}

		event.Publish(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: toolPart},
		})
		callback(state.message, state.parts)
	}
}
