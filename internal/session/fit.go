package session

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kestrelai/conductor/pkg/types"
)

const (
	// ToolSchemaReserve is the token overhead reserved per tool schema
	// advertised to the provider alongside the message history.
	ToolSchemaReserve = 500

	// HistoryBudgetFraction is the share of the context window fit() targets
	// for message history, leaving headroom for the system prompt, tool
	// schemas, and the model's own response.
	HistoryBudgetFraction = 0.60

	tiktokenEncoding = "cl100k_base"
)

var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
)

// tokenizer lazily loads the shared BPE encoder. None of the providers
// wired into this module expose their own tokenizer, so cl100k_base (the
// encoding shared by GPT-4-family and, close enough for budgeting purposes,
// Claude/Gemini) stands in for all of them - the same approximation the
// rest of the ecosystem makes when counting tokens for non-OpenAI models.
func tokenizer() *tiktoken.Tiktoken {
	tokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktokenEncoding)
		if err != nil {
			tokenEnc = nil
			return
		}
		tokenEnc = enc
	})
	return tokenEnc
}

// countTokens returns a deterministic BPE token count for text, falling
// back to the repo's existing ~4-characters-per-token heuristic if the
// encoder failed to load (e.g. no network access to fetch the BPE ranks).
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := tokenizer(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// messagePlainText concatenates a message's text and reasoning parts,
// and the tool name plus any captured output or error of its tool parts,
// for token counting; tool-call arguments are not counted. Tool-use and tool-result live on the same ToolPart in
// this store (state.Input/state.Output), so they are always trimmed
// together as one unit - a message can never be split into a dangling
// tool-use with no matching result.
func messagePlainText(parts []types.Part) string {
	var text string
	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			text += pt.Text
		case *types.ReasoningPart:
			text += pt.Text
		case *types.ToolPart:
			text += pt.Tool
			text += pt.State.Output
			text += pt.State.Error
		}
	}
	return text
}

// messageTokens counts one message's content tokens plus a small
// per-message role/framing overhead.
func (p *Processor) messageTokens(ctx context.Context, msg *types.Message) int {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return 0
	}
	const perMessageOverhead = 4
	return perMessageOverhead + countTokens(messagePlainText(parts))
}

// fit trims messages to fit within window, reserving reserve tokens (the
// tool-schema overhead: ToolSchemaReserve per advertised tool) and
// targeting history at no more than HistoryBudgetFraction of window. It
// drops the oldest messages first. Trimming always removes whole messages,
// so the no-orphaned-tool-result invariant holds structurally: a tool-use
// and its result share one ToolPart and are never separated.
func (p *Processor) fit(ctx context.Context, messages []*types.Message, toolCount int, window int) []*types.Message {
	if window <= 0 || len(messages) == 0 {
		return messages
	}

	reserve := toolCount * ToolSchemaReserve
	budget := int(float64(window)*HistoryBudgetFraction) - reserve
	if budget < 0 {
		budget = 0
	}

	tokens := make([]int, len(messages))
	total := 0
	for i, msg := range messages {
		t := p.messageTokens(ctx, msg)
		tokens[i] = t
		total += t
	}

	start := 0
	for total > budget && start < len(messages)-1 {
		total -= tokens[start]
		start++
	}

	return messages[start:]
}

// shouldCompact reports whether usage (the current fitted history's token
// count) exceeds CompactionConfig.ContextThreshold of the model's context
// window. Falls back to MaxContextTokens if the model doesn't report a
// context length.
func (p *Processor) shouldCompact(ctx context.Context, messages []*types.Message, model *types.Model) bool {
	window := MaxContextTokens
	if model != nil && model.ContextLength > 0 {
		window = model.ContextLength
	}

	usage := 0
	for _, msg := range messages {
		usage += p.messageTokens(ctx, msg)
	}

	return float64(usage) > DefaultCompactionConfig.ContextThreshold*float64(window)
}
