package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/logging"
	"github.com/kestrelai/conductor/internal/provider"
	"github.com/kestrelai/conductor/pkg/types"
)

// CompactionConfig controls message compaction behavior.
type CompactionConfig struct {
	// MinMessagesToKeep is the minimum number of recent messages retained
	// verbatim as the post-compaction tail.
	MinMessagesToKeep int

	// SummaryMaxTokens caps the summary the model may generate.
	SummaryMaxTokens int

	// ContextThreshold is the fraction of the model's context window that
	// triggers compaction once usage exceeds it.
	ContextThreshold float64

	// RequestWindowFraction caps how much of the window the summarization
	// request itself may occupy.
	RequestWindowFraction float64

	// RequestReserve is held back from the summarization request's budget
	// for the system prompt and response headroom.
	RequestReserve int
}

// DefaultCompactionConfig returns the default compaction configuration.
var DefaultCompactionConfig = CompactionConfig{
	MinMessagesToKeep:     4,
	SummaryMaxTokens:      2000,
	ContextThreshold:      0.70,
	RequestWindowFraction: 0.75,
	RequestReserve:        16384,
}

// rewriteRetainedToolCallIDs assigns a fresh session-unique ULID to every
// ToolPart.CallID in the retained tail, so a tool-use/tool-result id minted
// by one provider can never collide with one minted by another provider
// after a mid-session model switch lands on the same retained message set.
func (p *Processor) rewriteRetainedToolCallIDs(ctx context.Context, messages []*types.Message) {
	for _, msg := range messages {
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			toolPart, ok := part.(*types.ToolPart)
			if !ok {
				continue
			}
			toolPart.CallID = generatePartID()
			p.savePart(ctx, msg.ID, toolPart)
		}
	}
}

// compactMessages replaces everything but the most recent messages with a
// streamed LLM summary. The summary lands in the transcript as a visible
// assistant message in place of the history it replaced, and is appended to
// the project's daily memory log.
func (p *Processor) compactMessages(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
) error {
	cfg := DefaultCompactionConfig
	if len(messages) <= cfg.MinMessagesToKeep {
		return nil
	}

	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	session.Time.Compacting = &now
	p.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
	defer func() {
		session.Time.Compacting = nil
		p.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
	}()

	compactEnd := len(messages) - cfg.MinMessagesToKeep
	toCompact := messages[:compactEnd]
	retained := messages[compactEnd:]

	// Retained tool-call ids outlive the provider that minted them once the
	// summary replaces their history; rewrite them so a later model switch
	// can't hand back a colliding id of its own.
	p.rewriteRetainedToolCallIDs(ctx, retained)

	model, err := p.providerRegistry.DefaultModel()
	if err != nil {
		return err
	}
	prov, err := p.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return err
	}

	window := model.ContextLength
	if window <= 0 {
		window = MaxContextTokens
	}
	promptBudget := int(float64(window)*cfg.RequestWindowFraction) - cfg.RequestReserve
	transcript := renderTranscript(ctx, p, toCompact, promptBudget)

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: compactionSystemPrompt},
			{Role: schema.User, Content: transcript},
		},
		MaxTokens: cfg.SummaryMaxTokens,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		summary.WriteString(msg.Content)
	}

	summaryText := strings.TrimSpace(summary.String())
	if summaryText == "" {
		return fmt.Errorf("summarization produced no text")
	}

	p.replaceWithSummary(ctx, sessionID, toCompact, summaryText)
	p.appendMemoryLog(session, summaryText)

	event.Publish(event.Event{
		Type: event.SessionCompacted,
		Data: event.SessionCompactedData{SessionID: sessionID},
	})
	event.Publish(event.Event{
		Type: event.CompactionSummary,
		Data: event.CompactionSummaryData{SessionID: sessionID, Text: summaryText},
	})

	return nil
}

// replaceWithSummary overwrites the first compacted message with a visible
// assistant message holding the summary, and deletes the rest. Reusing the
// first message's id keeps the summary sorted before the retained tail.
func (p *Processor) replaceWithSummary(ctx context.Context, sessionID string, compacted []*types.Message, summaryText string) {
	first := compacted[0]

	// Clear the parts the overwritten message used to own.
	p.deleteParts(ctx, first.ID)

	now := time.Now().UnixMilli()
	summaryMsg := &types.Message{
		ID:        first.ID,
		SessionID: sessionID,
		Role:      "assistant",
		Time:      types.MessageTime{Created: first.Time.Created, Updated: &now},
	}
	p.storage.Put(ctx, []string{"message", sessionID, summaryMsg.ID}, summaryMsg)

	summaryPart := &types.TextPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      "Conversation compacted. Summary of earlier context:\n\n" + summaryText,
		Time:      types.PartTime{Start: &now, End: &now},
		Metadata:  map[string]any{"compaction": true},
	}
	p.savePart(ctx, summaryMsg.ID, summaryPart)

	for _, msg := range compacted[1:] {
		p.deleteParts(ctx, msg.ID)
		p.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}
}

func (p *Processor) deleteParts(ctx context.Context, messageID string) {
	keys, err := p.storage.List(ctx, []string{"part", messageID})
	if err != nil {
		return
	}
	for _, k := range keys {
		p.storage.Delete(ctx, []string{"part", messageID, k})
	}
}

// appendMemoryLog appends the summary to the project's daily memory log,
// best-effort; the transcript copy is the durable one.
func (p *Processor) appendMemoryLog(session *types.Session, summaryText string) {
	if session == nil || session.Directory == "" {
		return
	}
	dir := filepath.Join(session.Directory, ".conductor", "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(dir, time.Now().Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	stamp := time.Now().Format("15:04")
	if _, err := fmt.Fprintf(f, "\n## %s - session %s\n\n%s\n", stamp, session.ID, summaryText); err != nil {
		logging.Debug().Err(err).Msg("memory log append failed")
	}
}

// renderTranscript flattens messages into the text block handed to the
// summarizer, truncating long tool outputs and stopping once budget (in
// tokens) is spent. Oldest messages drop first when over budget.
func renderTranscript(ctx context.Context, p *Processor, messages []*types.Message, budget int) string {
	rendered := make([]string, 0, len(messages))

	for _, msg := range messages {
		var sb strings.Builder
		if msg.Role == "user" {
			sb.WriteString("USER:\n")
		} else {
			sb.WriteString("ASSISTANT:\n")
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				sb.WriteString(pt.Text)
				sb.WriteString("\n")
			case *types.ToolPart:
				sb.WriteString(fmt.Sprintf("[tool %s]\n", pt.Tool))
				if pt.State.Output != "" {
					output := pt.State.Output
					if len(output) > 500 {
						output = output[:500] + "..."
					}
					sb.WriteString(output)
					sb.WriteString("\n")
				}
			}
		}
		sb.WriteString("\n")
		rendered = append(rendered, sb.String())
	}

	if budget > 0 {
		start := 0
		total := 0
		for i := len(rendered) - 1; i >= 0; i-- {
			total += countTokens(rendered[i])
			if total > budget {
				start = i + 1
				break
			}
		}
		rendered = rendered[start:]
	}

	return strings.Join(rendered, "")
}

// estimateTokens is the coarse ~4-characters-per-token fallback used when
// the real tokenizer is unavailable.
func estimateTokens(text string) int {
	return len(text) / 4
}
