package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/logging"
	"github.com/kestrelai/conductor/internal/provider"
	"github.com/kestrelai/conductor/pkg/types"
)

const (
	// MaxSteps caps the number of request/tool-batch iterations in one turn.
	MaxSteps = 50
	// DroppedStreamRetries is how many times the same request is reissued
	// after the transport closed without a terminal event, before the loop
	// gives up and surfaces whatever partial output accumulated.
	DroppedStreamRetries = 2
	// MaxRetries bounds generic API-error retries per turn.
	MaxRetries = 3
	// RetryInitialInterval is the first exponential-backoff delay.
	RetryInitialInterval = time.Second
	// RetryMaxInterval caps a single backoff delay.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime caps the total time spent retrying.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the fallback context window used when a model's
	// own ContextLength isn't configured.
	MaxContextTokens = 150000
)

// newRetryBackoff builds the jittered exponential backoff used for generic
// API errors. Jitter keeps concurrent sessions from retrying in lockstep.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// runLoop drives one user turn: stream a completion, execute any tool calls
// it produced, feed the results back, and repeat until the model stops.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}

	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	providerID := p.defaultProviderID
	modelID := p.defaultModelID
	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}
	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	// Record the active pair on the session so a reload restores exactly
	// the provider and model this turn ran against.
	if session.ProviderName != providerID || session.ModelName != modelID {
		session.ProviderName = providerID
		session.ModelName = modelID
		p.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
	}

	// A brand-new session carries the placeholder title; derive a real one
	// from the first user message while the main stream runs.
	if len(messages) == 1 && isDefaultTitle(session.Title) {
		if text := p.firstUserText(ctx, lastMsg); text != "" {
			go p.ensureTitle(context.WithoutCancel(ctx), session, text)
		}
	}

	assistantMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
	}
	state.message = assistantMsg

	if err := p.storage.Put(ctx, []string{"message", sessionID, assistantMsg.ID}, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	callback(assistantMsg, nil)

	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: assistantMsg},
	})
	event.Publish(event.Event{
		Type: event.ModelChanged,
		Data: event.ModelChangedData{SessionID: sessionID, Name: modelID, Provider: providerID},
	})

	if agent == nil {
		agent = DefaultAgent()
	}
	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	window := model.ContextLength
	if window <= 0 {
		window = MaxContextTokens
	}

	step := 0
	droppedRetries := 0
	compactedForOverflow := false
	retryBackoff := newRetryBackoff(ctx)

	for {
		select {
		case <-ctx.Done():
			assistantMsg.Error = &types.MessageError{
				Type:    "abort",
				Message: "Processing aborted",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return ctx.Err()
		default:
		}

		if step >= maxSteps {
			assistantMsg.Error = &types.MessageError{
				Type:    "max_steps",
				Message: "Maximum steps reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return fmt.Errorf("max steps exceeded")
		}

		// Compact proactively once history crosses the threshold, rather
		// than waiting for the provider to reject the request.
		if p.shouldCompact(ctx, messages, model) {
			if err := p.compactMessages(ctx, sessionID, messages); err != nil {
				logging.Warn().Err(err).Str("session", sessionID).Msg("compaction failed")
			}
			messages, _ = p.loadMessages(ctx, sessionID)
		}

		usage := 0
		for _, msg := range messages {
			usage += p.messageTokens(ctx, msg)
		}
		event.Publish(event.Event{
			Type: event.ContextUsage,
			Data: event.ContextUsageData{SessionID: sessionID, InputTokens: usage, Window: window},
		})

		req, err := p.buildCompletionRequest(ctx, sessionID, messages, state, agent, model)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		event.Publish(event.Event{
			Type: event.Thinking,
			Data: event.ThinkingData{SessionID: sessionID},
		})

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			retry, failErr := p.recoverStreamError(ctx, sessionID, state, err, retryBackoff, &compactedForOverflow, &messages)
			if retry {
				continue
			}
			return failErr
		}

		finishReason, err := p.processStream(ctx, stream, state, callback)
		stream.Close()

		if err != nil {
			if errors.Is(err, ErrDroppedStream) {
				if droppedRetries < DroppedStreamRetries {
					droppedRetries++
					logging.Warn().Int("attempt", droppedRetries).Str("session", sessionID).
						Msg("stream dropped, reissuing request")
					continue
				}
				// Out of retries: keep whatever text arrived and report.
				p.saveMessage(ctx, sessionID, assistantMsg)
				event.Publish(event.Event{
					Type: event.ProviderError,
					Data: event.ProviderErrorData{SessionID: sessionID, Kind: "dropped-stream", Message: err.Error()},
				})
				assistantMsg.Error = &types.MessageError{
					Type:    "dropped_stream",
					Message: "The provider closed the stream before finishing. Partial output was kept.",
				}
				finish := "stop"
				assistantMsg.Finish = &finish
				p.saveMessage(ctx, sessionID, assistantMsg)
				return nil
			}

			retry, failErr := p.recoverStreamError(ctx, sessionID, state, err, retryBackoff, &compactedForOverflow, &messages)
			if retry {
				continue
			}
			return failErr
		}

		droppedRetries = 0
		retryBackoff.Reset()

		switch finishReason {
		case "stop", "end_turn":
			finish := "stop"
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)

			// Last-request usage, not a running sum: this is what "context
			// used" displays.
			if assistantMsg.Tokens != nil {
				session.LastTokenUsage = *assistantMsg.Tokens
				p.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
			}

			event.Publish(event.Event{
				Type: event.Stop,
				Data: event.StopData{SessionID: sessionID},
			})
			return nil

		case "tool-calls", "tool_use", "tool_calls":
			if err := p.executeToolCalls(ctx, state, agent, callback); err != nil {
				if errors.Is(err, ErrLoopDetected) {
					p.appendSyntheticNote(ctx, state, sessionID,
						fmt.Sprintf("Loop detected: %s. Stopping this turn.", err.Error()))
					finish := "stop"
					assistantMsg.Finish = &finish
					p.saveMessage(ctx, sessionID, assistantMsg)
					event.Publish(event.Event{
						Type: event.Stop,
						Data: event.StopData{SessionID: sessionID},
					})
					return nil
				}
				// Individual tool failures are recorded on their tool part
				// and fed back to the model; they don't end the turn.
			}
			step++
			continue

		case "max_tokens", "length":
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = &types.MessageError{
				Type:    "output_length",
				Message: "Output length limit reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		default:
			assistantMsg.Finish = &finishReason
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil
		}
	}
}

// recoverStreamError decides what to do with a failed request or stream.
// Over-length rejections get one compact-and-retry; everything else goes
// through the shared backoff until it runs out. Returns retry=true when the
// caller should reissue the request.
func (p *Processor) recoverStreamError(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	err error,
	retryBackoff backoff.BackOff,
	compactedForOverflow *bool,
	messages *[]*types.Message,
) (retry bool, failErr error) {
	if provider.IsContextTooLong(err) {
		if !*compactedForOverflow {
			*compactedForOverflow = true
			logging.Warn().Str("session", sessionID).Msg("request over context window, compacting")
			if cerr := p.compactMessages(ctx, sessionID, *messages); cerr != nil {
				logging.Error().Err(cerr).Str("session", sessionID).Msg("compaction failed")
			}
			*messages, _ = p.loadMessages(ctx, sessionID)
			return true, nil
		}
		state.message.Error = &types.MessageError{
			Type:    "context_exceeded",
			Message: "The conversation no longer fits the model's context window, even after compaction.",
		}
		p.saveMessage(ctx, sessionID, state.message)
		event.Publish(event.Event{
			Type: event.ProviderError,
			Data: event.ProviderErrorData{SessionID: sessionID, Kind: "context-exceeded", Message: err.Error()},
		})
		return false, err
	}

	nextInterval := retryBackoff.NextBackOff()
	if nextInterval == backoff.Stop {
		state.message.Error = &types.MessageError{
			Type:    "api",
			Message: err.Error(),
		}
		p.saveMessage(ctx, sessionID, state.message)
		event.Publish(event.Event{
			Type: event.ProviderError,
			Data: event.ProviderErrorData{SessionID: sessionID, Kind: string(provider.Classify(err)), Message: err.Error()},
		})
		return false, err
	}
	time.Sleep(nextInterval)
	return true, nil
}

// firstUserText returns the text content of a user message, for title
// generation.
func (p *Processor) firstUserText(ctx context.Context, msg *types.Message) string {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return ""
	}
	for _, part := range parts {
		if tp, ok := part.(*types.TextPart); ok && tp.Text != "" {
			return tp.Text
		}
	}
	return ""
}

// findSession looks a session up by id across all projects.
func (p *Processor) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	// Sessions written outside the project hierarchy (tests, imports) live
	// directly under the session prefix.
	var session types.Session
	if err := p.storage.Get(ctx, []string{"session", sessionID}, &session); err == nil {
		return &session, nil
	}

	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages loads all messages for a session in storage order.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := p.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// saveMessage persists an assistant message and announces the update.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := p.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})

	return nil
}

// savePart persists a single part of a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// appendSyntheticNote appends a system-authored text part to the in-flight
// assistant message, marked so renderers can distinguish it from model
// output. Used to record why the loop broke (e.g. a detected doom loop)
// directly in the transcript.
func (p *Processor) appendSyntheticNote(ctx context.Context, state *sessionState, sessionID, text string) {
	now := time.Now().UnixMilli()
	note := &types.TextPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: state.message.ID,
		Type:      "text",
		Text:      text,
		Time:      types.PartTime{Start: &now, End: &now},
		Metadata:  map[string]any{"synthetic": true},
	}
	state.parts = append(state.parts, note)
	p.savePart(ctx, state.message.ID, note)
}

// buildCompletionRequest assembles the wire request for one iteration:
// system prompt, fitted history, the in-flight turn's steps (including tool
// results awaiting feed-back), tool schemas, and sampling knobs.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	state *sessionState,
	agent *Agent,
	model *types.Model,
) (*provider.CompletionRequest, error) {
	// The system prompt re-reads its rule files every iteration, so edits to
	// AGENTS.md and friends land mid-session.
	session, _ := p.findSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, agent, state.message.ProviderID, state.message.ModelID)

	var wire []*schema.Message
	wire = append(wire, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt.Build(),
	})

	tools, err := p.resolveTools(agent, model)
	if err != nil {
		return nil, err
	}

	window := model.ContextLength
	if window <= 0 {
		window = MaxContextTokens
	}
	messages = p.fit(ctx, messages, len(tools), window)

	for _, msg := range messages {
		if msg.ID == state.message.ID {
			continue
		}
		if msg.Error != nil && !p.hasUsableContent(ctx, msg) {
			continue
		}
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		wire = append(wire, expandMessage(msg, parts)...)
	}

	// The in-flight assistant message: its completed steps re-enter as
	// assistant tool-call messages followed by their tool results, so the
	// model sees the outcome of what it just ran.
	if len(state.parts) > 0 {
		wire = append(wire, stepWireMessages(state.parts)...)
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    wire,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}, nil
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := p.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// hasUsableContent reports whether a message has any parts worth sending.
func (p *Processor) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

// expandMessage converts a stored message into its wire representation. A
// plain user or assistant message maps to one wire message; an assistant
// message that ran tools expands into assistant tool-call messages each
// followed by the matching tool results, keeping every tool result adjacent
// to the call that produced it.
func expandMessage(msg *types.Message, parts []types.Part) []*schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	if msg.Role == "assistant" {
		return stepWireMessages(parts)
	}

	var content string
	var toolCallID string
	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			// A tool part on a non-assistant message is a bare result.
			toolCallID = pt.CallID
			if pt.State.Output != "" {
				content = pt.State.Output
			} else if pt.State.Error != "" {
				content = "Error: " + pt.State.Error
			}
		}
	}

	out := &schema.Message{Role: role, Content: content}
	if toolCallID != "" {
		out.ToolCallID = toolCallID
	}
	return []*schema.Message{out}
}

// stepWireMessages walks an assistant message's parts and rebuilds the wire
// sequence its steps produced: for each step, one assistant message carrying
// that step's text and tool calls, then one tool message per completed call.
// Reasoning parts never go back upstream.
func stepWireMessages(parts []types.Part) []*schema.Message {
	var out []*schema.Message
	var text string
	var calls []schema.ToolCall
	var results []*schema.Message

	flush := func() {
		if text == "" && len(calls) == 0 {
			out = append(out, results...)
			results = nil
			return
		}
		out = append(out, &schema.Message{
			Role:      schema.Assistant,
			Content:   text,
			ToolCalls: calls,
		})
		out = append(out, results...)
		text, calls, results = "", nil, nil
	}

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.StepStartPart:
			flush()
		case *types.TextPart:
			text += pt.Text
		case *types.ToolPart:
			args := pt.State.Raw
			if args == "" {
				b, _ := json.Marshal(pt.State.Input)
				args = string(b)
			}
			calls = append(calls, schema.ToolCall{
				ID: pt.CallID,
				Function: schema.FunctionCall{
					Name:      pt.Tool,
					Arguments: args,
				},
			})
			content := pt.State.Output
			if content == "" && pt.State.Error != "" {
				content = "Error: " + pt.State.Error
			}
			if pt.State.Status == "completed" || pt.State.Status == "error" {
				results = append(results, &schema.Message{
					Role:       schema.Tool,
					ToolCallID: pt.CallID,
					Content:    content,
				})
			}
		}
	}
	flush()

	return out
}

// resolveTools returns the schemas for every tool enabled on this agent,
// or nil when the model can't call tools at all.
func (p *Processor) resolveTools(agent *Agent, model *types.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	var infos []provider.ToolInfo
	for _, t := range p.toolRegistry.List() {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}
		infos = append(infos, provider.ToolInfo{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	return provider.ConvertToEinoTools(infos), nil
}

// generatePartID mints a new ULID for messages and parts.
func generatePartID() string {
	return ulid.Make().String()
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}
