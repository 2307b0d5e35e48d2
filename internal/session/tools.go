package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/permission"
	"github.com/kestrelai/conductor/internal/tool"
	"github.com/kestrelai/conductor/pkg/types"
)

// ErrLoopDetected signals that the doom-loop detector crossed its threshold
// for the current tool call. It always breaks the loop; there is no
// allow/deny/ask policy escape hatch once it fires.
var ErrLoopDetected = errors.New("doom loop detected")

// executeToolCalls runs every tool call the last inference step produced.
// Tool failures are recorded on their parts and execution continues; only a
// detected loop stops the batch.
func (p *Processor) executeToolCalls(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	var pending []*types.ToolPart
	for _, part := range state.parts {
		if toolPart, ok := part.(*types.ToolPart); ok && toolPart.State.Status == "running" {
			pending = append(pending, toolPart)
		}
	}

	for _, toolPart := range pending {
		if err := p.executeSingleTool(ctx, state, agent, toolPart, callback); err != nil {
			if errors.Is(err, ErrLoopDetected) {
				return err
			}
			// The failure is already on the tool part; the model will see
			// it in the fed-back result.
			continue
		}
	}

	return nil
}

// executeSingleTool takes one tool call through its whole lifecycle:
// permission check, loop check, alias normalization, execution, and result
// recording.
func (p *Processor) executeSingleTool(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
	callback ProcessCallback,
) error {
	t, ok := p.toolRegistry.Get(toolPart.Tool)
	if !ok {
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("Tool not found: %s", toolPart.Tool))
	}

	if err := p.checkToolPermission(ctx, state, agent, toolPart); err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	if err := p.checkDoomLoop(ctx, state, toolPart); err != nil {
		p.failTool(ctx, state, toolPart, callback, err.Error())
		return err
	}

	// Rewrite aliased parameter names before the tool validates anything.
	toolPart.State.Input = tool.Normalize(toolPart.State.Input)

	inputJSON, err := json.Marshal(toolPart.State.Input)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback,
			fmt.Sprintf("Failed to marshal input: %v", err))
	}

	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	workDir := ""
	if state.message.Path != nil {
		workDir = state.message.Path.Cwd
	}
	toolCtx := &tool.Context{
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Agent:     agent.Name,
		WorkDir:   workDir,
		AbortCh:   abortCh,
		Extra: map[string]any{
			"model": state.message.ModelID,
		},
	}

	// Long-running tools report progress through here.
	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		toolPart.State.Title = title
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.State.Metadata[k] = v
		}
		event.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: toolPart},
		})
		callback(state.message, state.parts)
	}

	event.Publish(event.Event{
		Type: event.ToolStarted,
		Data: event.ToolStartedData{SessionID: state.message.SessionID, Name: toolPart.Tool},
	})

	result, err := t.Execute(ctx, inputJSON, toolCtx)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	now := time.Now().UnixMilli()
	toolPart.State.Status = "completed"
	toolPart.State.Output = result.Output
	toolPart.State.Title = result.Title
	if toolPart.State.Time == nil {
		toolPart.State.Time = &types.ToolTime{Start: now}
	}
	toolPart.State.Time.End = &now

	if result.Metadata != nil {
		if toolPart.State.Metadata == nil {
			toolPart.State.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.State.Metadata[k] = v
		}
	}

	if len(result.Attachments) > 0 {
		toolPart.State.Attachments = make([]types.FilePart, len(result.Attachments))
		for i, att := range result.Attachments {
			toolPart.State.Attachments[i] = types.FilePart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "file",
				Filename:  att.Filename,
				Mime:      att.MediaType,
				URL:       att.URL,
			}
		}
	}

	p.recordDiff(state, toolPart)

	p.savePart(ctx, state.message.ID, toolPart)
	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: toolPart},
	})

	var diff string
	if toolPart.State.Metadata != nil {
		diff, _ = toolPart.State.Metadata["diff"].(string)
	}
	event.Publish(event.Event{
		Type: event.ToolCompleted,
		Data: event.ToolCompletedData{
			SessionID: state.message.SessionID,
			Name:      toolPart.Tool,
			Summary:   result.Title,
			Status:    toolPart.State.Status,
			Diff:      diff,
		},
	})

	callback(state.message, state.parts)
	return nil
}

// failTool records an error outcome on a tool part and announces it.
func (p *Processor) failTool(
	ctx context.Context,
	state *sessionState,
	toolPart *types.ToolPart,
	callback ProcessCallback,
	errMsg string,
) error {
	now := time.Now().UnixMilli()
	toolPart.State.Status = "error"
	toolPart.State.Error = errMsg
	if toolPart.State.Time == nil {
		toolPart.State.Time = &types.ToolTime{Start: now}
	}
	toolPart.State.Time.End = &now

	p.savePart(ctx, state.message.ID, toolPart)

	event.PublishSync(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: toolPart},
	})
	event.Publish(event.Event{
		Type: event.ToolCompleted,
		Data: event.ToolCompletedData{
			SessionID: state.message.SessionID,
			Name:      toolPart.Tool,
			Status:    toolPart.State.Status,
		},
	})

	callback(state.message, state.parts)
	return errors.New(errMsg)
}

// checkToolPermission routes a proposed tool call through the approval
// gate. Only bash and file-mutating tools gate; read-only tools run
// unprompted.
func (p *Processor) checkToolPermission(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
) error {
	if p.permissionChecker == nil {
		return nil
	}

	var permType permission.PermissionType
	var action permission.PermissionAction
	var pattern []string

	switch strings.ToLower(toolPart.Tool) {
	case "bash":
		permType = permission.PermBash
		if cmd, ok := toolPart.State.Input["command"].(string); ok {
			pattern = []string{cmd}
		}
		action = policyAction(agent.Permission.Bash)

	case "write", "edit":
		permType = permission.PermEdit
		if path, ok := toolPart.State.Input["filePath"].(string); ok {
			pattern = []string{path}
		}
		action = policyAction(agent.Permission.Write)

	default:
		return nil
	}

	req := permission.Request{
		Type:      permType,
		Pattern:   pattern,
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.CallID,
		Title:     fmt.Sprintf("Allow %s?", toolPart.Tool),
	}

	return p.permissionChecker.Check(ctx, req, action)
}

func policyAction(policy string) permission.PermissionAction {
	switch policy {
	case "allow":
		return permission.ActionAllow
	case "deny":
		return permission.ActionDeny
	default:
		return permission.ActionAsk
	}
}

// checkDoomLoop feeds the proposed call into the session's rolling-window
// detector. Detection is unconditional: once the threshold fires the window
// resets and ErrLoopDetected propagates, regardless of agent configuration.
func (p *Processor) checkDoomLoop(
	ctx context.Context,
	state *sessionState,
	toolPart *types.ToolPart,
) error {
	if p.doomLoopDetector == nil {
		return nil
	}
	if !p.doomLoopDetector.Check(state.message.SessionID, toolPart.Tool, toolPart.State.Input) {
		return nil
	}

	// Start the next turn with a clean window instead of immediately
	// re-triggering on leftover history.
	p.doomLoopDetector.Reset(state.message.SessionID)

	event.Publish(event.Event{
		Type: event.LoopDetected,
		Data: event.LoopDetectedData{SessionID: state.message.SessionID, Tool: toolPart.Tool},
	})

	return fmt.Errorf("%s repeated beyond threshold: %w", toolPart.Tool, ErrLoopDetected)
}

// recordDiff lifts before/after file contents a tool left in its metadata
// into a unified diff, and folds the change into the session's running
// summary of touched files.
func (p *Processor) recordDiff(state *sessionState, toolPart *types.ToolPart) error {
	if toolPart.State.Metadata == nil {
		toolPart.State.Metadata = make(map[string]any)
	}

	pathVal, ok := toolPart.State.Metadata["file"].(string)
	if !ok || pathVal == "" {
		return nil
	}
	before, okBefore := toolPart.State.Metadata["before"].(string)
	after, okAfter := toolPart.State.Metadata["after"].(string)
	if !okBefore || !okAfter {
		return nil
	}

	root := ""
	if state.message.Path != nil {
		root = state.message.Path.Root
	}
	relPath := pathVal
	if root != "" {
		if rp, err := filepath.Rel(root, pathVal); err == nil {
			relPath = rp
		}
	}

	diffText, additions, deletions, err := computeDiff(before, after, relPath)
	if err != nil {
		return err
	}

	session, err := p.loadSession(state.message.SessionID)
	if err != nil {
		return err
	}

	// One entry per file: a later edit to the same path replaces the
	// earlier diff rather than stacking.
	var diffs []types.FileDiff
	for _, d := range session.Summary.Diffs {
		if d.File != relPath {
			diffs = append(diffs, d)
		}
	}
	diffs = append(diffs, types.FileDiff{
		File:      relPath,
		Additions: additions,
		Deletions: deletions,
		Before:    before,
		After:     after,
	})
	session.Summary.Diffs = diffs

	adds, dels := 0, 0
	for _, d := range session.Summary.Diffs {
		adds += d.Additions
		dels += d.Deletions
	}
	session.Summary.Additions = adds
	session.Summary.Deletions = dels
	session.Summary.Files = len(session.Summary.Diffs)
	session.Time.Updated = time.Now().UnixMilli()

	if err := p.saveSession(session); err != nil {
		return err
	}

	event.PublishSync(event.Event{
		Type: event.SessionDiff,
		Data: event.SessionDiffData{SessionID: session.ID, Diff: session.Summary.Diffs},
	})

	toolPart.State.Metadata["diff"] = diffText
	if toolPart.Metadata == nil {
		toolPart.Metadata = map[string]any{}
	}
	toolPart.Metadata["diff"] = diffText
	return nil
}

func (p *Processor) loadSession(sessionID string) (*types.Session, error) {
	return p.findSession(context.Background(), sessionID)
}

func (p *Processor) saveSession(session *types.Session) error {
	return p.storage.Put(context.Background(), []string{"session", session.ProjectID, session.ID}, session)
}

// ToolState names the lifecycle states a tool part moves through.
type ToolState string

const (
	ToolStatePending   ToolState = "pending"
	ToolStateRunning   ToolState = "running"
	ToolStateCompleted ToolState = "completed"
	ToolStateError     ToolState = "error"
)
