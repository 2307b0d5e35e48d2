package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/project"
)

const writeDescription = `Writes content to a file, creating it if needed.

Usage:
- filePath must be an absolute path
- Overwrites the file if it already exists
- Parent directories are created automatically
- Prefer the edit tool for changing existing files`

// WriteTool creates or overwrites files.
type WriteTool struct {
	workDir string
}

// WriteInput is the write tool's argument shape.
// Field names are camelCase on the wire.
type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// NewWriteTool creates a new write tool.
func NewWriteTool(workDir string) *WriteTool {
	return &WriteTool{workDir: workDir}
}

func (t *WriteTool) ID() string          { return "write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to write"
			},
			"content": {
				"type": "string",
				"description": "The content to write to the file"
			}
		},
		"required": ["filePath", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	// Existing content, if any, for the diff below.
	before := ""
	if b, err := os.ReadFile(params.FilePath); err == nil {
		before = string(b)
	}

	dir := filepath.Dir(params.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(params.FilePath, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if w := project.Watch(t.workDir); w != nil {
		w.RecordRead(params.FilePath)
	}

	if toolCtx != nil && toolCtx.SessionID != "" {
		event.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{File: params.FilePath},
		})
	}

	// The result text carries the diff so the model sees exactly what
	// landed on disk.
	diffText, additions, deletions := buildDiffMetadata(params.FilePath, before, params.Content, t.workDir)
	output := fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.FilePath)
	if diffText != "" {
		output += "\n\n" + diffText
	}

	return &Result{
		Title:  fmt.Sprintf("Wrote %s", filepath.Base(params.FilePath)),
		Output: output,
		Metadata: map[string]any{
			"file":      params.FilePath,
			"bytes":     len(params.Content),
			"before":    before,
			"after":     params.Content,
			"diff":      diffText,
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}

func (t *WriteTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
