package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/project"
)

const editDescription = `Performs exact string replacements in a file.

Usage:
- filePath must be an absolute path
- oldString must appear in the file exactly as given
- The edit fails when oldString matches more than once, unless replaceAll is set
- Read the file first; editing a file that changed on disk is refused`

// EditTool rewrites a matched span of an existing file.
type EditTool struct {
	workDir string
}

// EditInput is the edit tool's argument shape.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}

// NewEditTool creates a new edit tool.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) ID() string          { return "edit" }
func (t *EditTool) Description() string { return editDescription }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to edit"
			},
			"oldString": {
				"type": "string",
				"description": "The exact text to replace"
			},
			"newString": {
				"type": "string",
				"description": "The text to replace it with"
			},
			"replaceAll": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false)"
			}
		},
		"required": ["filePath", "oldString", "newString"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params EditInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.OldString == params.NewString {
		return nil, fmt.Errorf("old_string and new_string must be different")
	}

	if w := project.Watch(t.workDir); w != nil && w.IsStale(params.FilePath) {
		return nil, fmt.Errorf("%s changed on disk since it was last read; read it again before editing", params.FilePath)
	}

	content, err := os.ReadFile(params.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	count := strings.Count(text, params.OldString)
	if count == 0 {
		return t.fuzzyReplace(text, params, toolCtx)
	}

	var newText string
	if params.ReplaceAll {
		newText = strings.ReplaceAll(text, params.OldString, params.NewString)
	} else {
		if count > 1 {
			return nil, fmt.Errorf("old_string appears %d times in file. Use replace_all or provide more context", count)
		}
		newText = strings.Replace(text, params.OldString, params.NewString, 1)
		count = 1
	}

	res, err := t.commit(params.FilePath, text, newText, toolCtx,
		fmt.Sprintf("Edited %s", filepath.Base(params.FilePath)),
		fmt.Sprintf("Replaced %d occurrence(s)", count))
	if err == nil && res != nil && res.Metadata != nil {
		res.Metadata["replacements"] = count
	}
	return res, err
}

// commit writes the new content, notifies the watcher and event bus, and
// builds a result whose text includes the unified diff of the change.
func (t *EditTool) commit(path, before, after string, toolCtx *Context, title, summary string) (*Result, error) {
	if err := os.WriteFile(path, []byte(after), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	// The watcher must see this change as ours, not an external edit that
	// would flag the file stale against itself.
	if w := project.Watch(t.workDir); w != nil {
		w.RecordRead(path)
	}

	if toolCtx != nil && toolCtx.SessionID != "" {
		event.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{File: path},
		})
	}

	diffText, additions, deletions := buildDiffMetadata(path, before, after, t.workDir)
	output := summary
	if diffText != "" {
		output += "\n\n" + diffText
	}

	return &Result{
		Title:  title,
		Output: output,
		Metadata: map[string]any{
			"file":      path,
			"before":    before,
			"after":     after,
			"diff":      diffText,
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}

// fuzzyReplace is the fallback when the exact text isn't found: first line
// ending normalization, then a similarity search over same-length blocks.
func (t *EditTool) fuzzyReplace(text string, params EditInput, toolCtx *Context) (*Result, error) {
	normalizedOld := normalizeLineEndings(params.OldString)
	normalizedText := normalizeLineEndings(text)

	if strings.Contains(normalizedText, normalizedOld) {
		newText := strings.Replace(normalizedText, normalizedOld, params.NewString, 1)
		return t.commit(params.FilePath, text, newText, toolCtx,
			fmt.Sprintf("Edited %s (normalized)", filepath.Base(params.FilePath)),
			"Replaced 1 occurrence (with line ending normalization)")
	}

	match, sim := findBestMatch(text, params.OldString)
	if match != "" && sim >= 0.7 {
		newText := strings.Replace(text, match, params.NewString, 1)
		return t.commit(params.FilePath, text, newText, toolCtx,
			fmt.Sprintf("Edited %s (fuzzy)", filepath.Base(params.FilePath)),
			fmt.Sprintf("Replaced 1 occurrence (%.0f%% similarity)", sim*100))
	}

	return nil, fmt.Errorf("old_string not found in file. The content may have changed or the string doesn't exist")
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// findBestMatch scans for the line (or same-height block of lines) most
// similar to target.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	if len(targetLines) == 1 {
		bestMatch := ""
		bestSim := 0.0
		for _, line := range lines {
			if sim := similarity(line, target); sim > bestSim {
				bestSim = sim
				bestMatch = line
			}
		}
		return bestMatch, bestSim
	}

	targetLen := len(targetLines)
	bestMatch := ""
	bestSim := 0.0
	for i := 0; i <= len(lines)-targetLen; i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSim {
			bestSim = sim
			bestMatch = block
		}
	}
	return bestMatch, bestSim
}

// similarity is normalized Levenshtein similarity in [0, 1].
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Length ratio stands in for edit distance on very large inputs.
	if len(a) > 10000 || len(b) > 10000 {
		maxLen := max(len(a), len(b))
		minLen := min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}

	dist := levenshtein.ComputeDistance(a, b)
	maxLen := max(len(a), len(b))
	return 1.0 - float64(dist)/float64(maxLen)
}

func (t *EditTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
