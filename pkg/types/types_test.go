package types

import (
	"encoding/json"
	"testing"
)

func TestSessionOptionalFields(t *testing.T) {
	parentID := "parent-1"

	raw := marshalToMap(t, Session{ID: "s1", ParentID: &parentID})
	if raw["parentID"] != "parent-1" {
		t.Errorf("parentID = %v", raw["parentID"])
	}

	raw = marshalToMap(t, Session{ID: "s2"})
	for _, key := range []string{"parentID", "share", "revert", "customPrompt"} {
		if _, ok := raw[key]; ok {
			t.Errorf("%s should be omitted when unset", key)
		}
	}
}

func TestSessionSummaryOmitsEmptyDiffs(t *testing.T) {
	raw := marshalToMap(t, SessionSummary{})
	if _, ok := raw["diffs"]; ok {
		t.Error("nil diffs should be omitted")
	}
}

func TestMessageRoleSpecificFields(t *testing.T) {
	system := "be terse"
	user := Message{
		ID:        "m1",
		SessionID: "s1",
		Role:      "user",
		Agent:     "default",
		Model:     &ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet-4-20250514"},
		System:    &system,
		Tools:     map[string]bool{"read": true, "bash": false},
		Path:      &MessagePath{Cwd: "/work/app", Root: "/work"},
		Time:      MessageTime{Created: 1700000000000},
	}

	var decoded Message
	mustRoundTrip(t, user, &decoded)
	if decoded.Agent != "default" || decoded.Model.ProviderID != "anthropic" {
		t.Errorf("user fields lost: %+v", decoded)
	}
	if !decoded.Tools["read"] || decoded.Tools["bash"] {
		t.Errorf("tools map lost: %v", decoded.Tools)
	}
	if decoded.Path == nil || decoded.Path.Cwd != "/work/app" {
		t.Errorf("path lost: %+v", decoded.Path)
	}

	finish := "stop"
	assistant := Message{
		ID:         "m2",
		SessionID:  "s1",
		Role:       "assistant",
		ModelID:    "claude-sonnet-4-20250514",
		ProviderID: "anthropic",
		Finish:     &finish,
		IsSummary:  true,
		Cost:       0.05,
		Tokens:     &TokenUsage{Input: 1000, Output: 500, Cache: CacheUsage{Read: 100, Write: 50}},
		Time:       MessageTime{Created: 1700000000000},
	}

	mustRoundTrip(t, assistant, &decoded)
	if decoded.Tokens.Input != 1000 || decoded.Tokens.Cache.Read != 100 {
		t.Errorf("token usage lost: %+v", decoded.Tokens)
	}
	if !decoded.IsSummary || decoded.Finish == nil || *decoded.Finish != "stop" {
		t.Errorf("assistant fields lost: %+v", decoded)
	}
}

// UnmarshalPart dispatches on the embedded type tag; every concrete part
// kind must survive a round trip through it.
func TestUnmarshalPartDispatch(t *testing.T) {
	start := int64(1700000000000)
	parts := []Part{
		&TextPart{ID: "p1", SessionID: "s", MessageID: "m", Type: "text", Text: "hello", Time: PartTime{Start: &start}},
		&ReasoningPart{ID: "p2", SessionID: "s", MessageID: "m", Type: "reasoning", Text: "thinking"},
		&ToolPart{ID: "p3", SessionID: "s", MessageID: "m", Type: "tool", CallID: "c1", Tool: "read",
			State: ToolState{Status: "completed", Input: map[string]any{"filePath": "a.go"}, Output: "ok"}},
		&FilePart{ID: "p4", SessionID: "s", MessageID: "m", Type: "file", Filename: "x.png", Mime: "image/png"},
		&StepStartPart{ID: "p5", SessionID: "s", MessageID: "m", Type: "step-start"},
		&StepFinishPart{ID: "p6", SessionID: "s", MessageID: "m", Type: "step-finish", Reason: "stop"},
	}

	for _, part := range parts {
		data, err := json.Marshal(part)
		if err != nil {
			t.Fatalf("marshal %s: %v", part.PartType(), err)
		}
		decoded, err := UnmarshalPart(data)
		if err != nil {
			t.Fatalf("UnmarshalPart(%s): %v", part.PartType(), err)
		}
		if decoded.PartType() != part.PartType() {
			t.Errorf("type = %q, want %q", decoded.PartType(), part.PartType())
		}
		if decoded.PartID() != part.PartID() {
			t.Errorf("id = %q, want %q", decoded.PartID(), part.PartID())
		}
		if decoded.PartSessionID() != "s" || decoded.PartMessageID() != "m" {
			t.Errorf("%s lost its session/message ids", part.PartType())
		}
	}
}

func TestToolPartStateRoundTrip(t *testing.T) {
	end := int64(2)
	part := &ToolPart{
		ID: "p1", SessionID: "s", MessageID: "m", Type: "tool",
		CallID: "call-9", Tool: "bash",
		State: ToolState{
			Status: "error",
			Raw:    `{"command": "ls"}`,
			Input:  map[string]any{"command": "ls"},
			Error:  "exit 1",
			Time:   &ToolTime{Start: 1, End: &end},
		},
	}

	data, err := json.Marshal(part)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ToolPart
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.State.Status != "error" || decoded.State.Error != "exit 1" {
		t.Errorf("state = %+v", decoded.State)
	}
	if decoded.State.Raw != `{"command": "ls"}` {
		t.Errorf("raw args lost: %q", decoded.State.Raw)
	}
}

func TestFileDiffRoundTrip(t *testing.T) {
	diff := FileDiff{File: "src/main.go", Additions: 10, Deletions: 5, Before: "a", After: "b"}
	var decoded FileDiff
	mustRoundTrip(t, diff, &decoded)
	if decoded != diff {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestMessageErrorTaxonomy(t *testing.T) {
	msgErr := NewUnknownError("rate limit exceeded")
	if msgErr.Type != "unknown" {
		t.Errorf("type = %q", msgErr.Type)
	}

	var decoded MessageError
	mustRoundTrip(t, msgErr, &decoded)
	if decoded.Type != "unknown" || decoded.Message != "rate limit exceeded" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestCustomPromptRoundTrip(t *testing.T) {
	loadedAt := int64(1700000000000)
	prompt := CustomPrompt{
		Type:      "file",
		Value:     "/path/to/prompt.md",
		LoadedAt:  &loadedAt,
		Variables: map[string]string{"project": "myapp"},
	}

	var decoded CustomPrompt
	mustRoundTrip(t, prompt, &decoded)
	if decoded.Type != "file" || decoded.Variables["project"] != "myapp" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestTodoInfoStatusValues(t *testing.T) {
	todo := TodoInfo{ID: "t1", Content: "wire the scheduler", Status: "in_progress"}
	var decoded TodoInfo
	mustRoundTrip(t, todo, &decoded)
	if decoded != todo {
		t.Errorf("decoded = %+v", decoded)
	}

	raw := marshalToMap(t, TodoInfo{ID: "t2", Content: "x", Status: "pending"})
	if _, ok := raw["priority"]; ok {
		t.Error("priority should be omitted when empty")
	}
}

func marshalToMap(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal to map: %v", err)
	}
	return raw
}

func mustRoundTrip(t *testing.T, src, dst any) {
	t.Helper()
	data, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
