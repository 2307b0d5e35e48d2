package event

import "github.com/kestrelai/conductor/pkg/types"

// SessionCreatedData is the data for session.created events.
// The wire payload carries the session object under "info".
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
// The wire payload carries the session object under "info".
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
// The wire payload carries the session object under "info".
type SessionDeletedData struct {
	Info *types.Session `json:"info"`
}

// SessionIdleData is the data for session.idle events.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

// MessageCreatedData is the data for message.created events.
// The wire payload carries the message object under "info".
type MessageCreatedData struct {
	Info *types.Message `json:"info"`
}

// MessageUpdatedData is the data for message.updated events.
// The wire payload carries the message object under "info".
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// MessageRemovedData is the data for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessagePartUpdatedData is the data for message.part.updated events.
// The wire payload carries "part" and "delta" fields.
type MessagePartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"` // For streaming text
}

// Deprecated: Use MessagePartUpdatedData instead
type PartUpdatedData = MessagePartUpdatedData

// MessagePartRemovedData is the data for message.part.removed events.
type MessagePartRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

// FileEditedData is the data for file.edited events.
type FileEditedData struct {
	File string `json:"file"`
}

// PermissionUpdatedData is the data for permission.updated events.
// Wire shape for permission prompts.
type PermissionUpdatedData struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"sessionID"`
	PermissionType string   `json:"permissionType"` // "bash" | "edit" | "external_directory"
	Pattern        []string `json:"pattern"`
	Title          string   `json:"title"`
}

// Deprecated: Use PermissionUpdatedData instead
type PermissionRequiredData = PermissionUpdatedData

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"` // "allow-once" | "allow-session" | "allow-always" | "deny"
}

// Deprecated: Use PermissionRepliedData instead
type PermissionResolvedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Granted   bool   `json:"granted"`
}

// SessionCompactedData is the data for session.compacted events.
type SessionCompactedData struct {
	SessionID string `json:"sessionID"`
}

// SessionDiffData is the data for session.diff events.
type SessionDiffData struct {
	SessionID string           `json:"sessionID"`
	Diff      []types.FileDiff `json:"diff"`
}

// ThinkingData is the data for progress.thinking events.
type ThinkingData struct {
	SessionID string `json:"sessionID"`
}

// TextChunkData is the data for progress.text_chunk events.
type TextChunkData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
}

// ReasoningChunkData is the data for progress.reasoning_chunk events.
type ReasoningChunkData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
}

// ToolStartedData is the data for progress.tool_started events.
type ToolStartedData struct {
	SessionID string `json:"sessionID"`
	Name      string `json:"name"`
	Summary   string `json:"summary,omitempty"`
}

// ToolCompletedData is the data for progress.tool_completed events.
type ToolCompletedData struct {
	SessionID string `json:"sessionID"`
	Name      string `json:"name"`
	Summary   string `json:"summary,omitempty"`
	Status    string `json:"status"`
	Diff      string `json:"diff,omitempty"` // unified diff, for edit/write tools
}

// IntermediateTextData is the data for progress.intermediate_text events.
type IntermediateTextData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
}

// ApprovalRequestedData is the data for progress.approval_requested events.
type ApprovalRequestedData struct {
	SessionID string         `json:"sessionID"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args"`
}

// ApprovalResolvedData is the data for progress.approval_resolved events.
type ApprovalResolvedData struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID"`
	Response     string `json:"response"`
}

// CompactionSummaryData is the data for progress.compaction_summary events.
type CompactionSummaryData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
}

// ModelChangedData is the data for progress.model_changed events.
type ModelChangedData struct {
	SessionID string `json:"sessionID"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
}

// ContextUsageData is the data for progress.context_usage events.
type ContextUsageData struct {
	SessionID    string `json:"sessionID"`
	InputTokens  int    `json:"inputTokens"`
	Window       int    `json:"window"`
}

// LoopDetectedData is the data for progress.loop_detected events.
type LoopDetectedData struct {
	SessionID string `json:"sessionID"`
	Tool      string `json:"tool"`
}

// ProviderErrorData is the data for progress.provider_error events.
type ProviderErrorData struct {
	SessionID string `json:"sessionID"`
	Kind      string `json:"kind"`
	Message   string `json:"message,omitempty"`
}

// StopData is the data for progress.stop events.
type StopData struct {
	SessionID string `json:"sessionID"`
}

// ClientToolRequestData is the data for client-tool.request events.
type ClientToolRequestData struct {
	ClientID string `json:"clientID"`
	Request  any    `json:"request"` // ExecutionRequest from clienttool package
}

// ClientToolRegisteredData is the data for client-tool.registered events.
type ClientToolRegisteredData struct {
	ClientID string   `json:"clientID"`
	ToolIDs  []string `json:"toolIDs"`
}

// ClientToolUnregisteredData is the data for client-tool.unregistered events.
type ClientToolUnregisteredData struct {
	ClientID string   `json:"clientID"`
	ToolIDs  []string `json:"toolIDs"`
}

// ClientToolStatusData is the data for client-tool.executing/completed/failed events.
type ClientToolStatusData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
	Tool      string `json:"tool"`
	ClientID  string `json:"clientID"`
	Error     string `json:"error,omitempty"`
	Success   bool   `json:"success,omitempty"`
}

// SessionScoped is implemented by event payloads that belong to exactly one
// session. The SSE layer uses it to route an event to the right session
// stream without enumerating every payload type.
type SessionScoped interface {
	EventSessionID() string
}

func (d SessionIdleData) EventSessionID() string        { return d.SessionID }
func (d SessionErrorData) EventSessionID() string       { return d.SessionID }
func (d MessageRemovedData) EventSessionID() string     { return d.SessionID }
func (d MessagePartRemovedData) EventSessionID() string { return d.SessionID }
func (d PermissionUpdatedData) EventSessionID() string  { return d.SessionID }
func (d PermissionRepliedData) EventSessionID() string  { return d.SessionID }
func (d SessionCompactedData) EventSessionID() string   { return d.SessionID }
func (d SessionDiffData) EventSessionID() string        { return d.SessionID }
func (d ThinkingData) EventSessionID() string           { return d.SessionID }
func (d TextChunkData) EventSessionID() string          { return d.SessionID }
func (d ReasoningChunkData) EventSessionID() string     { return d.SessionID }
func (d ToolStartedData) EventSessionID() string        { return d.SessionID }
func (d ToolCompletedData) EventSessionID() string      { return d.SessionID }
func (d IntermediateTextData) EventSessionID() string   { return d.SessionID }
func (d ApprovalRequestedData) EventSessionID() string  { return d.SessionID }
func (d ApprovalResolvedData) EventSessionID() string   { return d.SessionID }
func (d CompactionSummaryData) EventSessionID() string  { return d.SessionID }
func (d ModelChangedData) EventSessionID() string       { return d.SessionID }
func (d ContextUsageData) EventSessionID() string       { return d.SessionID }
func (d LoopDetectedData) EventSessionID() string       { return d.SessionID }
func (d ProviderErrorData) EventSessionID() string      { return d.SessionID }
func (d StopData) EventSessionID() string               { return d.SessionID }
