// Package session provides session management functionality.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kestrelai/conductor/internal/permission"
	"github.com/kestrelai/conductor/internal/provider"
	"github.com/kestrelai/conductor/internal/storage"
	"github.com/kestrelai/conductor/internal/tool"
	"github.com/kestrelai/conductor/pkg/types"
)

// Service manages session operations.
type Service struct {
	storage *storage.Storage

	// Active session processing
	mu         sync.RWMutex
	active     map[string]*ActiveSession
	abortChs   map[string]chan struct{}
	foreground string

	// Processor for agentic loop
	processor *Processor

	// permChecker resolves pending approval-gate prompts raised by the
	// processor's tool execution. nil when the service was constructed
	// without a processor (storage-only usage, e.g. in tests).
	permChecker *permission.Checker
}

// ActiveSession tracks an active processing session.
type ActiveSession struct {
	SessionID string
	AbortCh   chan struct{}
	StartTime time.Time
}

// NewService creates a new session service.
func NewService(store *storage.Storage) *Service {
	return &Service{
		storage:  store,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
}

// NewServiceWithProcessor creates a new session service with processor dependencies.
func NewServiceWithProcessor(
	store *storage.Storage,
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Service {
	s := &Service{
		storage:     store,
		active:      make(map[string]*ActiveSession),
		abortChs:    make(map[string]chan struct{}),
		permChecker: permChecker,
	}
	s.processor = NewProcessor(providerReg, toolReg, store, permChecker, defaultProviderID, defaultModelID)
	return s
}

// GetProcessor returns the session processor.
func (s *Service) GetProcessor() *Processor {
	return s.processor
}

// Create creates a new session.
func (s *Service) Create(ctx context.Context, directory string, title string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	projectID := hashDirectory(directory)

	// Use default title if not provided
	if title == "" {
		title = "New Session"
	}

	session := &types.Session{
		ID:        generateID(),
		ProjectID: projectID,
		Directory: directory,
		Title:     title,
		Version:   "1",
		Summary: types.SessionSummary{
			Additions: 0,
			Deletions: 0,
			Files:     0,
		},
		Time: types.SessionTime{
			Created: now,
			Updated: now,
		},
	}

	if err := s.storage.Put(ctx, []string{"session", projectID, session.ID}, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	// Try to find in any project
	projects, err := s.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := s.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, storage.ErrNotFound
}

// Update updates a session with the given updates.
func (s *Service) Update(ctx context.Context, sessionID string, updates map[string]any) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Apply updates
	if title, ok := updates["title"].(string); ok {
		session.Title = title
	}

	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Delete deletes a session.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// Delete session file
	if err := s.storage.Delete(ctx, []string{"session", session.ProjectID, sessionID}); err != nil {
		return err
	}

	// Delete associated messages
	messages, _ := s.GetMessages(ctx, sessionID)
	for _, msg := range messages {
		s.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}

	return nil
}

// List lists sessions for a directory.
// If directory is empty, lists all sessions across all projects.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	var sessions []*types.Session

	if directory == "" {
		// List ALL sessions across all projects
		projects, err := s.storage.List(ctx, []string{"session"})
		if err != nil {
			return nil, err
		}

		for _, projectID := range projects {
			err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
				var session types.Session
				if err := json.Unmarshal(data, &session); err != nil {
					return err
				}
				sessions = append(sessions, &session)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}

		return sessions, nil
	}

	// List sessions for a specific directory/project
	projectID := hashDirectory(directory)
	err := s.storage.Scan(ctx, []string{"session", projectID}, func(key string, data json.RawMessage) error {
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})

	return sessions, err
}

// GetChildren returns child sessions (forks).
func (s *Service) GetChildren(ctx context.Context, sessionID string) ([]*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	all, err := s.List(ctx, session.Directory)
	if err != nil {
		return nil, err
	}

	var children []*types.Session
	for _, sess := range all {
		if sess.ParentID != nil && *sess.ParentID == sessionID {
			children = append(children, sess)
		}
	}

	return children, nil
}

// Fork creates a fork of a session at a specific message.
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Create new session with fork title
	newSession, err := s.Create(ctx, session.Directory, session.Title+" (fork)")
	if err != nil {
		return nil, err
	}

	// Set parent
	newSession.ParentID = &sessionID

	// Copy messages up to the fork point
	messages, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		// Copy message
		newMsg := *msg
		newMsg.SessionID = newSession.ID
		s.AddMessage(ctx, newSession.ID, &newMsg)

		if msg.ID == messageID {
			break
		}
	}

	// Save updated session
	if err := s.storage.Put(ctx, []string{"session", newSession.ProjectID, newSession.ID}, newSession); err != nil {
		return nil, err
	}

	return newSession, nil
}

// SwitchForeground changes which session's approval prompts surface
// interactively; every other live session becomes background and its tool
// calls auto-approve from this point on.
func (s *Service) SwitchForeground(sessionID string) {
	s.mu.Lock()
	s.foreground = sessionID
	s.mu.Unlock()

	if s.permChecker != nil {
		s.permChecker.SetForeground(sessionID)
	}
}

// Foreground returns the current foreground session id, or "" if none has
// been set yet.
func (s *Service) Foreground() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreground
}

// Abort cancels a session's in-flight turn. The processor's context cancel
// is what actually stops the loop; the abort channel covers callers that
// registered one directly.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if ch, ok := s.abortChs[sessionID]; ok {
		close(ch)
		delete(s.abortChs, sessionID)
	}
	s.mu.Unlock()

	if s.processor != nil && s.processor.IsProcessing(sessionID) {
		return s.processor.Abort(sessionID)
	}
	return nil
}

// Share shares a session and returns a share URL.
func (s *Service) Share(ctx context.Context, sessionID string) (string, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	// Generate a share URL (placeholder)
	shareURL := fmt.Sprintf("https://conductor.dev/share/%s", sessionID)

	session.Share = &types.SessionShare{URL: shareURL}
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return "", err
	}

	return shareURL, nil
}

// Unshare removes sharing from a session.
func (s *Service) Unshare(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Share = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// Summarize generates a summary of the session.
func (s *Service) Summarize(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &session.Summary, nil
}

// GetDiffs returns diffs for a session.
func (s *Service) GetDiffs(ctx context.Context, sessionID string) ([]types.FileDiff, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return session.Summary.Diffs, nil
}

// GetTodos returns the todo list the todowrite tool maintains for a session.
func (s *Service) GetTodos(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	return GetTodos(ctx, s.storage, sessionID)
}

// Revert reverts a session to a specific message.
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID *string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = &types.SessionRevert{
		MessageID: messageID,
		PartID:    partID,
	}
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// Unrevert removes the revert state from a session.
func (s *Service) Unrevert(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// RespondPermission resolves a pending approval-gate prompt. action is one
// of "allow-once", "allow-session", "allow-always", or "deny"; a bare
// granted/denied caller can pass "allow-once"/"deny".
func (s *Service) RespondPermission(ctx context.Context, sessionID, permissionID, action string) error {
	if s.permChecker == nil {
		return fmt.Errorf("permission checker not configured")
	}

	s.permChecker.Respond(permissionID, action)

	if action == "allow-session" || action == "allow-always" {
		if err := s.persistApprovalPolicy(ctx, sessionID, action); err != nil {
			return err
		}
	}
	return nil
}

// SetPolicy sets a session's approval-policy mode outright: "ask",
// "auto-session", or "auto-always". "auto-always" is additionally persisted
// so it survives a restart.
func (s *Service) SetPolicy(ctx context.Context, sessionID, mode string) error {
	if s.permChecker == nil {
		return fmt.Errorf("permission checker not configured")
	}

	s.permChecker.SetMode(sessionID, mode)

	session, err := s.loadSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.ApprovalPolicy.Decisions == nil {
		session.ApprovalPolicy.Decisions = make(map[string]string)
	}
	if mode == "ask" {
		delete(session.ApprovalPolicy.Decisions, "default")
	} else {
		session.ApprovalPolicy.Decisions["default"] = mode
	}
	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

// persistApprovalPolicy records the session's approval-gate state
// transition so it survives a process restart; the in-memory Checker state
// is the source of truth for prompt resolution, this is its durable mirror.
func (s *Service) persistApprovalPolicy(ctx context.Context, sessionID, action string) error {
	session, err := s.loadSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	mode := "auto-session"
	if action == "allow-always" {
		mode = "auto-always"
	}
	if session.ApprovalPolicy.Decisions == nil {
		session.ApprovalPolicy.Decisions = make(map[string]string)
	}
	session.ApprovalPolicy.Decisions["default"] = mode

	return s.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)
}

func (s *Service) loadSessionByID(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return session, nil
}

// AddMessage adds a message to a session.
func (s *Service) AddMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	return s.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
}

// GetMessage returns one message from a session.
func (s *Service) GetMessage(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := s.storage.Get(ctx, []string{"message", sessionID, messageID}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SavePart persists one part of a message.
func (s *Service) SavePart(ctx context.Context, messageID string, part types.Part) error {
	return s.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// GetMessages returns all messages for a session.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// GetParts returns all parts for a message.
func (s *Service) GetParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// ProcessMessage runs the agent loop for a user message that the caller has
// already appended to the session (message and parts persisted). It returns
// the final assistant message and its parts once the loop goes idle.
func (s *Service) ProcessMessage(
	ctx context.Context,
	session *types.Session,
	model *types.ModelRef,
	onUpdate func(msg *types.Message, parts []types.Part),
) (*types.Message, []types.Part, error) {
	// A persisted auto-always policy survives restarts; re-arm the in-memory
	// gate from it before the loop proposes any tool calls.
	if s.permChecker != nil && session.ApprovalPolicy.Decisions["default"] == "auto-always" {
		s.permChecker.SetMode(session.ID, "auto-always")
	}

	if s.processor != nil {
		var finalMsg *types.Message
		var finalParts []types.Part

		err := s.processor.Process(ctx, session.ID, DefaultAgent(), func(msg *types.Message, parts []types.Part) {
			finalMsg = msg
			finalParts = parts
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})

		if err != nil {
			return finalMsg, finalParts, err
		}

		return finalMsg, finalParts, nil
	}

	// Fallback: Create placeholder assistant message if no processor
	assistantMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "assistant",
		Time: types.MessageTime{
			Created: time.Now().UnixMilli(),
		},
	}

	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	parts := []types.Part{
		&types.TextPart{
			ID:   generateID(),
			Type: "text",
			Text: "Processor not initialized. Please configure providers.",
		},
	}

	// Save message
	if err := s.AddMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, nil, err
	}

	// Notify of update
	if onUpdate != nil {
		onUpdate(assistantMsg, parts)
	}

	return assistantMsg, parts, nil
}

// generateID generates a new ULID.
func generateID() string {
	return ulid.Make().String()
}

// hashDirectory creates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
