package permission

import (
	"context"
	"sync"

	"github.com/kestrelai/conductor/internal/event"
	"github.com/oklog/ulid/v2"
)

// grantScope records how long an approval lives. Session-scoped grants
// (allow-session, auto-session) expire when the session next loses
// foreground; always-scoped grants (allow-always, auto-always) last until
// an explicit reset back to ask.
type grantScope int

const (
	scopeSession grantScope = iota
	scopeAlways
)

// Checker handles permission checks and approvals.
type Checker struct {
	mu       sync.RWMutex
	approved map[string]map[PermissionType]grantScope // sessionID -> type -> scope
	patterns map[string]map[string]grantScope         // sessionID -> bash pattern -> scope
	pending  map[string]chan Response                 // requestID -> response channel

	// pendingSession tracks which session each outstanding request belongs
	// to, so SetForeground can resolve every prompt that just became
	// background without the caller having to enumerate them.
	pendingSession map[string]string

	// foreground is the one session whose approvals surface interactively.
	// Empty means no session has been marked foreground yet, in which case
	// every session prompts (single-session behavior).
	foreground string
}

// NewChecker creates a new permission checker.
func NewChecker() *Checker {
	return &Checker{
		approved:       make(map[string]map[PermissionType]grantScope),
		patterns:       make(map[string]map[string]grantScope),
		pending:        make(map[string]chan Response),
		pendingSession: make(map[string]string),
	}
}

// SetForeground changes which session's approvals prompt interactively.
// Two things happen on a switch: any prompts still pending for sessions
// other than the new foreground resolve as allow-once, so no loop is left
// blocked; and the outgoing foreground session's session-scoped grants
// expire, since allow-session only lasts until the next switch.
// Always-scoped grants survive.
func (c *Checker) SetForeground(sessionID string) {
	c.mu.Lock()
	previous := c.foreground
	c.foreground = sessionID
	if previous != "" && previous != sessionID {
		c.expireSessionGrantsLocked(previous)
	}
	var toResolve []string
	for reqID, sid := range c.pendingSession {
		if sid != sessionID {
			toResolve = append(toResolve, reqID)
		}
	}
	c.mu.Unlock()

	for _, reqID := range toResolve {
		c.Respond(reqID, "allow-once")
	}
}

// expireSessionGrantsLocked drops every session-scoped grant for sessionID,
// keeping always-scoped ones. Callers hold c.mu.
func (c *Checker) expireSessionGrantsLocked(sessionID string) {
	for pt, scope := range c.approved[sessionID] {
		if scope == scopeSession {
			delete(c.approved[sessionID], pt)
		}
	}
	for pattern, scope := range c.patterns[sessionID] {
		if scope == scopeSession {
			delete(c.patterns[sessionID], pattern)
		}
	}
}

// IsForeground reports whether sessionID is the current foreground session.
// Returns true if no session has been marked foreground yet.
func (c *Checker) IsForeground(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.foreground == "" || c.foreground == sessionID
}

// Check performs a permission check based on action configuration.
func (c *Checker) Check(ctx context.Context, req Request, action PermissionAction) error {
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &RejectedError{
			SessionID: req.SessionID,
			Type:      req.Type,
			CallID:    req.CallID,
			Metadata:  req.Metadata,
			Message:   "Permission denied by configuration",
		}
	case ActionAsk:
		return c.Ask(ctx, req)
	}
	return nil
}

// Ask prompts the user for permission.
func (c *Checker) Ask(ctx context.Context, req Request) error {
	// A background session's tool calls auto-approve silently - only the
	// foreground session's calls ever surface an interactive prompt.
	if !c.IsForeground(req.SessionID) {
		return nil
	}

	// Check if already approved for this session and type
	c.mu.RLock()
	if _, ok := c.approved[req.SessionID][req.Type]; ok {
		c.mu.RUnlock()
		return nil
	}

	// Check if every requested pattern is approved
	if len(req.Pattern) > 0 {
		if sessionPatterns, ok := c.patterns[req.SessionID]; ok {
			allApproved := true
			for _, p := range req.Pattern {
				if _, ok := sessionPatterns[p]; !ok {
					allApproved = false
					break
				}
			}
			if allApproved {
				c.mu.RUnlock()
				return nil
			}
		}
	}
	c.mu.RUnlock()

	// Generate request ID if not set
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	// Create response channel
	respChan := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = respChan
	c.pendingSession[req.ID] = req.SessionID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		delete(c.pendingSession, req.ID)
		c.mu.Unlock()
	}()

	// Publish permission request event
	event.Publish(event.Event{
		Type: event.PermissionRequired,
		Data: event.PermissionRequiredData{
			ID:             req.ID,
			SessionID:      req.SessionID,
			PermissionType: string(req.Type),
			Pattern:        req.Pattern,
			Title:          req.Title,
		},
	})
	event.Publish(event.Event{
		Type: event.ApprovalRequested,
		Data: event.ApprovalRequestedData{
			SessionID: req.SessionID,
			ToolName:  string(req.Type),
			Args:      req.Metadata,
		},
	})

	// Wait for response
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-respChan:
		switch resp.Action {
		case "allow-once":
			return nil
		case "allow-session":
			c.approve(req.SessionID, req.Type, req.Pattern, scopeSession)
			return nil
		case "allow-always":
			// The durable half of "always" lives in the session's persisted
			// ApprovalPolicy, owned by the session service.
			c.approve(req.SessionID, req.Type, req.Pattern, scopeAlways)
			return nil
		default:
			// "deny" and anything unrecognized: an unknown response must
			// never silently grant.
			return &RejectedError{
				SessionID: req.SessionID,
				Type:      req.Type,
				CallID:    req.CallID,
				Metadata:  req.Metadata,
				Message:   "Permission rejected by user",
			}
		}
	}
}

// Respond handles a user's response to a permission request.
func (c *Checker) Respond(requestID string, action string) {
	c.mu.RLock()
	ch, ok := c.pending[requestID]
	c.mu.RUnlock()

	if ok {
		ch <- Response{
			RequestID: requestID,
			Action:    action,
		}
	}

	// Publish resolved event
	event.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{
			ID:      requestID,
			Granted: action != "deny",
		},
	})
	event.Publish(event.Event{
		Type: event.ApprovalResolved,
		Data: event.ApprovalResolvedData{
			PermissionID: requestID,
			Response:     action,
		},
	})
}

// approve records a grant for a permission type and any patterns at the
// given scope. An always-scoped grant upgrades a session-scoped one; a
// session-scoped grant never downgrades an existing always grant.
func (c *Checker) approve(sessionID string, permType PermissionType, patterns []string, scope grantScope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[PermissionType]grantScope)
	}
	if existing, ok := c.approved[sessionID][permType]; !ok || scope > existing {
		c.approved[sessionID][permType] = scope
	}

	if len(patterns) > 0 {
		if c.patterns[sessionID] == nil {
			c.patterns[sessionID] = make(map[string]grantScope)
		}
		for _, p := range patterns {
			if existing, ok := c.patterns[sessionID][p]; !ok || scope > existing {
				c.patterns[sessionID][p] = scope
			}
		}
	}
}

// IsApproved checks if a permission type is already approved.
func (c *Checker) IsApproved(sessionID string, permType PermissionType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.approved[sessionID][permType]
	return ok
}

// IsPatternApproved checks if a specific pattern is approved.
func (c *Checker) IsPatternApproved(sessionID string, pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.patterns[sessionID][pattern]
	return ok
}

// SetMode applies an approval-policy mode to a session. "ask" is the
// explicit reset: it clears every grant, both scopes. "auto-session"
// grants every permission type until the session next loses foreground;
// "auto-always" grants them until a reset. The durable half of
// "auto-always" is the session's persisted ApprovalPolicy, owned by the
// session service.
func (c *Checker) SetMode(sessionID, mode string) {
	var scope grantScope
	switch mode {
	case "ask":
		c.ClearSession(sessionID)
		return
	case "auto-session":
		scope = scopeSession
	case "auto-always":
		scope = scopeAlways
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[PermissionType]grantScope)
	}
	for _, pt := range []PermissionType{PermBash, PermEdit, PermWebFetch, PermExternalDir} {
		if existing, ok := c.approved[sessionID][pt]; !ok || scope > existing {
			c.approved[sessionID][pt] = scope
		}
	}
}

// ClearSession removes all grants for a session, whatever their scope.
func (c *Checker) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approved, sessionID)
	delete(c.patterns, sessionID)
}

// ApprovePattern explicitly approves a pattern for a session, scoped to the
// session (it expires at the next foreground switch).
func (c *Checker) ApprovePattern(sessionID string, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.patterns[sessionID] == nil {
		c.patterns[sessionID] = make(map[string]grantScope)
	}
	if existing, ok := c.patterns[sessionID][pattern]; !ok || existing != scopeAlways {
		c.patterns[sessionID][pattern] = scopeSession
	}
}
