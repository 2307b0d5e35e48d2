package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelai/conductor/internal/permission"
	"github.com/kestrelai/conductor/internal/provider"
	"github.com/kestrelai/conductor/internal/storage"
	"github.com/kestrelai/conductor/internal/tool"
	"github.com/kestrelai/conductor/pkg/types"
)

// Processor owns the set of live session loops. Each session runs at most
// one loop at a time; submissions for distinct sessions run concurrently.
type Processor struct {
	mu sync.Mutex

	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	storage           *storage.Storage
	permissionChecker *permission.Checker
	doomLoopDetector  *permission.DoomLoopDetector

	// Used when a message doesn't name a model.
	defaultProviderID string
	defaultModelID    string

	// Live loops keyed by session id.
	sessions map[string]*sessionState
}

// sessionState is the in-flight turn of one session: the assistant message
// under construction, its parts, and the waiters queued behind it.
type sessionState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	message *types.Message
	parts   []types.Part
	waiters []chan error
}

// ProcessCallback receives message updates as a turn progresses.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	store *storage.Storage,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Processor {
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		storage:           store,
		permissionChecker: permChecker,
		doomLoopDetector:  permission.NewDoomLoopDetector(),
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// Process runs one turn for a session. If the session already has a turn in
// flight, this call queues behind it and runs once it finishes; turns for
// one session never interleave.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	p.mu.Lock()

	if state, ok := p.sessions[sessionID]; ok {
		waiter := make(chan error, 1)
		state.waiters = append(state.waiters, waiter)
		p.mu.Unlock()

		select {
		case err := <-waiter:
			if err != nil {
				return err
			}
			return p.Process(ctx, sessionID, agent, callback)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{
		ctx:    loopCtx,
		cancel: cancel,
	}
	p.sessions[sessionID] = state
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		for _, waiter := range state.waiters {
			waiter <- nil
		}
		p.mu.Unlock()
	}()

	return p.runLoop(loopCtx, sessionID, state, agent, callback)
}

// Abort cancels the in-flight turn of a session, if any.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	state.cancel()
	return nil
}

// IsProcessing reports whether a session has a turn in flight.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// GetActiveState returns the in-flight assistant message and parts of a
// session, for reconnecting renderers.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}
