// Package server provides the HTTP server implementation for the orchestration API.
//
// The server package implements a focused RESTful API server that sits between a
// client (a TUI, a chat UI, an automation caller) and the session engine. It
// exposes only the contract the engine needs to drive: session lifecycle,
// message submission, approval responses, and real-time progress events.
//
// # Core Components
//
//   - HTTP Server: Chi-based router with middleware for CORS, logging, and recovery
//   - Session Management: session CRUD and message submission against the engine
//   - Event Streaming: Server-Sent Events (SSE) for real-time progress updates
//   - Approval Gate: resolves permission prompts raised mid-run by a tool call
//
// # API Endpoints
//
//   - /session/*: Session lifecycle management and messaging
//   - /session/{id}/permissions/{id}: Approval gate responses
//   - /event, /global/event: Real-time event streaming via SSE
//   - /config: Read-only configuration snapshot
//
// The broader surface a full conductor server exposes - project
// browsing, file/Git operations, LSP, formatter, MCP administration, TUI
// remote control, client-tool registration - is out of scope for this
// contract and was removed along with its handlers.
//
// # Session Management
//
// Sessions are the core abstraction for AI conversations. Each session:
//   - Maintains conversation history with an AI provider
//   - Has an associated working directory for file operations
//   - Supports real-time streaming of AI responses
//   - Integrates with tools for code analysis and modification
//
// # Event System
//
// The server implements a custom SSE-based event system for real-time updates:
//   - Session events (message updates, status changes)
//   - Tool execution events
//   - Provider status updates
//
// # Configuration
//
// Server configuration is read from the static configuration file
// (types.Config) and returned as-is by GET /config; there is no write path
// over HTTP.
//
// # Usage Example
//
//	config := server.DefaultConfig()
//	config.Port = 8080
//	config.Directory = "/path/to/project"
//
//	srv := server.New(config, appConfig, storage, providerRegistry, toolRegistry, permChecker)
//
//	// Initialize MCP servers
//	if err := srv.InitializeMCP(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.CloseMCP()
//
//	// Start server
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//
// # Architecture Notes
//
// The server uses a layered architecture:
//   - HTTP handlers for request/response processing
//   - Service layer for business logic (session, storage, etc.)
//   - Provider abstraction for AI model integration
//   - Event bus for decoupled component communication
//   - Storage layer for persistence
//
// # SSE Implementation
//
// The server includes a custom Server-Sent Events implementation that
// streams progress events to connected clients, with heartbeat support,
// error handling, and session-based event filtering.
package server
