package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the routes that matter to the orchestration
// contract: session CRUD, message submission, approval response, the SSE
// event stream, and a read-only config endpoint. Everything else the
// upstream surface exposes (project browsing, file/LSP/formatter
// integration, MCP administration, TUI remote control, client-tool
// registration) is out of scope and was removed along with its handlers.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			r.Get("/message", s.getMessages)
			r.Post("/message", s.sendMessage) // streaming response
			r.Get("/message/{messageID}", s.getMessage)

			r.Post("/abort", s.abortSession)
			r.Post("/foreground", s.switchForeground)
			r.Post("/policy", s.setPolicy)

			r.Post("/permissions/{permissionID}", s.respondPermission)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.sessionEvents)
	r.Get("/global/event", s.globalEvents)

	// Configuration (read-only)
	r.Get("/config", s.getConfig)
}
