// Package server provides the HTTP API for driving sessions.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kestrelai/conductor/internal/agent"
	"github.com/kestrelai/conductor/internal/event"
	"github.com/kestrelai/conductor/internal/executor"
	"github.com/kestrelai/conductor/internal/mcp"
	"github.com/kestrelai/conductor/internal/permission"
	"github.com/kestrelai/conductor/internal/provider"
	"github.com/kestrelai/conductor/internal/session"
	"github.com/kestrelai/conductor/internal/storage"
	"github.com/kestrelai/conductor/internal/tool"
	"github.com/kestrelai/conductor/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		Directory:    "",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server is the HTTP server.
type Server struct {
	config         *Config
	router         *chi.Mux
	httpSrv        *http.Server
	appConfig      *types.Config
	storage        *storage.Storage
	sessionService *session.Service
	providerReg    *provider.Registry
	toolReg        *tool.Registry
	bus            *event.Bus
	mcpClient      *mcp.Client
}

// New creates a new Server instance. permChecker gates tool calls through the
// approval-gate HTTP routes; pass the same instance used to build toolReg's
// bash tool so a prompt raised during execution can be resolved by a client
// response instead of hanging forever.
func New(cfg *Config, appConfig *types.Config, store *storage.Storage, providerReg *provider.Registry, toolReg *tool.Registry, permChecker *permission.Checker) *Server {
	r := chi.NewRouter()

	// Parse default provider and model from config
	// Format: "provider/model" (e.g., "ark/ep-xxx" or "anthropic/claude-sonnet-4-20250514")
	var defaultProviderID, defaultModelID string
	if appConfig != nil && appConfig.Model != "" {
		parts := strings.SplitN(appConfig.Model, "/", 2)
		if len(parts) == 2 {
			defaultProviderID = parts[0]
			defaultModelID = parts[1]
		}
	}

	// Create MCP client
	mcpClient := mcp.NewClient()

	// Subagent dispatch: register the task tool and hand it an executor
	// that runs nested session loops against the same registries.
	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	toolReg.SetTaskExecutor(executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Storage:           store,
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		PermissionChecker: permChecker,
		AgentRegistry:     agentReg,
		WorkDir:           cfg.Directory,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
	}))

	s := &Server{
		config:         cfg,
		router:         r,
		appConfig:      appConfig,
		storage:        store,
		sessionService: session.NewServiceWithProcessor(store, providerReg, toolReg, permChecker, defaultProviderID, defaultModelID),
		providerReg:    providerReg,
		toolReg:        toolReg,
		bus:            event.NewBus(),
		mcpClient:      mcpClient,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// InitializeMCP initializes MCP servers from configuration.
func (s *Server) InitializeMCP(ctx context.Context) error {
	if s.appConfig == nil || s.appConfig.MCP == nil {
		return nil
	}

	for name, cfg := range s.appConfig.MCP {
		enabled := cfg.Enabled == nil || *cfg.Enabled
		mcpCfg := &mcp.Config{
			Enabled:     enabled,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
		}
		if err := s.mcpClient.AddServer(ctx, name, mcpCfg); err != nil {
			// The client records the failed server with its error; go on with the rest.
			continue
		}
	}

	// Externally-sourced tools join the same registry as the built-ins, so
	// the session loop never distinguishes the two.
	mcp.RegisterMCPTools(s.mcpClient, s.toolReg)

	return nil
}

// MCPClient returns the server's MCP client.
func (s *Server) MCPClient() *mcp.Client {
	return s.mcpClient
}

// ToolRegistry returns the tool registry the session processor resolves
// against.
func (s *Server) ToolRegistry() *tool.Registry {
	return s.toolReg
}

// CloseMCP closes all MCP server connections.
func (s *Server) CloseMCP() error {
	if s.mcpClient != nil {
		return s.mcpClient.Close()
	}
	return nil
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Logging
	s.router.Use(middleware.Logger)

	// Recover from panics
	s.router.Use(middleware.Recoverer)

	// Real IP
	s.router.Use(middleware.RealIP)

	// CORS
	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Instance context
	s.router.Use(s.instanceContext)
}

// instanceContext middleware injects directory into context.
func (s *Server) instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get directory from query or use default
		dir := r.URL.Query().Get("directory")
		if dir == "" {
			dir = s.config.Directory
		}

		ctx := context.WithValue(r.Context(), contextKeyDirectory, dir)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Context keys
type contextKey string

const (
	contextKeyDirectory contextKey = "directory"
)

// getDirectory returns the directory from context.
func getDirectory(ctx context.Context) string {
	if dir, ok := ctx.Value(contextKeyDirectory).(string); ok {
		return dir
	}
	return ""
}
