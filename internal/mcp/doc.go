// Package mcp connects conductor to Model Context Protocol servers and
// folds their tools into the shared tool registry.
//
// A Client owns the set of configured servers. Each server speaks one of
// three transports - a stdio subprocess, a locally executed command, or a
// remote HTTP endpoint - and its tools are listed on connect. RegisterMCPTools wraps every advertised tool in an adapter
// implementing tool.Tool, so the session loop calls an MCP-sourced tool
// exactly the way it calls a built-in one; tool names are prefixed with
// their server name and sanitized to stay unique across servers.
//
// Servers come from the `mcp` section of the config file. A server that
// fails to connect is recorded with its error and skipped rather than
// failing startup; Status reports per-server connection state.
package mcp
