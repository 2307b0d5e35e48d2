// Package agent defines the configurable agent profiles the task tool and
// session loop select between.
//
// An Agent couples a system prompt with sampling parameters, a tool-access
// map (exact names, wildcards, and mcp_* patterns), and a permission
// policy. Mode decides where it can run: primary agents face the user,
// subagents run nested under the task tool, all-mode agents do both.
//
// A Registry holds the built-ins (build, plan, general and explore) plus
// any custom agents merged in from the config's agent section via
// LoadFromConfig.
package agent
