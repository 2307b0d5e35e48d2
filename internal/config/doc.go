// Package config provides configuration loading, merging, and path management.
//
// # Configuration Loading
//
// Load searches for and merges configuration from multiple sources in
// priority order, lowest to highest:
//
//  1. Global config (~/.config/conductor/conductor.{json,jsonc,yaml})
//  2. Project config (<dir>/.conductor/conductor.{json,jsonc,yaml})
//  3. .env file in the project directory (loaded into the process environment)
//  4. Environment variables (CONDUCTOR_MODEL, CONDUCTOR_SMALL_MODEL, provider
//     API key variables)
//
// # Supported Formats
//
// JSON, JSONC (comments and trailing commas, via tidwall/jsonc), and YAML
// are all accepted; format is chosen by file extension.
//
// # Configuration Merging
//
// mergeConfig overwrites scalar fields and merges map fields (Provider,
// Agent, MCP) key by key; a key present in a later source replaces the
// earlier value for that key wholesale rather than deep-merging it.
//
// # Path Management
//
// Paths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/conductor (XDG_DATA_HOME)
//   - Config: ~/.config/conductor (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/conductor (XDG_CACHE_HOME)
//   - State: ~/.local/state/conductor (XDG_STATE_HOME)
//
// On Windows these fall back to APPDATA.
package config
