package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelai/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withIsolatedHome(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "conductor-test-*")
	require.NoError(t, err)
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	t.Cleanup(func() {
		os.Setenv("HOME", oldHome)
		os.RemoveAll(tmpDir)
	})
	return tmpDir
}

func writeProjectConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	configDir := filepath.Join(dir, ".conductor")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	path := filepath.Join(configDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadBasicConfig(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := `{
		"$schema": "https://example.com/config.json",
		"model": "anthropic/claude-sonnet-4-20250514",
		"small_model": "anthropic/claude-3-5-haiku-20241022",
		"username": "testuser",
		"provider": {
			"anthropic": {
				"apiKey": "sk-ant-test123"
			}
		},
		"agent": {
			"coder": {
				"temperature": 0.7,
				"top_p": 0.9,
				"tools": {
					"bash": true,
					"edit": true
				},
				"permission": {
					"edit": "allow",
					"bash": "ask"
				}
			}
		}
	}`

	writeProjectConfig(t, tmpDir, "conductor.json", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/config.json", cfg.Schema)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", cfg.Model)
	assert.Equal(t, "anthropic/claude-3-5-haiku-20241022", cfg.SmallModel)
	assert.Equal(t, "testuser", cfg.Username)

	anthropic := cfg.Provider["anthropic"]
	assert.Equal(t, "sk-ant-test123", anthropic.APIKey)

	coder := cfg.Agent["coder"]
	require.NotNil(t, coder.Temperature)
	assert.Equal(t, 0.7, *coder.Temperature)
	require.NotNil(t, coder.TopP)
	assert.Equal(t, 0.9, *coder.TopP)
	assert.True(t, coder.Tools["bash"])
	assert.True(t, coder.Tools["edit"])
}

func TestJSONCComments(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	jsoncConfig := `{
		// This is a single-line comment
		"model": "anthropic/claude-sonnet-4-20250514",
		/* This is a
		   multi-line comment */
		"provider": {
			"anthropic": {
				"apiKey": "test-key" // inline comment
			}
		}
	}`

	writeProjectConfig(t, tmpDir, "conductor.jsonc", jsoncConfig)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", cfg.Model)
	assert.Equal(t, "test-key", cfg.Provider["anthropic"].APIKey)
}

func TestJSONCTrailingComma(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := `{
		"model": "anthropic/claude-sonnet-4",
		"smallModel": "anthropic/claude-3-5-haiku-20241022",
	}`

	writeProjectConfig(t, tmpDir, "conductor.jsonc", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
}

func TestYAMLConfig(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := "model: anthropic/claude-sonnet-4\nusername: yaml-user\n"
	writeProjectConfig(t, tmpDir, "conductor.yaml", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
	assert.Equal(t, "yaml-user", cfg.Username)
}

func TestConfigMerge(t *testing.T) {
	tmpHome, err := os.MkdirTemp("", "conductor-home-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpHome)

	tmpProject, err := os.MkdirTemp("", "conductor-project-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpProject)

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpHome)
	defer os.Setenv("HOME", oldHome)

	globalConfig := `{
		"model": "anthropic/claude-sonnet-4",
		"provider": {
			"anthropic": {
				"apiKey": "global-key"
			}
		},
		"agent": {
			"coder": {
				"tools": {"bash": true}
			}
		}
	}`
	globalDir := filepath.Join(tmpHome, ".config", "conductor")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "conductor.json"), []byte(globalConfig), 0644))

	projectConfig := `{
		"model": "openai/gpt-4o",
		"agent": {
			"coder": {
				"tools": {"edit": true}
			}
		}
	}`
	writeProjectConfig(t, tmpProject, "conductor.json", projectConfig)

	cfg, err := Load(tmpProject)
	require.NoError(t, err)

	// Project model overrides global.
	assert.Equal(t, "openai/gpt-4o", cfg.Model)
	// Global provider config is preserved when the project config omits it.
	assert.Equal(t, "global-key", cfg.Provider["anthropic"].APIKey)
	// Per-key agent config is replaced wholesale, not deep-merged.
	assert.True(t, cfg.Agent["coder"].Tools["edit"])
}

func TestEnvVarOverride(t *testing.T) {
	os.Setenv("CONDUCTOR_MODEL", "env-model")
	defer os.Unsetenv("CONDUCTOR_MODEL")

	tmpDir := withIsolatedHome(t)
	writeProjectConfig(t, tmpDir, "conductor.json", `{"model": "file-model"}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.Model)
}

func TestEnvVarProviderAPIKey(t *testing.T) {
	os.Setenv("ANTHROPIC_API_KEY", "env-api-key")
	defer os.Unsetenv("ANTHROPIC_API_KEY")

	tmpDir := withIsolatedHome(t)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "env-api-key", cfg.Provider["anthropic"].APIKey)
}

func TestEnvVarDoesNotOverrideFileAPIKey(t *testing.T) {
	os.Setenv("ANTHROPIC_API_KEY", "env-api-key")
	defer os.Unsetenv("ANTHROPIC_API_KEY")

	tmpDir := withIsolatedHome(t)
	writeProjectConfig(t, tmpDir, "conductor.json", `{
		"provider": {"anthropic": {"apiKey": "file-api-key"}}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "file-api-key", cfg.Provider["anthropic"].APIKey)
}

func TestDotEnvLoaded(t *testing.T) {
	tmpDir := withIsolatedHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".env"), []byte("OPENAI_API_KEY=dotenv-key\n"), 0644))
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "dotenv-key", cfg.Provider["openai"].APIKey)
}

func TestMCPConfig(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := `{
		"mcp": {
			"filesystem": {
				"type": "local",
				"command": ["npx", "-y", "@modelcontextprotocol/server-filesystem"],
				"environment": {
					"MCP_ROOT": "/home/user"
				},
				"enabled": true,
				"timeout": 5000
			},
			"remote-server": {
				"type": "remote",
				"url": "https://mcp.example.com",
				"headers": {
					"Authorization": "Bearer token"
				}
			}
		}
	}`

	writeProjectConfig(t, tmpDir, "conductor.json", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	fs := cfg.MCP["filesystem"]
	assert.Equal(t, "local", fs.Type)
	assert.Equal(t, []string{"npx", "-y", "@modelcontextprotocol/server-filesystem"}, fs.Command)
	assert.Equal(t, "/home/user", fs.Environment["MCP_ROOT"])
	require.NotNil(t, fs.Enabled)
	assert.True(t, *fs.Enabled)
	assert.Equal(t, 5000, fs.Timeout)

	remote := cfg.MCP["remote-server"]
	assert.Equal(t, "remote", remote.Type)
	assert.Equal(t, "https://mcp.example.com", remote.URL)
	assert.Equal(t, "Bearer token", remote.Headers["Authorization"])
}

func TestPermissionConfig(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := `{
		"model": "anthropic/claude-sonnet-4",
		"permission": {
			"edit": "allow",
			"bash": {
				"rm": "deny",
				"chmod": "ask",
				"git push": "deny"
			},
			"webfetch": "allow",
			"external_directory": "ask",
			"doom_loop": "ask"
		}
	}`

	writeProjectConfig(t, tmpDir, "conductor.json", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	perm := cfg.Permission
	require.NotNil(t, perm)
	assert.Equal(t, "allow", perm.Edit)
	assert.Equal(t, "allow", perm.WebFetch)
	assert.Equal(t, "ask", perm.ExternalDir)
	assert.Equal(t, "ask", perm.DoomLoop)

	bashPerm, ok := perm.Bash.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "deny", bashPerm["rm"])
	assert.Equal(t, "ask", bashPerm["chmod"])
}

func TestConfigSerialization(t *testing.T) {
	cfg := &types.Config{
		Schema:     "https://example.com/config.json",
		Model:      "anthropic/claude-sonnet-4",
		SmallModel: "anthropic/claude-3-5-haiku",
		Username:   "testuser",
		Provider: map[string]types.ProviderConfig{
			"anthropic": {
				APIKey:  "test-key",
				BaseURL: "https://api.anthropic.com",
			},
		},
		Agent: map[string]types.AgentConfig{
			"coder": {
				Temperature: func() *float64 { v := 0.7; return &v }(),
				TopP:        func() *float64 { v := 0.9; return &v }(),
				Tools:       map[string]bool{"bash": true},
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)

	var loaded types.Config
	require.NoError(t, json.Unmarshal(data, &loaded))

	assert.Equal(t, cfg.Schema, loaded.Schema)
	assert.Equal(t, cfg.Model, loaded.Model)
	assert.Equal(t, cfg.SmallModel, loaded.SmallModel)
	assert.Equal(t, cfg.Username, loaded.Username)
	assert.Equal(t, "test-key", loaded.Provider["anthropic"].APIKey)
	assert.Equal(t, *cfg.Agent["coder"].Temperature, *loaded.Agent["coder"].Temperature)
	assert.Equal(t, *cfg.Agent["coder"].TopP, *loaded.Agent["coder"].TopP)
}

func TestProviderWithNestedOptions(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := `{
		"model": "qwen/qwen-max",
		"provider": {
			"qwen": {
				"options": {
					"apiKey": "qwen-api-key",
					"baseURL": "https://dashscope.aliyuncs.com/compatible-mode/v1"
				}
			}
		}
	}`

	writeProjectConfig(t, tmpDir, "conductor.json", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	qwen := cfg.Provider["qwen"]
	require.NotNil(t, qwen.Options)
	assert.Equal(t, "qwen-api-key", qwen.Options.APIKey)
	assert.Equal(t, "https://dashscope.aliyuncs.com/compatible-mode/v1", qwen.Options.BaseURL)
}

func TestProviderWithoutOptions(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	config := `{
		"model": "anthropic/claude-sonnet-4",
		"provider": {
			"anthropic": {
				"apiKey": "sk-test"
			}
		}
	}`

	writeProjectConfig(t, tmpDir, "conductor.json", config)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	anthropic := cfg.Provider["anthropic"]
	assert.Equal(t, "sk-test", anthropic.APIKey)
	assert.Nil(t, anthropic.Options)
}

func TestMergeConfigFunction(t *testing.T) {
	target := &types.Config{
		Model:    "old-model",
		Provider: map[string]types.ProviderConfig{"anthropic": {APIKey: "old-key"}},
	}
	source := &types.Config{
		Model:    "new-model",
		Provider: map[string]types.ProviderConfig{"openai": {APIKey: "new-key"}},
	}

	mergeConfig(target, source)

	assert.Equal(t, "new-model", target.Model)
	assert.Equal(t, "old-key", target.Provider["anthropic"].APIKey)
	assert.Equal(t, "new-key", target.Provider["openai"].APIKey)
}

func TestApplyEnvOverridesFunction(t *testing.T) {
	t.Run("CONDUCTOR_MODEL overrides config", func(t *testing.T) {
		os.Setenv("CONDUCTOR_MODEL", "env-override-model")
		defer os.Unsetenv("CONDUCTOR_MODEL")

		cfg := &types.Config{Model: "file-model"}
		applyEnvOverrides(cfg)

		assert.Equal(t, "env-override-model", cfg.Model)
	})

	t.Run("CONDUCTOR_SMALL_MODEL overrides config", func(t *testing.T) {
		os.Setenv("CONDUCTOR_SMALL_MODEL", "env-small-model")
		defer os.Unsetenv("CONDUCTOR_SMALL_MODEL")

		cfg := &types.Config{SmallModel: "file-small-model"}
		applyEnvOverrides(cfg)

		assert.Equal(t, "env-small-model", cfg.SmallModel)
	})

	t.Run("does not override an already-set API key", func(t *testing.T) {
		os.Setenv("ANTHROPIC_API_KEY", "env-key")
		defer os.Unsetenv("ANTHROPIC_API_KEY")

		cfg := &types.Config{Provider: map[string]types.ProviderConfig{"anthropic": {APIKey: "existing-key"}}}
		applyEnvOverrides(cfg)

		assert.Equal(t, "existing-key", cfg.Provider["anthropic"].APIKey)
	})
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	tmpDir := withIsolatedHome(t)

	cfg := &types.Config{
		Model:    "anthropic/claude-sonnet-4",
		Provider: map[string]types.ProviderConfig{"anthropic": {APIKey: "sk-test"}},
	}

	path := filepath.Join(tmpDir, ".conductor", "conductor.json")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, loaded.Model)
	assert.Equal(t, "sk-test", loaded.Provider["anthropic"].APIKey)
}
