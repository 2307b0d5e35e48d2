package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kestrelai/conductor/pkg/types"
)

// compactionSystemPrompt instructs the summarizer used when a session's
// history is compacted. The fixed section headings keep summaries scannable
// and diffable across compactions.
const compactionSystemPrompt = `You summarize an agent coding session so work can continue after older history is discarded. Output ONLY the summary, structured exactly as:

## Current Task
What the user is trying to accomplish right now.

## Decisions
Choices made and their reasons, one bullet each.

## Files Modified
Every file created, edited, or deleted, with a one-line note.

## State
What is working, what is in progress.

## Errors
Failures hit and how they were (or were not) resolved.

## Next Steps
What remains to be done, in order.

Be specific: keep exact file paths, identifiers, command lines, and error text. Drop pleasantries and narration.`

// SystemPrompt assembles the system text sent ahead of every request. The
// rule files it pulls in are re-read on each build, so editing AGENTS.md
// mid-session takes effect on the next iteration.
type SystemPrompt struct {
	session    *types.Session
	agent      *Agent
	modelID    string
	providerID string
}

// NewSystemPrompt creates a new system prompt builder.
func NewSystemPrompt(session *types.Session, agent *Agent, providerID, modelID string) *SystemPrompt {
	return &SystemPrompt{
		session:    session,
		agent:      agent,
		modelID:    modelID,
		providerID: providerID,
	}
}

// Build constructs the complete system prompt: provider header, agent
// prompt, model hints, environment, project rules, then tool guidance.
func (s *SystemPrompt) Build() string {
	var sections []string

	if header := s.providerHeader(); header != "" {
		sections = append(sections, header)
	}
	if s.agent != nil && s.agent.Prompt != "" {
		sections = append(sections, s.agent.Prompt)
	}
	if hints := s.modelHints(); hints != "" {
		sections = append(sections, hints)
	}
	sections = append(sections, s.environmentContext())
	if rules := s.loadProjectRules(); rules != "" {
		sections = append(sections, rules)
	}
	if guidance := s.toolGuidance(); guidance != "" {
		sections = append(sections, guidance)
	}

	return strings.Join(sections, "\n\n")
}

// providerHeader returns the provider-specific opening lines.
func (s *SystemPrompt) providerHeader() string {
	switch s.providerID {
	case "anthropic":
		return `You are Claude, an AI assistant made by Anthropic. You are helpful, harmless, and honest.

You have tools that read, write, and run commands on the user's machine. Use them responsibly.`

	case "openai":
		return `You are a capable AI assistant with tools for reading files, writing files, and running commands.

Use tools deliberately and follow the user's instructions.`

	case "google":
		return `You are an AI assistant with tool access: file reads, file writes, and command execution.`

	default:
		return ""
	}
}

// modelHints returns working-style instructions tuned per model family.
func (s *SystemPrompt) modelHints() string {
	switch {
	case strings.Contains(s.modelID, "claude"):
		return `Be decisive with tools; don't ask for confirmation unless the action is destructive.

For file changes:
- Read a file before editing it
- Keep edits minimal and focused
- Match the existing style of the code`

	case strings.Contains(s.modelID, "gpt"):
		return `When changing files:
- Read before writing
- Make precise, targeted edits
- Follow the conventions already in the codebase`

	case strings.Contains(s.modelID, "gemini"):
		return `For code work:
- Look at the existing structure before changing it
- Change only what the task needs
- Keep the codebase's style`

	default:
		return ""
	}
}

// environmentContext describes where the session is running.
func (s *SystemPrompt) environmentContext() string {
	var env strings.Builder

	env.WriteString("# Environment Information\n\n")

	workDir := ""
	if s.session != nil {
		workDir = s.session.Directory
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	env.WriteString(fmt.Sprintf("Working Directory: %s\n", workDir))
	env.WriteString(fmt.Sprintf("Current Date: %s\n", time.Now().Format("2006-01-02")))
	env.WriteString(fmt.Sprintf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH))

	if branch := gitBranch(workDir); branch != "" {
		env.WriteString(fmt.Sprintf("Git Branch: %s\n", branch))
	}
	if projectType := detectProjectType(workDir); projectType != "" {
		env.WriteString(fmt.Sprintf("Project Type: %s\n", projectType))
	}

	return env.String()
}

// loadProjectRules reads the first rules file found, project locations
// before global ones.
func (s *SystemPrompt) loadProjectRules() string {
	workDir := ""
	if s.session != nil {
		workDir = s.session.Directory
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	locations := []string{
		filepath.Join(workDir, "AGENTS.md"),
		filepath.Join(workDir, "CLAUDE.md"),
		filepath.Join(workDir, ".conductor", "rules.md"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(home, ".config", "conductor", "rules.md"),
			filepath.Join(home, ".claude", "rules.md"),
		)
	}

	for _, loc := range locations {
		if content, err := os.ReadFile(loc); err == nil && len(content) > 0 {
			return fmt.Sprintf("# Custom Rules\n\n%s", string(content))
		}
	}

	return ""
}

// toolGuidance returns the standing tool-usage instructions.
func (s *SystemPrompt) toolGuidance() string {
	return `# Tool Usage Guidelines

1. **File Operations**
   - Read a file before editing it
   - Edit for surgical changes, Write for new files
   - Always pass absolute paths

2. **Bash Commands**
   - Prefer the dedicated tools over bash where one exists
   - Describe what each command does
   - Handle failures instead of repeating the same command

3. **Search**
   - Glob finds files, Grep finds content
   - Narrow patterns beat broad ones

4. **Working Style**
   - Verify changes actually work
   - Don't modify files you haven't read
   - State your reasoning before acting`
}

// gitBranch returns the checked-out branch of dir, or "".
func gitBranch(dir string) string {
	if dir == "" {
		return ""
	}
	cmd := exec.Command("git", "branch", "--show-current")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// detectProjectType guesses the project's ecosystem from marker files.
func detectProjectType(dir string) string {
	if dir == "" {
		return ""
	}

	indicators := map[string][]string{
		"Node.js": {"package.json"},
		"Python":  {"pyproject.toml", "setup.py", "requirements.txt"},
		"Go":      {"go.mod"},
		"Rust":    {"Cargo.toml"},
		"Java":    {"pom.xml", "build.gradle"},
		"Ruby":    {"Gemfile"},
		"PHP":     {"composer.json"},
		"C#":      {"*.csproj", "*.sln"},
		"Elixir":  {"mix.exs"},
		"Haskell": {"*.cabal", "stack.yaml"},
	}

	for projectType, files := range indicators {
		for _, pattern := range files {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			if len(matches) > 0 {
				return projectType
			}
		}
	}

	return ""
}

// WithCustomPrompt overrides the agent prompt from a session-level custom
// prompt, loading from a file or using the inline value.
func (s *SystemPrompt) WithCustomPrompt(custom *types.CustomPrompt) *SystemPrompt {
	if custom == nil {
		return s
	}

	if s.agent == nil {
		s.agent = DefaultAgent()
	}

	switch custom.Type {
	case "file":
		if content, err := os.ReadFile(custom.Value); err == nil {
			s.agent.Prompt = expandPromptVars(string(content), custom.Variables)
		}
	case "inline":
		s.agent.Prompt = expandPromptVars(custom.Value, custom.Variables)
	}

	return s
}

// expandPromptVars substitutes {{name}} placeholders.
func expandPromptVars(prompt string, vars map[string]string) string {
	result := prompt
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}
