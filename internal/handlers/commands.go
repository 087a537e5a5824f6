package handlers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SlashCommand is one entry of a slash-command listing.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"` // builtin, user, plugin
	Content     string `json:"content,omitempty"`
	PluginName  string `json:"pluginName,omitempty"`
}

// ListSlashCommandsRequest selects the agent flavor to enumerate for.
type ListSlashCommandsRequest struct {
	Agent string `json:"agent"`
}

// ListSlashCommandsResponse carries all known commands.
type ListSlashCommandsResponse struct {
	Success  bool           `json:"success"`
	Commands []SlashCommand `json:"commands"`
}

// Built-in slash commands per agent flavor.
var builtinSlashCommands = map[string][]SlashCommand{
	"claude": {
		{Name: "compact", Description: "Compact the conversation", Source: "builtin"},
		{Name: "clear", Description: "Clear conversation history", Source: "builtin"},
		{Name: "init", Description: "Generate a CLAUDE.md file", Source: "builtin"},
		{Name: "review", Description: "Review a pull request", Source: "builtin"},
		{Name: "help", Description: "Show available commands", Source: "builtin"},
	},
	"codex": {
		{Name: "compact", Description: "Summarize and trim the conversation", Source: "builtin"},
		{Name: "init", Description: "Create an AGENTS.md file", Source: "builtin"},
		{Name: "diff", Description: "Show the current diff", Source: "builtin"},
	},
	"gemini": {
		{Name: "compress", Description: "Compress the chat context", Source: "builtin"},
		{Name: "clear", Description: "Clear the screen and context", Source: "builtin"},
		{Name: "stats", Description: "Show session statistics", Source: "builtin"},
	},
}

// User command directories per agent flavor, relative to home.
var userCommandDirs = map[string]string{
	"claude": ".claude/commands",
	"codex":  ".codex/prompts",
	"gemini": ".gemini/commands",
}

// ListSlashCommands enumerates built-in, user-defined, and (for claude)
// plugin-provided slash commands for one agent flavor.
func (h *Handlers) ListSlashCommands(req ListSlashCommandsRequest) any {
	agent := req.Agent
	if agent == "" {
		agent = "claude"
	}

	commands := append([]SlashCommand{}, builtinSlashCommands[agent]...)
	commands = append(commands, h.userCommands(agent)...)
	if agent == "claude" {
		commands = append(commands, h.pluginCommands()...)
	}

	sort.SliceStable(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return ListSlashCommandsResponse{Success: true, Commands: commands}
}

// userCommands reads *.md files from the agent's user command directory.
// The file name (sans extension) is the command name; an optional YAML
// frontmatter block may carry a description.
func (h *Handlers) userCommands(agent string) []SlashCommand {
	dir, ok := userCommandDirs[agent]
	if !ok {
		return nil
	}
	return readCommandDir(filepath.Join(h.cfg.HomeDir, dir), "user", "")
}

// pluginCommands enumerates commands contributed by installed claude
// plugins, as recorded in the plugin registry file.
func (h *Handlers) pluginCommands() []SlashCommand {
	registryPath := filepath.Join(h.cfg.HomeDir, ".claude", "plugins", "installed_plugins.json")
	data, err := os.ReadFile(registryPath)
	if err != nil {
		return nil
	}
	var registry map[string]struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(data, &registry); err != nil {
		h.logger.Warn("unreadable plugin registry", "path", registryPath, "error", err)
		return nil
	}

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	var commands []SlashCommand
	for _, name := range names {
		commands = append(commands, readCommandDir(filepath.Join(registry[name].Path, "commands"), "plugin", name)...)
	}
	return commands
}

func readCommandDir(dir, source, pluginName string) []SlashCommand {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var commands []SlashCommand
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		front, body := splitFrontmatter(string(data))
		commands = append(commands, SlashCommand{
			Name:        strings.TrimSuffix(entry.Name(), ".md"),
			Description: front.Description,
			Source:      source,
			Content:     body,
			PluginName:  pluginName,
		})
	}
	return commands
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// splitFrontmatter separates an optional leading YAML frontmatter block
// (delimited by --- lines) from the markdown body. Malformed frontmatter is
// treated as body text.
func splitFrontmatter(content string) (frontmatter, string) {
	var front frontmatter
	if !strings.HasPrefix(content, "---\n") {
		return front, content
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return front, content
	}
	block := rest[:end]
	body := rest[end+4:]
	body = strings.TrimPrefix(body, "\n")
	if err := yaml.Unmarshal([]byte(block), &front); err != nil {
		return frontmatter{}, content
	}
	return front, body
}

// Skill is one entry of a skills listing.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
}

// ListSkillsResponse carries the enumerated skills.
type ListSkillsResponse struct {
	Success bool    `json:"success"`
	Skills  []Skill `json:"skills"`
}

// ListSkills enumerates SKILL.md-bearing directories under the user skills
// directory.
func (h *Handlers) ListSkills() any {
	skillsDir := filepath.Join(h.cfg.HomeDir, ".claude", "skills")
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return ListSkillsResponse{Success: true, Skills: []Skill{}}
	}

	skills := []Skill{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(skillsDir, entry.Name(), "SKILL.md")
		data, err := os.ReadFile(manifest)
		if err != nil {
			continue
		}
		front, _ := splitFrontmatter(string(data))
		name := front.Name
		if name == "" {
			name = entry.Name()
		}
		skills = append(skills, Skill{Name: name, Description: front.Description, Path: manifest})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return ListSkillsResponse{Success: true, Skills: skills}
}
