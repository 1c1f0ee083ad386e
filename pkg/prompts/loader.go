package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
)

const DefaultAgent = "default"

//go:embed templates/*.md templates/agents/*.md
var templatesFS embed.FS

var agentNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Instruction returns the generation instruction for an agent selector.
// Unknown selectors fall back to the default agent.
func Instruction(agent string) (string, error) {
	name := NormalizeAgent(agent)

	content, err := load(agentPath(name))
	if errors.Is(err, fs.ErrNotExist) && name != DefaultAgent {
		return load(agentPath(DefaultAgent))
	}

	return content, err
}

// NormalizeAgent lowercases a selector and maps invalid or empty values to the default agent.
func NormalizeAgent(agent string) string {
	name := strings.ToLower(strings.TrimSpace(agent))
	if !agentNamePattern.MatchString(name) {
		return DefaultAgent
	}

	return name
}

// Router returns the routing instruction. The route JSON schema is appended by the router.
func Router() (string, error) {
	return load("templates/router.md")
}

// Profile returns the profile-update instruction.
func Profile() (string, error) {
	return load("templates/profile.md")
}

// Naming returns the agent naming instruction.
func Naming() (string, error) {
	return load("templates/naming.md")
}

func load(path string) (string, error) {
	content, err := templatesFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load prompt template %s: %w", path, err)
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", fmt.Errorf("prompt template %q is empty", path)
	}

	return text, nil
}

func agentPath(name string) string {
	return "templates/agents/" + name + ".md"
}
