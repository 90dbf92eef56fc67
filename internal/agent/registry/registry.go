// Package registry maps agent kinds to the commands that launch them in ACP
// mode. Built-in defaults can be overridden per kind through configuration.
package registry

import (
	"fmt"
	"sort"

	"github.com/agentview/agentview/internal/common/config"
	apperrors "github.com/agentview/agentview/internal/common/errors"
)

// Kind identifies an agent implementation.
type Kind string

// Supported agent kinds.
const (
	KindGemini     Kind = "gemini"
	KindClaudeCode Kind = "claude-code"
	KindCodex      Kind = "codex"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGemini, KindClaudeCode, KindCodex:
		return Kind(s), nil
	}
	return "", apperrors.BadRequest(fmt.Sprintf("unknown agent kind '%s'", s))
}

// Command is an executable plus its argv tail.
type Command struct {
	Path string
	Args []string
}

// defaultCommands launch each agent as an ACP-speaking child on stdio. Gemini
// speaks ACP natively; the others run through their ACP adapter packages.
var defaultCommands = map[Kind]Command{
	KindGemini:     {Path: "npx", Args: []string{"-y", "@google/gemini-cli@0.25.2", "--experimental-acp"}},
	KindClaudeCode: {Path: "npx", Args: []string{"-y", "@zed-industries/claude-code-acp"}},
	KindCodex:      {Path: "npx", Args: []string{"-y", "@zed-industries/codex-acp"}},
}

// Registry resolves agent kinds to launch commands.
type Registry struct {
	commands map[Kind]Command
}

// New builds a registry from the defaults plus any per-kind overrides in the
// agent configuration. An override is the full argv: executable first.
func New(cfg config.AgentConfig) *Registry {
	commands := make(map[Kind]Command, len(defaultCommands))
	for kind, cmd := range defaultCommands {
		commands[kind] = cmd
	}
	for name, argv := range cfg.Commands {
		kind, err := ParseKind(name)
		if err != nil || len(argv) == 0 {
			continue
		}
		commands[kind] = Command{Path: argv[0], Args: append([]string(nil), argv[1:]...)}
	}
	return &Registry{commands: commands}
}

// Command returns the launch command for a kind.
func (r *Registry) Command(kind Kind) (Command, error) {
	cmd, ok := r.commands[kind]
	if !ok {
		return Command{}, apperrors.BadRequest(fmt.Sprintf("unknown agent kind '%s'", kind))
	}
	return cmd, nil
}

// Kinds lists the registered kinds sorted by name.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.commands))
	for kind := range r.commands {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
