package flow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/SakePipe/internal/models"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// Prompts holds the persona text and fixed reply strings of the assistant.
type Prompts struct {
	Persona            string `yaml:"persona"`
	ContextLabel       string `yaml:"context_label"`
	AdminBlock         string `yaml:"admin_block"`
	WebSystem          string `yaml:"web_system"`
	FallbackEmptyTurns string `yaml:"fallback_empty_turns"`
	FallbackEmptyReply string `yaml:"fallback_empty_reply"`
}

// DefaultPrompts returns the embedded prompt set.
func DefaultPrompts() *Prompts {
	var p Prompts
	if err := yaml.Unmarshal(defaultPromptsYAML, &p); err != nil {
		panic(fmt.Sprintf("embedded prompts.yaml is invalid: %v", err))
	}
	return &p
}

// LoadPrompts reads a YAML prompt file. An empty path returns the embedded defaults;
// fields missing from the file keep their default value.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}
	p.merge(override)
	slog.Info("LoadPrompts: prompts loaded", "file", path, "personaLength", len(p.Persona))
	return p, nil
}

func (p *Prompts) merge(o Prompts) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&p.Persona, o.Persona)
	set(&p.ContextLabel, o.ContextLabel)
	set(&p.AdminBlock, o.AdminBlock)
	set(&p.WebSystem, o.WebSystem)
	set(&p.FallbackEmptyTurns, o.FallbackEmptyTurns)
	set(&p.FallbackEmptyReply, o.FallbackEmptyReply)
}

// SystemPrompt builds the WhatsApp system prompt: persona, then the context as a labeled
// JSON block when non-empty, then the admin block when admin is set.
func (p *Prompts) SystemPrompt(c models.ConversationContext, admin bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Persona))
	if len(c) > 0 {
		raw, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			slog.Warn("Prompts.SystemPrompt: failed to encode context", "error", err)
		} else {
			b.WriteString("\n\n")
			b.WriteString(p.ContextLabel)
			b.WriteString("\n")
			b.Write(raw)
		}
	}
	if admin {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(p.AdminBlock))
	}
	return b.String()
}

// WebSystemPrompt is the persona followed by the fixed web chat block.
func (p *Prompts) WebSystemPrompt() string {
	return strings.TrimSpace(p.Persona) + "\n\n" + strings.TrimSpace(p.WebSystem)
}
