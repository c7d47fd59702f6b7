// Package persona describes who the bot is: its system prompt, the fallback reply
// used when a completion fails, and how often each cosmetic effect tag is chosen.
package persona

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName         = "Epic Tech AI"
	DefaultSystemPrompt = "You are Epic Tech AI, a fun, helpful, and slightly savage tech-savvy assistant. Use emojis 🔥, keep replies engaging and concise."
	DefaultFallback     = "Whoops, my circuits are glitching 🔥 Try again in a sec?"

	// ErrorEffect tags fallback replies.
	ErrorEffect = "error"
)

// Effect is a weighted cosmetic tag attached to bot replies.
type Effect struct {
	Tag    string  `yaml:"tag"`
	Weight float64 `yaml:"weight"`
}

type Persona struct {
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Fallback     string   `yaml:"fallback"`
	Effects      []Effect `yaml:"effects"`
}

// DefaultEffects reproduces the widget's original mix: fire 30%, neon 42%, default 28%.
func DefaultEffects() []Effect {
	return []Effect{
		{Tag: "fire", Weight: 0.30},
		{Tag: "neon", Weight: 0.42},
		{Tag: "default", Weight: 0.28},
	}
}

func Default() Persona {
	return Persona{
		Name:         DefaultName,
		SystemPrompt: DefaultSystemPrompt,
		Fallback:     DefaultFallback,
		Effects:      DefaultEffects(),
	}
}

// Load reads a YAML persona file. Missing fields fall back to Default().
func Load(path string) (Persona, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, errors.Wrapf(err, "read persona file %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Persona{}, errors.Wrap(err, "parse persona yaml")
	}
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

func (p Persona) withDefaults() Persona {
	d := Default()
	if strings.TrimSpace(p.Name) == "" {
		p.Name = d.Name
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = d.SystemPrompt
	}
	if strings.TrimSpace(p.Fallback) == "" {
		p.Fallback = d.Fallback
	}
	if len(p.Effects) == 0 {
		p.Effects = d.Effects
	}
	return p
}

func (p Persona) Validate() error {
	total := 0.0
	for _, e := range p.Effects {
		if strings.TrimSpace(e.Tag) == "" {
			return errors.New("persona effect with empty tag")
		}
		if e.Tag == ErrorEffect {
			return errors.Errorf("effect tag %q is reserved for fallback replies", ErrorEffect)
		}
		if e.Weight < 0 {
			return errors.Errorf("effect %q has negative weight", e.Tag)
		}
		total += e.Weight
	}
	if len(p.Effects) > 0 && total <= 0 {
		return errors.New("persona effect weights sum to zero")
	}
	return nil
}
