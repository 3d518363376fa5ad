// Package persona holds the catalogue of AI characters a user can talk to.
//
// A persona fixes the base instructions placed in every system prompt and the
// completion backend its conversation uses. The catalogue is static for the
// lifetime of a process: two built-in personas, optionally replaced or
// extended by a YAML file:
//
//	personas:
//	  - id: bestie
//	    name: Bestie
//	    backend: openai
//	    model: gpt-4o-mini
//	    sampling:
//	      temperature: 0.9
//	      max_tokens: 800
//	    instructions: |
//	      You are Bestie, ...
package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/completion"
)

// GenericInstructions is used for a persona the catalogue does not know.
const GenericInstructions = "You are a kind, attentive assistant. " +
	"Answer the user's message helpfully and keep a warm, supportive tone."

// Sampling mirrors completion.Sampling with YAML tags. Zero fields take the
// completion defaults.
type Sampling struct {
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
}

// Persona is one AI character.
type Persona struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Backend      string   `yaml:"backend"`
	Model        string   `yaml:"model"`
	Sampling     Sampling `yaml:"sampling"`
	Instructions string   `yaml:"instructions"`
}

// CompletionSampling returns the persona's sampling parameters with
// completion.DefaultSampling filling unset fields.
func (p Persona) CompletionSampling() completion.Sampling {
	s := completion.DefaultSampling
	if p.Sampling.Temperature > 0 {
		s.Temperature = p.Sampling.Temperature
	}
	if p.Sampling.MaxTokens > 0 {
		s.MaxTokens = p.Sampling.MaxTokens
	}
	if p.Sampling.TopP > 0 {
		s.TopP = p.Sampling.TopP
	}
	if p.Sampling.FrequencyPenalty != 0 {
		s.FrequencyPenalty = p.Sampling.FrequencyPenalty
	}
	if p.Sampling.PresencePenalty != 0 {
		s.PresencePenalty = p.Sampling.PresencePenalty
	}
	return s
}

func (p Persona) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("id must not be empty")
	}
	switch p.Backend {
	case completion.BackendOpenAI, completion.BackendAnthropic:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q",
			completion.BackendOpenAI, completion.BackendAnthropic, p.Backend)
	}
	if strings.TrimSpace(p.Instructions) == "" {
		return fmt.Errorf("instructions must not be empty")
	}
	return nil
}

// Catalog is a read-only set of personas keyed by id.
type Catalog struct {
	byID map[string]Persona
}

// Builtin returns the catalogue shipped with the binary.
func Builtin() *Catalog {
	c, err := New(builtins...)
	if err != nil {
		panic(fmt.Sprintf("persona: invalid built-in catalogue: %v", err))
	}
	return c
}

// New builds a catalogue from ps. Ids must be unique.
func New(ps ...Persona) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Persona, len(ps))}
	for i, p := range ps {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("persona: personas[%d] (%q): %w", i, p.ID, err)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("persona: duplicate id %q", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		c.byID[p.ID] = p
	}
	return c, nil
}

type file struct {
	Personas []Persona `yaml:"personas"`
}

// Parse decodes a YAML catalogue. Entries override built-ins with the same
// id; other built-ins are kept.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("persona: parse: %w", err)
	}
	if len(f.Personas) == 0 {
		return nil, fmt.Errorf("persona: parse: no personas defined")
	}

	merged := make([]Persona, 0, len(builtins)+len(f.Personas))
	overridden := make(map[string]bool, len(f.Personas))
	for _, p := range f.Personas {
		overridden[p.ID] = true
	}
	for _, p := range builtins {
		if !overridden[p.ID] {
			merged = append(merged, p)
		}
	}
	merged = append(merged, f.Personas...)
	return New(merged...)
}

// Load reads and parses the YAML catalogue at path. An empty path returns
// the built-in catalogue.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	return Parse(data)
}

// Lookup returns the persona with id.
func (c *Catalog) Lookup(id string) (Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Instructions returns the base instructions for id, or GenericInstructions
// when the persona is unknown.
func (c *Catalog) Instructions(id string) string {
	if p, ok := c.byID[id]; ok {
		return p.Instructions
	}
	return GenericInstructions
}

// IDs returns the persona ids in lexical order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every persona ordered by id.
func (c *Catalog) All() []Persona {
	out := make([]Persona, 0, len(c.byID))
	for _, id := range c.IDs() {
		out = append(out, c.byID[id])
	}
	return out
}
