// Package responder holds the static table of responders, built once
// from configuration. Each persona has at most one query responder and
// at most one specialist responder.
package responder

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/quarry/internal/config"
	"github.com/nugget/quarry/internal/tools"
)

// Kind distinguishes responders of one persona.
type Kind string

// Responder kinds.
const (
	KindQuery      Kind = "query"
	KindSpecialist Kind = "specialist"
)

// Responder is an immutable responder definition with its tool
// registry.
type Responder struct {
	Name          string
	Persona       string
	Kind          Kind
	SystemPrompt  string
	Model         string
	Timeout       time.Duration
	MaxIterations int
	MaxTokens     int
	Tools         *tools.Registry
}

// Info is the public description of a responder.
type Info struct {
	Name          string        `json:"name"`
	Persona       string        `json:"persona"`
	Kind          Kind          `json:"kind"`
	Model         string        `json:"model"`
	Timeout       time.Duration `json:"timeout"`
	MaxIterations int           `json:"max_iterations"`
	Tools         []string      `json:"tools"`
}

// Info describes r.
func (r *Responder) Info() Info {
	return Info{
		Name:          r.Name,
		Persona:       r.Persona,
		Kind:          r.Kind,
		Model:         r.Model,
		Timeout:       r.Timeout,
		MaxIterations: r.MaxIterations,
		Tools:         r.Tools.Names(),
	}
}

// Set is the responders available to one persona. Either field may be
// nil, never both.
type Set struct {
	Query      *Responder
	Specialist *Responder
}

// UnknownPersonaError is returned for a persona outside the configured
// set.
type UnknownPersonaError struct {
	Persona string
}

func (e *UnknownPersonaError) Error() string {
	return fmt.Sprintf("unknown persona %q", e.Persona)
}

// Registry maps personas to responders. Read-only after NewRegistry.
type Registry struct {
	sets     map[string]Set
	personas []string
	all      []*Responder
}

// Option configures registry construction.
type Option func(*options)

type options struct {
	authorizer tools.Authorizer
	logger     *slog.Logger
}

// WithAuthorizer gates every responder's tool calls through a.
func WithAuthorizer(a tools.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithLogger sets the logger used during construction and by tool
// registries.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

const defaultPrompt = "You answer business questions for the %s persona. " +
	"Use the available tools to fetch data; never invent figures. " +
	"Answer concisely and state any assumption you made."

// NewRegistry builds the table from cfg, in configuration order,
// skipping disabled entries. Tools are taken from catalog by name.
func NewRegistry(cfg *config.Config, catalog *tools.Catalog, opts ...Option) (*Registry, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	reg := &Registry{sets: make(map[string]Set, len(cfg.Personas))}
	configured := make(map[string]bool, len(cfg.Personas))
	for _, p := range cfg.Personas {
		configured[p] = true
	}

	regOpts := []tools.Option{tools.WithLogger(o.logger)}
	if o.authorizer != nil {
		regOpts = append(regOpts, tools.WithAuthorizer(o.authorizer))
	}

	for _, rc := range cfg.Responders {
		if rc.Disabled {
			o.logger.Info("responder disabled, skipping", "responder", rc.Name)
			continue
		}
		if !configured[rc.Persona] {
			return nil, fmt.Errorf("responder %s: %w", rc.Name, &UnknownPersonaError{Persona: rc.Persona})
		}

		toolReg, err := catalog.Registry(rc.Tools, regOpts...)
		if err != nil {
			return nil, fmt.Errorf("responder %s: %w", rc.Name, err)
		}

		r := &Responder{
			Name:          rc.Name,
			Persona:       rc.Persona,
			Kind:          Kind(rc.Kind),
			SystemPrompt:  rc.SystemPrompt,
			Model:         rc.Model,
			Timeout:       rc.Timeout,
			MaxIterations: rc.MaxIterations,
			MaxTokens:     rc.MaxTokens,
			Tools:         toolReg,
		}
		if r.SystemPrompt == "" {
			r.SystemPrompt = fmt.Sprintf(defaultPrompt, rc.Persona)
		}
		if r.Model == "" {
			r.Model = cfg.Models.Default
		}
		if r.Timeout <= 0 {
			r.Timeout = cfg.Agent.Timeout
		}
		if r.MaxIterations <= 0 {
			r.MaxIterations = cfg.Agent.MaxIterations
		}
		if r.MaxTokens <= 0 {
			r.MaxTokens = cfg.Agent.MaxTokens
		}

		set := reg.sets[rc.Persona]
		switch r.Kind {
		case KindQuery:
			if set.Query != nil {
				return nil, fmt.Errorf("responder %s: persona %s already has query responder %s", rc.Name, rc.Persona, set.Query.Name)
			}
			set.Query = r
		case KindSpecialist:
			if set.Specialist != nil {
				return nil, fmt.Errorf("responder %s: persona %s already has specialist responder %s", rc.Name, rc.Persona, set.Specialist.Name)
			}
			set.Specialist = r
		default:
			return nil, fmt.Errorf("responder %s: unknown kind %q", rc.Name, rc.Kind)
		}
		reg.sets[rc.Persona] = set
		reg.all = append(reg.all, r)

		o.logger.Debug("responder registered",
			"responder", r.Name,
			"persona", r.Persona,
			"kind", r.Kind,
			"model", r.Model,
			"tools", toolReg.Len(),
		)
	}

	for _, p := range cfg.Personas {
		if _, ok := reg.sets[p]; !ok {
			return nil, fmt.Errorf("persona %s has no enabled responder", p)
		}
		reg.personas = append(reg.personas, p)
	}
	sort.Strings(reg.personas)

	return reg, nil
}

// Resolve returns the responders for persona.
func (r *Registry) Resolve(persona string) (Set, error) {
	set, ok := r.sets[persona]
	if !ok {
		return Set{}, &UnknownPersonaError{Persona: persona}
	}
	return set, nil
}

// Personas lists configured personas, sorted.
func (r *Registry) Personas() []string {
	out := make([]string, len(r.personas))
	copy(out, r.personas)
	return out
}

// Responders returns every enabled responder in configuration order.
func (r *Registry) Responders() []*Responder {
	out := make([]*Responder, len(r.all))
	copy(out, r.all)
	return out
}
