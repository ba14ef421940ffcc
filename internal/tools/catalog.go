package tools

import (
	"fmt"
	"sort"
)

// Catalog is the process-wide table of tool definitions, filled once at
// startup. Responders pick subsets of it into their own registries.
type Catalog struct {
	tools map[string]*Tool
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]*Tool)}
}

// Add registers a definition. A repeated name returns *DuplicateToolError.
func (c *Catalog) Add(t *Tool) error {
	if _, exists := c.tools[t.Name]; exists {
		return &DuplicateToolError{Name: t.Name}
	}
	c.tools[t.Name] = t
	return nil
}

// Lookup returns a definition by name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names returns all tool names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tools))
	for n := range c.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CostOf returns the per-call service cost of a tool, or zero if the
// tool is unknown.
func (c *Catalog) CostOf(name string) float64 {
	if t, ok := c.tools[name]; ok {
		return t.CostPerCall
	}
	return 0
}

// Registry builds a registry holding the named tools.
func (c *Catalog) Registry(names []string, opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	for _, n := range names {
		t, ok := c.tools[n]
		if !ok {
			return nil, fmt.Errorf("build registry: %w", &ErrToolUnavailable{ToolName: n})
		}
		if err := r.Register(t); err != nil {
			return nil, fmt.Errorf("build registry: %w", err)
		}
	}
	return r, nil
}
