// Package catalog holds the tool inventory discovered from a running tool
// server and repairs the tool names a language model produces against it.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/proxysleuth/sleuth/pkg/mcp"
)

// Property describes a single parameter within a tool's input schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// InputSchema is the JSON-schema subset tool servers publish for arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Descriptor is one tool as advertised by the server.
type Descriptor struct {
	Name        string
	Description string
	Schema      InputSchema
}

// Lister is the discovery surface the catalog needs from a session.
type Lister interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// Catalog is the set of tools available for a session. It is populated once
// via Discover and read-only afterwards.
type Catalog struct {
	mu          sync.RWMutex
	descriptors []Descriptor
	byName      map[string]Descriptor
}

// Discover queries the server's tool list and builds a catalog from it. A
// server that exposes no tools is unusable, so an empty list is an error.
func Discover(ctx context.Context, lister Lister) (*Catalog, error) {
	defs, err := lister.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: discover tools: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("catalog: server exposes no tools")
	}

	c := &Catalog{byName: make(map[string]Descriptor, len(defs))}
	for _, def := range defs {
		d := Descriptor{Name: def.Name, Description: def.Description}
		if len(def.InputSchema) > 0 {
			// A schema that fails to parse still leaves a usable tool,
			// just without parameter documentation.
			_ = json.Unmarshal(def.InputSchema, &d.Schema)
		}
		c.descriptors = append(c.descriptors, d)
		c.byName[d.Name] = d
	}
	return c, nil
}

// FromDescriptors builds a catalog directly. Used by tests and embedded
// servers that know their tools up front.
func FromDescriptors(descriptors []Descriptor) *Catalog {
	c := &Catalog{byName: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		c.descriptors = append(c.descriptors, d)
		c.byName[d.Name] = d
	}
	return c
}

// Lookup returns the descriptor registered under the exact name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[name]
	return d, ok
}

// Names returns tool names in discovery order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		names = append(names, d.Name)
	}
	return names
}

// Len reports the number of tools in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.descriptors)
}

// Render formats the catalog for inclusion in a model prompt: a numbered
// list with descriptions and parameter documentation.
func (c *Catalog) Render() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.descriptors) == 0 {
		return "No tools available."
	}

	var b strings.Builder
	b.WriteString("Available tools:\n\n")
	for i, d := range c.descriptors {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d.Name)
		desc := d.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "   Description: %s\n", desc)

		if len(d.Schema.Properties) > 0 {
			b.WriteString("   Parameters:\n")
			required := make(map[string]bool, len(d.Schema.Required))
			for _, r := range d.Schema.Required {
				required[r] = true
			}
			params := make([]string, 0, len(d.Schema.Properties))
			for name := range d.Schema.Properties {
				params = append(params, name)
			}
			sort.Strings(params)
			for _, name := range params {
				p := d.Schema.Properties[name]
				kind := p.Type
				if kind == "" {
					kind = "any"
				}
				need := "optional"
				if required[name] {
					need = "required"
				}
				fmt.Fprintf(&b, "     - %s (%s, %s): %s\n", name, kind, need, p.Description)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// NamesBlock renders a compact reminder of the exact valid tool names. It is
// repeated in follow-up prompts to keep the model from inventing names.
func (c *Catalog) NamesBlock() string {
	names := c.Names()
	if len(names) == 0 {
		return ""
	}
	return "AVAILABLE TOOLS (use ONLY these exact names):\n- " + strings.Join(names, "\n- ")
}
