// Package policy classifies proposed tool calls as auto-executable or
// requiring explicit user confirmation.
package policy

import (
	"fmt"
	"sort"
)

// Decision is the outcome of classifying a single tool call.
type Decision int

const (
	// Auto means the tool call may execute without user confirmation.
	Auto Decision = iota
	// Confirm means the tool call must be approved by the user first.
	Confirm
)

func (d Decision) String() string {
	if d == Auto {
		return "auto"
	}
	return "confirm"
}

// Catalog is the partition of known tool names into auto and
// confirm-required sets. It is built once at startup from config and
// is immutable afterwards.
type Catalog struct {
	decisions map[string]Decision
}

// NewCatalog builds a catalog from the two name lists. A name listed
// twice, or in both lists, is a configuration error.
func NewCatalog(auto, confirm []string) (*Catalog, error) {
	c := &Catalog{decisions: make(map[string]Decision)}
	for _, name := range auto {
		if _, dup := c.decisions[name]; dup {
			return nil, fmt.Errorf("tool %q listed more than once in approval policy", name)
		}
		c.decisions[name] = Auto
	}
	for _, name := range confirm {
		if _, dup := c.decisions[name]; dup {
			return nil, fmt.Errorf("tool %q listed more than once in approval policy", name)
		}
		c.decisions[name] = Confirm
	}
	return c, nil
}

// Classify returns the decision for a tool name. Unknown names are
// treated as confirm-required; the safe failure mode for an
// unclassified action is to ask.
func (c *Catalog) Classify(name string) Decision {
	d, ok := c.decisions[name]
	if !ok {
		return Confirm
	}
	return d
}

// Names returns every tool name the catalog covers, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.decisions))
	for name := range c.decisions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the catalog against the set of registered tools in
// both directions: every catalog entry must name a registered tool,
// and every registered tool must be classified.
func (c *Catalog) Validate(registered []string) error {
	have := make(map[string]bool, len(registered))
	for _, name := range registered {
		have[name] = true
	}
	for name := range c.decisions {
		if !have[name] {
			return fmt.Errorf("approval policy names unregistered tool %q", name)
		}
	}
	for _, name := range registered {
		if _, ok := c.decisions[name]; !ok {
			return fmt.Errorf("registered tool %q missing from approval policy", name)
		}
	}
	return nil
}
