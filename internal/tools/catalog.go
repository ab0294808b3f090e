// Package tools holds the workspace tool catalog: an ordered set of named
// tools, group aliases, and the filtering rules applied per sub-agent spawn.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"

	"github.com/nextlevelbuilder/agentfleet/internal/invoker"
)

// SubagentExcluded lists tools a sub-agent never receives, regardless of
// the spawn's allowed_tools. Names ending in "*" match by prefix.
var SubagentExcluded = []string{
	"spawn",
	"list_subagents",
	"get_result",
	"cancel",
	"request_followup",
	"send_message",
	"send_file",
	"schedule_*",
}

// Catalog is an ordered tool collection with group aliases. Order is the
// registration order and is preserved through every filter.
type Catalog struct {
	tools  []invoker.Tool
	byName map[string]invoker.Tool
	groups map[string][]string
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byName: make(map[string]invoker.Tool),
		groups: make(map[string][]string),
	}
}

// Register appends a tool. Re-registering a name replaces the tool in place.
func (c *Catalog) Register(t invoker.Tool) {
	name := t.Name()
	if _, ok := c.byName[name]; ok {
		for i, existing := range c.tools {
			if existing.Name() == name {
				c.tools[i] = t
				break
			}
		}
	} else {
		c.tools = append(c.tools, t)
	}
	c.byName[name] = t
}

// DefineGroup maps "group:<name>" to a list of tool names.
func (c *Catalog) DefineGroup(name string, toolNames ...string) {
	c.groups[name] = toolNames
}

// All returns the catalog in registration order.
func (c *Catalog) All() []invoker.Tool {
	return slices.Clone(c.tools)
}

// Get looks a tool up by name.
func (c *Catalog) Get(name string) (invoker.Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Resolve expands a mixed list of tool names and "group:<name>" aliases to
// plain tool names. Unknown names and groups are kept; Filter warns on them.
func (c *Catalog) Resolve(names []string) []string {
	var out []string
	for _, n := range names {
		if g, ok := strings.CutPrefix(n, "group:"); ok {
			if members, found := c.groups[g]; found {
				out = append(out, members...)
			} else {
				out = append(out, n)
			}
			continue
		}
		out = append(out, n)
	}
	return out
}

// Filter applies allow and deny lists to the catalog and returns the
// surviving tools in catalog order. A nil allow list admits everything.
// Unknown names in either list produce a warning and are ignored.
func (c *Catalog) Filter(allowed, denied []string) []invoker.Tool {
	allowed = c.Resolve(allowed)
	denied = c.Resolve(denied)
	for _, n := range append(slices.Clone(allowed), denied...) {
		if _, ok := c.byName[n]; !ok && !strings.HasSuffix(n, "*") {
			slog.Warn("tool filter references unknown tool", "name", n)
		}
	}

	var out []invoker.Tool
	for _, t := range c.tools {
		name := t.Name()
		if allowed != nil && !matchAny(name, allowed) {
			continue
		}
		if matchAny(name, denied) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ForSubagent filters for a sub-agent spawn: allow, deny, then the
// unconditional exclusion list.
func (c *Catalog) ForSubagent(allowed, denied []string) []invoker.Tool {
	filtered := c.Filter(allowed, denied)
	var out []invoker.Tool
	for _, t := range filtered {
		if matchAny(t.Name(), SubagentExcluded) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// matchAny reports whether name matches any pattern. A trailing "*" in a
// pattern matches by prefix.
func matchAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
	}
	return false
}

// FuncTool adapts a function into an invoker.Tool.
type FuncTool struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Fn       func(ctx context.Context, input json.RawMessage) (string, error)
}

func (f *FuncTool) Name() string                { return f.ToolName }
func (f *FuncTool) Description() string         { return f.Desc }
func (f *FuncTool) InputSchema() map[string]any { return f.Schema }

func (f *FuncTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return f.Fn(ctx, input)
}
