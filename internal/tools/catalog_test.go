package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func fakeTool(name string) *FuncTool {
	return &FuncTool{
		ToolName: name,
		Desc:     name,
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			return "", nil
		},
	}
}

func catalogNames(c *Catalog, allowed, denied []string) []string {
	var out []string
	for _, t := range c.Filter(allowed, denied) {
		out = append(out, t.Name())
	}
	return out
}

func newTestCatalog() *Catalog {
	c := NewCatalog()
	for _, n := range []string{"read_file", "write_file", "web_search", "spawn", "send_message", "schedule_cron"} {
		c.Register(fakeTool(n))
	}
	c.DefineGroup("files", "read_file", "write_file")
	return c
}

func TestFilterPreservesOrder(t *testing.T) {
	c := newTestCatalog()
	got := catalogNames(c, nil, nil)
	want := []string{"read_file", "write_file", "web_search", "spawn", "send_message", "schedule_cron"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestFilterAllowList(t *testing.T) {
	c := newTestCatalog()
	got := catalogNames(c, []string{"web_search", "read_file"}, nil)
	// Catalog order wins over allow-list order.
	if len(got) != 2 || got[0] != "read_file" || got[1] != "web_search" {
		t.Errorf("got %v", got)
	}
}

func TestFilterDenyList(t *testing.T) {
	c := newTestCatalog()
	got := catalogNames(c, nil, []string{"web_search"})
	for _, n := range got {
		if n == "web_search" {
			t.Error("denied tool survived")
		}
	}
}

func TestResolveGroups(t *testing.T) {
	c := newTestCatalog()
	got := c.Resolve([]string{"group:files", "web_search"})
	want := []string{"read_file", "write_file", "web_search"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFilterUnknownNamesIgnored(t *testing.T) {
	c := newTestCatalog()
	got := catalogNames(c, []string{"read_file", "no_such_tool"}, []string{"also_missing"})
	if len(got) != 1 || got[0] != "read_file" {
		t.Errorf("got %v", got)
	}
}

func TestForSubagentAlwaysStripsExcluded(t *testing.T) {
	c := newTestCatalog()

	// Even an explicit allow list cannot re-admit excluded tools.
	got := c.ForSubagent([]string{"spawn", "send_message", "schedule_cron", "read_file"}, nil)
	if len(got) != 1 || got[0].Name() != "read_file" {
		var ns []string
		for _, t2 := range got {
			ns = append(ns, t2.Name())
		}
		t.Errorf("got %v", ns)
	}
}

func TestScheduleWildcardExclusion(t *testing.T) {
	if !matchAny("schedule_cron", SubagentExcluded) {
		t.Error("schedule_* did not match schedule_cron")
	}
	if matchAny("read_file", SubagentExcluded) {
		t.Error("read_file wrongly excluded")
	}
}
