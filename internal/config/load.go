package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentFile is the prompt file that marks a directory as a workspace.
const AgentFile = "AGENT.md"

// WorkspaceFile is the per-workspace config file name.
const WorkspaceFile = "workspace.yaml"

// LoadFleet reads the fleet file. A missing file yields a usable default
// rooted at "workspaces".
func LoadFleet(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Fleet{WorkspacesRoot: "workspaces"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fleet config: %w", err)
	}

	var f Fleet
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet config: %w", err)
	}
	if f.WorkspacesRoot == "" {
		f.WorkspacesRoot = "workspaces"
	}
	return &f, nil
}

// LoadWorkspace reads <dir>/workspace.yaml, applies fleet defaults, resolves
// the channel token from the environment, and validates. The workspace name
// defaults to the directory base name.
func LoadWorkspace(dir string, defaults Workspace) (*Workspace, error) {
	var w Workspace

	data, err := os.ReadFile(filepath.Join(dir, WorkspaceFile))
	switch {
	case os.IsNotExist(err):
		// Bare workspace: AGENT.md only, everything defaulted.
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", WorkspaceFile, err)
	default:
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("parse %s: %w", WorkspaceFile, err)
		}
	}

	if w.Name == "" {
		w.Name = filepath.Base(dir)
	}
	w.Path = dir
	w.ApplyDefaults(defaults)
	w.Channel.Token = channelToken(w.Name, w.Channel.Type)

	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// channelToken resolves the bot token from the environment:
// AGENTFLEET_<WORKSPACE>_TOKEN first, then the channel-wide
// AGENTFLEET_<CHANNEL>_TOKEN.
func channelToken(workspace, channelType string) string {
	key := "AGENTFLEET_" + strings.ToUpper(strings.ReplaceAll(workspace, "-", "_")) + "_TOKEN"
	if v := os.Getenv(key); v != "" {
		return v
	}
	if channelType != "" {
		if v := os.Getenv("AGENTFLEET_" + strings.ToUpper(channelType) + "_TOKEN"); v != "" {
			return v
		}
	}
	return ""
}

// LoadCronDefinitions reads every YAML file under <dir>/cron. Files that
// fail to parse or validate are skipped with a warning so that one bad job
// never takes the workspace down.
func LoadCronDefinitions(dir string) []CronDefinition {
	cronDir := filepath.Join(dir, "cron")
	entries, err := os.ReadDir(cronDir)
	if err != nil {
		return nil
	}

	var defs []CronDefinition
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		path := filepath.Join(cronDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("cron: unreadable definition", "file", path, "error", err)
			continue
		}
		var def CronDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			slog.Warn("cron: unparseable definition", "file", path, "error", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		if seen[def.Name] {
			slog.Warn("cron: duplicate job name, skipping", "name", def.Name, "file", path)
			continue
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
