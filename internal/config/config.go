// Package config defines the fleet and workspace configuration model.
//
// The fleet file names the workspaces root and telemetry settings; each
// workspace directory carries a workspace.yaml plus prompt files (AGENT.md,
// USER.md, SOUL.md, HEARTBEAT.md) and a cron/ directory of job definitions.
package config

import (
	"fmt"
	"regexp"
	"time"
)

// WorkspaceNamePattern constrains workspace names.
var WorkspaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError reports a rejected configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Fleet is the root configuration.
type Fleet struct {
	WorkspacesRoot string          `yaml:"workspaces_root"`
	Telemetry      TelemetryConfig `yaml:"telemetry,omitempty"`
	Defaults       Workspace       `yaml:"defaults,omitempty"`
}

// TelemetryConfig configures OTLP span export. Off by default.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`     // e.g. "localhost:4318"
	Protocol    string `yaml:"protocol,omitempty"`     // "http" (default) or "grpc"
	Insecure    bool   `yaml:"insecure,omitempty"`     // skip TLS (local collectors)
	ServiceName string `yaml:"service_name,omitempty"` // default "agentfleet"
}

// Workspace is the per-workspace configuration loaded from workspace.yaml.
type Workspace struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"-"` // set by the loader, not persisted
	Enabled *bool  `yaml:"enabled,omitempty"`

	Provider    string  `yaml:"provider,omitempty"` // "anthropic" (default)
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTurns    int     `yaml:"max_turns,omitempty"`

	QueueMode  string `yaml:"queue_mode,omitempty"` // collect (default), steer, followup, interrupt
	DebounceMs int    `yaml:"debounce_ms,omitempty"`

	Lanes     LaneSettings     `yaml:"lanes,omitempty"`
	Subagents SubagentSettings `yaml:"subagents,omitempty"`
	Channel   ChannelConfig    `yaml:"channel"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat,omitempty"`

	// StopGraceSeconds bounds the main-lane drain during Stop (default 30).
	StopGraceSeconds int `yaml:"stop_grace_seconds,omitempty"`
}

// IsEnabled treats a missing enabled field as true.
func (w *Workspace) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// LaneSettings sizes the dispatch lanes.
type LaneSettings struct {
	MainConcurrency     int    `yaml:"main_concurrency,omitempty"`     // default 1
	SubagentConcurrency int    `yaml:"subagent_concurrency,omitempty"` // default 8
	CronConcurrency     int    `yaml:"cron_concurrency,omitempty"`     // default 1
	Cap                 int    `yaml:"cap,omitempty"`                  // default 20, per lane
	DropPolicy          string `yaml:"drop_policy,omitempty"`          // oldest (default), newest, reject
}

// SubagentSettings bounds the sub-agent subsystem.
type SubagentSettings struct {
	MaxConcurrent  int `yaml:"max_concurrent,omitempty"`  // default 8
	TimeoutMinutes int `yaml:"timeout_minutes,omitempty"` // default 30, range 1-120
	MaxAgeHours    int `yaml:"max_age_hours,omitempty"`   // default 24, record retention
}

// ChannelConfig is the single channel binding for a workspace.
type ChannelConfig struct {
	Type  string `yaml:"type"`            // "telegram" or "discord"
	Token string `yaml:"-"`               // env only, never persisted
	Proxy string `yaml:"proxy,omitempty"` // optional HTTP proxy (telegram)

	AllowFrom []string `yaml:"allow_from,omitempty"` // sender allowlist, empty = all
}

// HeartbeatConfig schedules periodic self-prompts on the cron lane.
type HeartbeatConfig struct {
	Every  string          `yaml:"every,omitempty"` // Go duration, "" or "0m" = disabled
	Output OutputRouteYAML `yaml:"output,omitempty"`
}

// Interval parses Every; zero means disabled.
func (h HeartbeatConfig) Interval() time.Duration {
	if h.Every == "" {
		return 0
	}
	d, err := time.ParseDuration(h.Every)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// OutputRouteYAML mirrors bus.OutputRoute for YAML config files.
type OutputRouteYAML struct {
	Channel   string `yaml:"channel,omitempty"`
	ChatID    string `yaml:"chat_id,omitempty"`
	GuildID   string `yaml:"guild_id,omitempty"`
	ChannelID string `yaml:"channel_id,omitempty"`
}

// CronDefinition is one scheduled prompt, loaded from cron/<name>.yaml.
type CronDefinition struct {
	Name     string          `yaml:"name"`
	Schedule string          `yaml:"schedule"` // five-field cron expression
	Enabled  bool            `yaml:"enabled"`
	Prompt   string          `yaml:"prompt"`
	Output   OutputRouteYAML `yaml:"output"`
}

// Validate checks the workspace configuration; it does not touch the
// filesystem.
func (w *Workspace) Validate() error {
	if !WorkspaceNamePattern.MatchString(w.Name) {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("%q must match %s", w.Name, WorkspaceNamePattern)}
	}
	switch w.QueueMode {
	case "", "collect", "steer", "followup", "interrupt":
	default:
		return &ValidationError{Field: "queue_mode", Reason: fmt.Sprintf("unknown mode %q", w.QueueMode)}
	}
	switch w.Lanes.DropPolicy {
	case "", "oldest", "newest", "reject":
	default:
		return &ValidationError{Field: "lanes.drop_policy", Reason: fmt.Sprintf("unknown policy %q", w.Lanes.DropPolicy)}
	}
	if t := w.Subagents.TimeoutMinutes; t != 0 && (t < 1 || t > 120) {
		return &ValidationError{Field: "subagents.timeout_minutes", Reason: "must be 1-120"}
	}
	switch w.Channel.Type {
	case "", "telegram", "discord":
	default:
		return &ValidationError{Field: "channel.type", Reason: fmt.Sprintf("unknown channel %q", w.Channel.Type)}
	}
	return nil
}

// ApplyDefaults fills zero values from the fleet defaults and the built-in
// fallbacks.
func (w *Workspace) ApplyDefaults(def Workspace) {
	if w.Provider == "" {
		w.Provider = firstNonEmpty(def.Provider, "anthropic")
	}
	if w.Model == "" {
		w.Model = def.Model
	}
	if w.Temperature == 0 {
		w.Temperature = def.Temperature
	}
	if w.MaxTurns == 0 {
		w.MaxTurns = pick(def.MaxTurns, 20)
	}
	if w.QueueMode == "" {
		w.QueueMode = firstNonEmpty(def.QueueMode, "collect")
	}
	if w.DebounceMs == 0 {
		w.DebounceMs = pick(def.DebounceMs, 800)
	}
	if w.Lanes.MainConcurrency == 0 {
		w.Lanes.MainConcurrency = pick(def.Lanes.MainConcurrency, 1)
	}
	if w.Lanes.SubagentConcurrency == 0 {
		w.Lanes.SubagentConcurrency = pick(def.Lanes.SubagentConcurrency, 8)
	}
	if w.Lanes.CronConcurrency == 0 {
		w.Lanes.CronConcurrency = pick(def.Lanes.CronConcurrency, 1)
	}
	if w.Lanes.Cap == 0 {
		w.Lanes.Cap = pick(def.Lanes.Cap, 20)
	}
	if w.Lanes.DropPolicy == "" {
		w.Lanes.DropPolicy = firstNonEmpty(def.Lanes.DropPolicy, "oldest")
	}
	if w.Subagents.MaxConcurrent == 0 {
		w.Subagents.MaxConcurrent = pick(def.Subagents.MaxConcurrent, 8)
	}
	if w.Subagents.TimeoutMinutes == 0 {
		w.Subagents.TimeoutMinutes = pick(def.Subagents.TimeoutMinutes, 30)
	}
	if w.Subagents.MaxAgeHours == 0 {
		w.Subagents.MaxAgeHours = pick(def.Subagents.MaxAgeHours, 24)
	}
	if w.StopGraceSeconds == 0 {
		w.StopGraceSeconds = pick(def.StopGraceSeconds, 30)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func pick(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
