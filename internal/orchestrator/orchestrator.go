// Package orchestrator manages the fleet of workspace runners: discovery,
// concurrent start/stop with failure isolation, and config-watch restarts.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentfleet/internal/config"
	"github.com/nextlevelbuilder/agentfleet/internal/runner"
)

// ErrUnknownWorkspace is returned for per-workspace operations on names the
// orchestrator has not loaded.
var ErrUnknownWorkspace = errors.New("orchestrator: unknown workspace")

// Builder constructs a fresh runner for a workspace. Called on every start
// and restart, since a runner's lifecycle is one-shot.
type Builder func(ws *config.Workspace) (*runner.Runner, error)

type managed struct {
	ws *config.Workspace

	mu sync.Mutex
	r  *runner.Runner
}

// Orchestrator owns all runners. Workspaces share nothing; operations on
// different workspaces never serialize against each other.
type Orchestrator struct {
	root     string
	defaults config.Workspace
	build    Builder
	logger   *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*managed
}

// New builds an orchestrator over the workspaces root.
func New(root string, defaults config.Workspace, build Builder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		root:       root,
		defaults:   defaults,
		build:      build,
		logger:     logger,
		workspaces: make(map[string]*managed),
	}
}

// Discover scans root for workspace directories: a directory whose name
// matches the workspace pattern and which contains AGENT.md. Returns sorted
// names.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("discover workspaces: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !config.WorkspaceNamePattern.MatchString(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), config.AgentFile)); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Load discovers and loads every enabled workspace configuration. Invalid
// workspaces are skipped with a warning.
func (o *Orchestrator) Load() error {
	names, err := Discover(o.root)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range names {
		ws, err := config.LoadWorkspace(filepath.Join(o.root, name), o.defaults)
		if err != nil {
			o.logger.Warn("workspace config invalid, skipping", "workspace", name, "error", err)
			continue
		}
		if !ws.IsEnabled() {
			o.logger.Info("workspace disabled, skipping", "workspace", name)
			continue
		}
		o.workspaces[ws.Name] = &managed{ws: ws}
	}
	return nil
}

// Names returns the loaded workspace names, sorted.
func (o *Orchestrator) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.workspaces))
	for name := range o.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every loaded workspace concurrently. Failures are
// collected and joined; runners that started stay running.
func (o *Orchestrator) StartAll() error {
	o.mu.Lock()
	all := make([]*managed, 0, len(o.workspaces))
	for _, m := range o.workspaces {
		all = append(all, m)
	}
	o.mu.Unlock()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, m := range all {
		m := m
		g.Go(func() error {
			if err := o.startOne(m); err != nil {
				o.logger.Error("workspace start failed", "workspace", m.ws.Name, "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m.ws.Name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// StopAll stops every workspace concurrently. Never fails.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	all := make([]*managed, 0, len(o.workspaces))
	for _, m := range o.workspaces {
		all = append(all, m)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, m := range all {
		m := m
		g.Go(func() error {
			o.stopOne(m)
			return nil
		})
	}
	g.Wait()
}

// StartWorkspace starts one workspace by name.
func (o *Orchestrator) StartWorkspace(name string) error {
	m, err := o.get(name)
	if err != nil {
		return err
	}
	return o.startOne(m)
}

// StopWorkspace stops one workspace by name.
func (o *Orchestrator) StopWorkspace(name string) error {
	m, err := o.get(name)
	if err != nil {
		return err
	}
	o.stopOne(m)
	return nil
}

// RestartWorkspace reloads the workspace config and replaces the runner.
func (o *Orchestrator) RestartWorkspace(name string) error {
	m, err := o.get(name)
	if err != nil {
		return err
	}
	o.stopOne(m)

	ws, err := config.LoadWorkspace(filepath.Join(o.root, name), o.defaults)
	if err != nil {
		return fmt.Errorf("reload %s: %w", name, err)
	}
	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	if !ws.IsEnabled() {
		o.logger.Info("workspace disabled on reload, leaving stopped", "workspace", name)
		return nil
	}
	return o.startOne(m)
}

// Runner exposes the live runner for a workspace, or nil.
func (o *Orchestrator) Runner(name string) *runner.Runner {
	m, err := o.get(name)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r
}

func (o *Orchestrator) get(name string) (*managed, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.workspaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, name)
	}
	return m, nil
}

func (o *Orchestrator) startOne(m *managed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.r != nil && m.r.State() == runner.StateRunning {
		return nil
	}
	r, err := o.build(m.ws)
	if err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	m.r = r
	return nil
}

func (o *Orchestrator) stopOne(m *managed) {
	m.mu.Lock()
	r := m.r
	m.r = nil
	m.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}
