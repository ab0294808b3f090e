package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/agentfleet/internal/config"
)

// watchDebounce coalesces editor write bursts into one restart.
const watchDebounce = 2 * time.Second

// Watch restarts a workspace when its workspace.yaml changes. Blocks until
// ctx is cancelled. Prompt-file edits are intentionally ignored; prompts
// are re-read on every dispatch.
func (o *Orchestrator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, name := range o.Names() {
		if err := w.Add(filepath.Join(o.root, name)); err != nil {
			o.logger.Warn("watch add failed", "workspace", name, "error", err)
		}
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != config.WorkspaceFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(filepath.Dir(ev.Name))
			mu.Lock()
			if t, ok := timers[name]; ok {
				t.Reset(watchDebounce)
			} else {
				timers[name] = time.AfterFunc(watchDebounce, func() {
					mu.Lock()
					delete(timers, name)
					mu.Unlock()
					o.logger.Info("workspace config changed, restarting", "workspace", name)
					if err := o.RestartWorkspace(name); err != nil {
						o.logger.Error("restart after config change failed", "workspace", name, "error", err)
					}
				})
			}
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("watch error", "error", err)
		}
	}
}
