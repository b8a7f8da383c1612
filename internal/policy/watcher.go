package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called before a new rule set is installed. An error keeps
// the current rules in place.
type ReloadFunc func(oldVersion, newVersion string) error

// Watcher reloads a rule file into a Validator whenever it changes on disk.
// A file that fails to compile leaves the current rules in place.
type Watcher struct {
	path      string
	validator *Validator
	onReload  ReloadFunc
	debounce  time.Duration
	logger    *slog.Logger
}

// NewWatcher creates a Watcher for path. onReload may be nil.
func NewWatcher(path string, v *Validator, onReload ReloadFunc) *Watcher {
	return &Watcher{
		path:      path,
		validator: v,
		onReload:  onReload,
		debounce:  200 * time.Millisecond,
		logger:    slog.Default().With("component", "policy-watcher"),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself so that editors which replace the file by
// rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("policy: watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			// Editors often emit several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			reload = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-reload:
			reload = nil
			w.Reload()
		}
	}
}

// Reload loads the rule file now. It returns false if the file could not be
// compiled, did not change the policy version, or was refused by onReload.
func (w *Watcher) Reload() bool {
	rules, err := LoadRuleFile(w.path)
	if err != nil {
		w.logger.Error("rule reload failed, keeping current rules", "path", w.path, "error", err)
		return false
	}
	current := w.validator.Version()
	if rules.Version() == current {
		return false
	}
	if w.onReload != nil {
		if err := w.onReload(current, rules.Version()); err != nil {
			w.logger.Error("rule reload refused, keeping current rules", "version", rules.Version(), "error", err)
			return false
		}
	}
	w.validator.Swap(rules)
	w.logger.Info("rules reloaded", "from", current, "to", rules.Version())
	return true
}
