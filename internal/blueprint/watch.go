package blueprint

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/neo-automation/bar-core/internal/corelog"
)

// Watcher watches a blueprints directory (non-recursive) for *.json files
// and reloads the engine on create/modify/remove, debounced (C10).
type Watcher struct {
	log      corelog.Logger
	fs       afero.Fs
	dir      string
	engine   *Engine
	debounce time.Duration
	notify   *fsnotify.Watcher
}

func NewWatcher(log corelog.Logger, fs afero.Fs, dir string, engine *Engine, debounce time.Duration) (*Watcher, error) {
	nw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := nw.Add(dir); err != nil {
		nw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{log: log.Named("blueprint.watch"), fs: fs, dir: dir, engine: engine, debounce: debounce, notify: nw}, nil
}

// LoadAll loads every *.json file currently in the directory. Call once
// before Run so the engine starts with the existing blueprint set.
func (w *Watcher) LoadAll() error {
	entries, err := afero.ReadDir(w.fs, w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.loadFile(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Run processes fsnotify events until stop is closed or the watcher is
// closed by Close, debouncing bursts of events for the same path.
func (w *Watcher) Run(stop <-chan struct{}) {
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.notify.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			pending[ev.Name] = time.Now().Add(w.debounce)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", corelog.Err(err))
		case <-ticker.C:
			now := time.Now()
			for path, due := range pending {
				if now.Before(due) {
					continue
				}
				delete(pending, path)
				w.handleChange(path)
			}
		}
	}
}

func (w *Watcher) handleChange(path string) {
	if exists, _ := afero.Exists(w.fs, path); !exists {
		id := idFromPath(path)
		w.engine.RemoveBlueprint(id)
		w.log.Info("blueprint removed", corelog.String("path", path))
		return
	}
	w.loadFile(path)
}

func (w *Watcher) loadFile(path string) {
	raw, err := afero.ReadFile(w.fs, path)
	if err != nil {
		w.log.Warn("read blueprint failed", corelog.String("path", path), corelog.Err(err))
		return
	}
	bp, err := w.engine.LoadBytes(raw)
	if err != nil {
		w.log.Warn("blueprint reload rejected, keeping previous version",
			corelog.String("path", path), corelog.Err(err))
		return
	}
	w.log.Info("blueprint loaded", corelog.String("path", path), corelog.String("id", bp.ID))
}

func (w *Watcher) Close() error { return w.notify.Close() }

func idFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
