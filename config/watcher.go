package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/saiset-co/sai-cache-engine/types"
)

const debounceDelay = 250 * time.Millisecond

// watcher reloads the configuration when the file changes on disk. It watches
// the parent directory because editors replace files via rename, which drops
// a watch placed on the file itself.
type watcher struct {
	fsWatcher  *fsnotify.Watcher
	configPath string
	onChange   func() error
	done       chan struct{}
}

func newWatcher(ctx context.Context, configPath string, onChange func() error) (*watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.WrapError(err, "failed to create fsnotify watcher")
	}

	if err := fsWatcher.Add(filepath.Dir(configPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, types.WrapError(err, "failed to watch config directory")
	}

	w := &watcher{
		fsWatcher:  fsWatcher,
		configPath: configPath,
		onChange:   onChange,
		done:       make(chan struct{}),
	}

	go w.run(ctx)

	return w, nil
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	target := filepath.Clean(w.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			_ = w.onChange()
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *watcher) stop() {
	_ = w.fsWatcher.Close()
	<-w.done
}
