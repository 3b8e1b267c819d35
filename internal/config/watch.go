package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch calls fn with the freshly loaded config whenever the file at path is
// written. Invalid edits are logged and skipped. Watching stops when ctx ends.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files on save, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	go watchLoop(ctx, w, path, fn)
	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, fn func(Config)) {
	defer w.Close()

	target := filepath.Clean(path)
	var timer *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("CONFIG: reload %s: %v", path, err)
			return
		}
		cfg.ApplyEnv()
		log.Printf("CONFIG: reloaded %s", path)
		fn(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
