package selector

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mediarelay/pkg/logx"
)

// Watch follows the account and proxy pool files until ctx is canceled and
// reloads the pools when either changes, debounced against partial editor
// writes. Run it under a restarting supervisor; a broken watcher returns an
// error and gets recreated.
func (s *Selector) Watch(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	files := map[string]struct{}{strings.ToLower(filepath.Base(cfg.AccountsFile)): {}}
	dirs := map[string]struct{}{filepath.Dir(cfg.AccountsFile): {}}
	if cfg.ProxiesFile != "" {
		files[strings.ToLower(filepath.Base(cfg.ProxiesFile))] = struct{}{}
		dirs[filepath.Dir(cfg.ProxiesFile)] = struct{}{}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return err
		}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			s.mu.Lock()
			cur := s.cfg
			s.mu.Unlock()
			if err := s.Reload(cur); err != nil {
				s.log.Warn("pool reload failed", logx.Err(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if _, watched := files[strings.ToLower(filepath.Base(ev.Name))]; !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}
