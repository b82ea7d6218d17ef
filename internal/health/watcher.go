package health

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WorkWatcher feeds filesystem writes in teammate working directories
// back into the monitor as liveness. A teammate deep in a long tool
// call emits no stream events, but its writes to the working tree prove
// it is not stalled. A directory can carry several sessions: when a
// whole team shares one working tree, a write there defers the stall
// ladder for all of them.
type WorkWatcher struct {
	monitor *Monitor
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]map[string]struct{} // dir -> session ids
}

// NewWorkWatcher builds a watcher bound to the monitor.
func NewWorkWatcher(monitor *Monitor) (*WorkWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	return &WorkWatcher{
		monitor: monitor,
		watcher: w,
		dirs:    make(map[string]map[string]struct{}),
	}, nil
}

// Watch registers a teammate's working directory. Registering the same
// directory for another session adds it to the existing watch.
func (ww *WorkWatcher) Watch(dir, sessionID string) error {
	ww.mu.Lock()
	sessions, known := ww.dirs[dir]
	if !known {
		sessions = make(map[string]struct{})
		ww.dirs[dir] = sessions
	}
	sessions[sessionID] = struct{}{}
	ww.mu.Unlock()

	if known {
		return nil
	}
	if err := ww.watcher.Add(dir); err != nil {
		ww.mu.Lock()
		delete(ww.dirs, dir)
		ww.mu.Unlock()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

// Unwatch removes a working directory, typically on teardown.
func (ww *WorkWatcher) Unwatch(dir string) {
	ww.mu.Lock()
	delete(ww.dirs, dir)
	ww.mu.Unlock()
	// Remove can fail if the dir is already gone; nothing to do then.
	_ = ww.watcher.Remove(dir)
}

// Run forwards write events as liveness touches until ctx is done.
func (ww *WorkWatcher) Run(ctx context.Context) {
	defer ww.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ww.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for _, sessionID := range ww.sessionsFor(event.Name) {
				ww.monitor.TouchLiveness(sessionID)
			}
		case err, ok := <-ww.watcher.Errors:
			if !ok {
				return
			}
			ww.monitor.logger.Err(err).Msg("workdir watch error")
		}
	}
}

func (ww *WorkWatcher) sessionsFor(path string) []string {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	var out []string
	for dir, sessions := range ww.dirs {
		if !strings.HasPrefix(path, dir) {
			continue
		}
		for sessionID := range sessions {
			out = append(out, sessionID)
		}
	}
	return out
}
