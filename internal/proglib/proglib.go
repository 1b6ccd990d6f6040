// Package proglib watches a directory of .yaml program files and keeps an
// in-memory, hot-reloaded index of them by program id, so LoadProgram can
// serve a program by id without restarting the process.
package proglib

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/internal/program"
)

// Library is a directory-backed, fsnotify-refreshed map of program id ->
// parsed program.
type Library struct {
	dir string
	log *obslog.Logger

	mu       sync.RWMutex
	programs map[string]*program.Program

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(dir string, log *obslog.Logger) (*Library, error) {
	l := &Library{dir: dir, log: log, programs: make(map[string]*program.Program), done: make(chan struct{})}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Start begins watching dir for create/write/remove/rename events and
// reloads the whole directory on each one; the reload is a full rescan
// rather than a per-file patch, matching the directory-level granularity
// the watcher actually delivers.
func (l *Library) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return obserr.Wrap(err, obserr.ErrConfig, "proglib: create watcher")
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return obserr.Wrap(err, obserr.ErrConfig, "proglib: watch directory")
	}
	l.watcher = w

	go l.watchLoop()
	return nil
}

func (l *Library) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			if err := l.reload(); err != nil && l.log != nil {
				l.log.WithError(err).Warn("proglib: reload after fs event failed")
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			if l.log != nil {
				l.log.WithError(err).Warn("proglib: watcher error")
			}
		case <-l.done:
			return
		}
	}
}

func (l *Library) reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return obserr.Wrap(err, obserr.ErrConfig, "proglib: read directory")
	}

	next := make(map[string]*program.Program, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warn("proglib: skipping unreadable file: " + name)
			}
			continue
		}
		p, err := program.Parse(data)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warn("proglib: skipping invalid program: " + name)
			}
			continue
		}
		next[p.ID] = p
	}

	l.mu.Lock()
	l.programs = next
	l.mu.Unlock()
	if l.log != nil {
		l.log.WithField("count", len(next)).Info("proglib: reloaded")
	}
	return nil
}

// Get returns the program with the given id, if loaded.
func (l *Library) Get(id string) (*program.Program, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.programs[id]
	return p, ok
}

// List returns the ids currently loaded.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.programs))
	for id := range l.programs {
		ids = append(ids, id)
	}
	return ids
}

func (l *Library) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
