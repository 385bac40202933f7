package responder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	identityFile = "IDENTITY.md"
	memoryFile   = "MEMORY.md"
)

// Persona reads the agent's identity and memory notes from its directory.
// Files are read on every call until Watch is running; while it runs,
// contents are cached and dropped whenever the file changes on disk.
type Persona struct {
	dir string

	mu       sync.RWMutex
	watching bool
	gen      uint64 // bumped on every invalidation
	cache    map[string]string
}

// NewPersona returns a Persona backed by dir.
func NewPersona(dir string) *Persona {
	return &Persona{dir: dir, cache: make(map[string]string)}
}

// Identity returns IDENTITY.md, or "" when absent.
func (p *Persona) Identity() string { return p.read(identityFile) }

// Memory returns MEMORY.md, or "" when absent.
func (p *Persona) Memory() string { return p.read(memoryFile) }

func (p *Persona) read(name string) string {
	p.mu.RLock()
	content, ok := p.cache[name]
	watching := p.watching
	gen := p.gen
	p.mu.RUnlock()
	if ok {
		return content
	}

	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("read persona file", "file", name, "error", err)
	}
	content = string(data)

	if watching {
		p.mu.Lock()
		if p.watching && p.gen == gen {
			p.cache[name] = content
		}
		p.mu.Unlock()
	}
	return content
}

func (p *Persona) invalidate(name string) {
	p.mu.Lock()
	delete(p.cache, name)
	p.gen++
	p.mu.Unlock()
}

func (p *Persona) setWatching(on bool) {
	p.mu.Lock()
	p.watching = on
	p.gen++
	clear(p.cache)
	p.mu.Unlock()
}

// Watch caches persona files and invalidates them on change until ctx is
// done. A missing directory is not an error; caching stays off.
func (p *Persona) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create persona watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(p.dir); err != nil {
		slog.Warn("persona directory not watched, reading files on every request", "dir", p.dir, "error", err)
		<-ctx.Done()
		return nil
	}

	p.setWatching(true)
	defer p.setWatching(false)
	slog.Debug("watching persona files", "dir", p.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name == identityFile || name == memoryFile {
				slog.Debug("persona file changed", "file", name, "op", ev.Op.String())
				p.invalidate(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("persona watcher error", "error", err)
		}
	}
}
