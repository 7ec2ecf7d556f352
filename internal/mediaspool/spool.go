// Package mediaspool indexes locally captured photos and signatures so
// delivery handlers can resolve a binary reference into transmittable bytes.
// The spool watches its directory for late-arriving captures; a reference
// that never materializes stays unresolved and the handler reports it as an
// ordinary delivery failure.
package mediaspool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var ErrUnresolved = errors.New("attachment not found in spool")

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Spool resolves attachment references (bare file names) against a capture
// directory. References never escape the directory: names with separators or
// parent traversal are rejected outright.
type Spool struct {
	dir     string
	logger  Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	index map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(dir string, logger Logger) (*Spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("spool directory is required")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &Spool{
		dir:     dir,
		logger:  logger,
		watcher: watcher,
		index:   map[string]struct{}{},
		stop:    make(chan struct{}),
	}
	if err := s.Rescan(); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// Rescan rebuilds the index from the directory contents.
func (s *Spool) Rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	index := map[string]struct{}{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index[entry.Name()] = struct{}{}
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

func (s *Spool) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				s.mu.Lock()
				s.index[name] = struct{}{}
				s.mu.Unlock()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.mu.Lock()
				delete(s.index, name)
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("mediaspool: watcher error: %v", err)
		}
	}
}

// Resolve returns the bytes for ref, or an ErrUnresolved-wrapped error when
// the capture is not present.
func (s *Spool) Resolve(ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, "..") {
		return nil, fmt.Errorf("%w: invalid reference %q", ErrUnresolved, ref)
	}
	s.mu.Lock()
	_, indexed := s.index[ref]
	s.mu.Unlock()
	if !indexed {
		// The watcher can lag a capture written moments ago; check the
		// directory once before giving up.
		if _, err := os.Stat(filepath.Join(s.dir, ref)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, ref)
		}
		s.mu.Lock()
		s.index[ref] = struct{}{}
		s.mu.Unlock()
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, ref)
		}
		return nil, err
	}
	return data, nil
}

func (s *Spool) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}
