// Package reflist loads newline-delimited reference lists from files, caches
// them in memory, and hot-reloads them when the backing files change.
package reflist

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long the watch loop waits after a change event before
// re-reading the file, to let the writing process finish.
const settleDelay = 100 * time.Millisecond

// Config is the configuration for the list [Store].
type Config struct {
	// Logger is used for logging the operation of the store.  It must not be
	// nil.
	Logger *slog.Logger

	// BaseDir is the directory containing the list files.  Each source name
	// passed to [Store.Load] is resolved relative to it.
	BaseDir string
}

// Store caches reference lists by source name.  The cached copy of a list is
// always either the initial load or a fully-replaced later version, never a
// partial update.  Use [New] to create a Store.
type Store struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	baseDir string

	// mu protects lists, subscribers, and the registration of new sources.
	// Reads of a loaded list go through an atomic pointer and don't take the
	// mutex.
	mu          *sync.Mutex
	lists       map[string]*list
	subscribers map[string][]func(lines []string)

	done      chan struct{}
	closeOnce *sync.Once
}

// list is a single cached reference list.
type list struct {
	entries atomic.Pointer[[]string]
}

// New creates a Store watching baseDir for changes.  c must not be nil.
func New(c *Config) (s *Store, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	err = watcher.Add(c.BaseDir)
	if err != nil {
		return nil, errors.WithDeferred(
			fmt.Errorf("watching %q: %w", c.BaseDir, err),
			watcher.Close(),
		)
	}

	s = &Store{
		logger:      c.Logger,
		watcher:     watcher,
		baseDir:     c.BaseDir,
		mu:          &sync.Mutex{},
		lists:       map[string]*list{},
		subscribers: map[string][]func(lines []string){},
		done:        make(chan struct{}),
		closeOnce:   &sync.Once{},
	}

	go s.watchLoop()

	return s, nil
}

// Load returns the cached list for name, reading and caching it on first use.
// Concurrent callers requesting the same uncached name trigger a single read.
// The returned slice must not be modified.
func (s *Store) Load(name string) (lines []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.lists[name]; ok {
		return *l.entries.Load(), nil
	}

	lines, err = s.read(name)
	if err != nil {
		// Don't cache the failure, the next call retries the read.
		return nil, fmt.Errorf("loading list %q: %w", name, err)
	}

	l := &list{}
	l.entries.Store(&lines)
	s.lists[name] = l

	return lines, nil
}

// Subscribe registers fn to be called after every successful reload of the
// named list.  fn is called from the watch goroutine and must not block.
func (s *Store) Subscribe(name string, fn func(lines []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[name] = append(s.subscribers[name], fn)
}

// Close releases the watch handle.  Safe to call multiple times.
func (s *Store) Close() (err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})

	return err
}

// read reads and parses the named list from the base directory.
func (s *Store) read(name string) (lines []string, err error) {
	path := filepath.Join(s.baseDir, name)

	// #nosec G304 -- Trust the file path derived from the configured
	// directory.
	f, err := os.Open(path)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lines = append(lines, line)
	}

	if err = sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}

	return lines, nil
}

// watchLoop reloads lists as their files change.  Reload failures keep the
// previous snapshot authoritative and are retried on the next change event.
func (s *Store) watchLoop() {
	ctx := context.Background()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.reload(ctx, filepath.Base(event.Name))
			}
		case err, ok := <-s.watcher.Errors:
			if ok && err != nil {
				s.logger.WarnContext(ctx, "watcher error", slogutil.KeyError, err)
			}
		}
	}
}

// reload re-reads the named list and atomically replaces the cached snapshot.
// Unknown names are ignored, since the directory may contain unrelated files.
func (s *Store) reload(ctx context.Context, name string) {
	s.mu.Lock()
	l, ok := s.lists[name]
	s.mu.Unlock()

	if !ok {
		return
	}

	time.Sleep(settleDelay)

	lines, err := s.read(name)
	if err != nil {
		s.logger.WarnContext(
			ctx,
			"reload failed, keeping previous snapshot",
			"list", name,
			slogutil.KeyError, err,
		)

		return
	}

	l.entries.Store(&lines)
	s.logger.InfoContext(ctx, "list reloaded", "list", name, "entries", len(lines))

	s.mu.Lock()
	subs := s.subscribers[name]
	s.mu.Unlock()

	for _, fn := range subs {
		fn(lines)
	}
}
