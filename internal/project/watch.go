package project

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports changes to the project files and to any file matching
// the extra globs.
type Watcher struct {
	patterns []string
	debounce time.Duration
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher watches the script, the bindings file and files matching
// globs. Globs may use ** to match across directories.
func NewWatcher(p Project, globs []string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{debounce: DefaultDebounce, logger: logger.Named("watch"), fsw: fsw}

	var dirs []string
	for _, path := range []string{p.ScriptPath, p.BindingsPath} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.patterns = append(w.patterns, filepath.ToSlash(abs))
		dirs = append(dirs, filepath.Dir(abs))
	}
	for _, glob := range globs {
		abs, err := filepath.Abs(glob)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		pattern := filepath.ToSlash(abs)
		if !doublestar.ValidatePattern(pattern) {
			fsw.Close()
			return nil, fmt.Errorf("invalid watch pattern %q", glob)
		}
		w.patterns = append(w.patterns, pattern)
		base, _ := doublestar.SplitPattern(pattern)
		dirs = append(dirs, filepath.FromSlash(base))
	}

	for _, dir := range dirs {
		if err := w.addTree(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && len(d.Name()) > 1 && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		mu.Lock()
		defer mu.Unlock()
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Matches reports whether path is one of the watched files.
func (w *Watcher) Matches(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	name := filepath.ToSlash(abs)
	for _, pattern := range w.patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Run calls onChange after each burst of changes to watched files. It
// returns when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.fsw.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("watch new directory", zap.Error(err))
					}
					continue
				}
			}
			if ev.Has(fsnotify.Chmod) || !w.Matches(ev.Name) {
				continue
			}
			w.logger.Debug("file changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}
		case <-fire:
			onChange()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}
