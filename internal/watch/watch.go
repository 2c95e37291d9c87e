package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 2 * time.Second
	restartBackoff  = 3 * time.Second
	maxBackoff      = 30 * time.Second
)

// Config tunes the watcher.
type Config struct {
	// Debounce is how long to wait after the last change in a user's
	// directory before firing. Bursts of delivered mail coalesce into
	// one run.
	Debounce time.Duration

	// InitialRun fires once for every user directory found at startup.
	InitialRun bool
}

// Watcher observes a maildir root and invokes a callback per user when
// their message directory changes. The callback runs on a timer
// goroutine and must be safe to call concurrently for different users.
type Watcher struct {
	root     string
	onChange func(ctx context.Context, userID string)
	cfg      Config
	log      *zap.Logger
}

// New creates a watcher over the maildir root.
func New(root string, onChange func(ctx context.Context, userID string), cfg Config, log *zap.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{root: root, onChange: onChange, cfg: cfg, log: log}
}

// Run watches until the context is canceled, restarting the underlying
// filesystem watcher with backoff when it fails.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := restartBackoff
	for {
		err := w.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("watcher stopped, restarting",
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Watcher) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	users, err := w.addUserDirs(watcher)
	if err != nil {
		return err
	}
	w.log.Info("watching maildir",
		zap.String("root", w.root),
		zap.Int("users", len(users)),
		zap.Duration("debounce", w.cfg.Debounce))

	// One timer per user so changes for different users never delay
	// each other. Timers are only touched from this goroutine.
	timers := make(map[string]*time.Timer)
	trigger := func(userID string) {
		if t, ok := timers[userID]; ok {
			t.Stop()
		}
		timers[userID] = time.AfterFunc(w.cfg.Debounce, func() {
			if ctx.Err() != nil {
				return
			}
			w.onChange(ctx, userID)
		})
	}

	if w.cfg.InitialRun {
		for _, u := range users {
			trigger(u)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, t := range timers {
				t.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if userID := w.userFor(event.Name); userID != "" {
				// A new user directory must be watched too.
				if filepath.Dir(event.Name) == w.root {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				trigger(userID)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// addUserDirs registers every existing user directory and returns their
// names.
func (w *Watcher) addUserDirs(watcher *fsnotify.Watcher) ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", w.root, err)
	}
	var users []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := watcher.Add(filepath.Join(w.root, e.Name())); err != nil {
			return nil, fmt.Errorf("watch %s: %w", e.Name(), err)
		}
		users = append(users, e.Name())
	}
	return users, nil
}

// userFor maps a changed path to the user directory it belongs to.
// Paths outside a user directory, hidden files, and non-message files
// return "".
func (w *Watcher) userFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if strings.HasPrefix(parts[0], ".") {
		return ""
	}
	if len(parts) == 1 {
		// Top-level create of a user directory.
		return parts[0]
	}
	if len(parts) == 2 && strings.HasSuffix(parts[1], ".json") && !strings.HasPrefix(parts[1], ".") {
		return parts[0]
	}
	return ""
}
