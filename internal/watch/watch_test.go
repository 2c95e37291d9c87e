package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUserFor(t *testing.T) {
	w := New("/mail", nil, Config{}, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/mail/user-1", "user-1"},
		{"/mail/user-1/msg-1.json", "user-1"},
		{"/mail/user-1/.msg-1.json.tmp", ""},
		{"/mail/user-1/notes.txt", ""},
		{"/mail/user-1/archive/old.json", ""},
		{"/mail/.git", ""},
		{"/mail/.git/config.json", ""},
		{"/mail", ""},
		{"/elsewhere/user-1/msg.json", ""},
	}
	for _, tt := range tests {
		if got := w.userFor(tt.path); got != tt.want {
			t.Errorf("userFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestWatcher_InitialRun(t *testing.T) {
	root := t.TempDir()
	for _, u := range []string{"user-1", "user-2"} {
		if err := os.Mkdir(filepath.Join(root, u), 0o755); err != nil {
			t.Fatalf("failed to create user dir: %v", err)
		}
	}
	// Hidden directories are not users.
	if err := os.Mkdir(filepath.Join(root, ".stversions"), 0o755); err != nil {
		t.Fatalf("failed to create hidden dir: %v", err)
	}

	fired := make(chan string, 8)
	w := New(root, func(ctx context.Context, userID string) {
		fired <- userID
	}, Config{Debounce: 10 * time.Millisecond, InitialRun: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case u := <-fired:
			got[u] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for initial runs, got %v", got)
		}
	}
	if !got["user-1"] || !got["user-2"] {
		t.Errorf("unexpected initial run set: %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "user-1")
	if err := os.Mkdir(userDir, 0o755); err != nil {
		t.Fatalf("failed to create user dir: %v", err)
	}

	fired := make(chan string, 8)
	w := New(root, func(ctx context.Context, userID string) {
		fired <- userID
	}, Config{Debounce: 300 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Give the watcher a moment to register the directories before
	// delivering the burst.
	time.Sleep(250 * time.Millisecond)

	for i := 0; i < 3; i++ {
		name := filepath.Join(userDir, fmt.Sprintf("msg-%d.json", i))
		if err := os.WriteFile(name, []byte(`{"id": "x"}`), 0o644); err != nil {
			t.Fatalf("failed to write message: %v", err)
		}
	}

	select {
	case u := <-fired:
		if u != "user-1" {
			t.Errorf("fired for %q, want user-1", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the change callback")
	}

	// The burst must have coalesced into that single callback.
	select {
	case u := <-fired:
		t.Errorf("burst fired twice, second for %q", u)
	case <-time.After(600 * time.Millisecond):
	}
}
