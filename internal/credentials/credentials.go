package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Source supplies a bearer token for a user's external accounts. The
// pipeline never sees how tokens are obtained or refreshed.
type Source interface {
	Token(ctx context.Context, userID string) (string, error)
}

// StaticToken serves one fixed token for every user. Useful for tests and
// single-user installs.
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token(ctx context.Context, userID string) (string, error) {
	if t == "" {
		return "", fmt.Errorf("no token configured")
	}
	return string(t), nil
}

type entry struct {
	AccessToken string `json:"access_token"`
	Expiry      int64  `json:"expiry,omitempty"` // unix seconds, 0 means no expiry
}

// FileStore keeps per-user tokens in a JSON file. Writes are atomic so a
// crash mid-save never leaves a truncated token file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the file at path. The file is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Token returns the stored token for the user, refusing tokens that expire
// within the next minute.
func (s *FileStore) Token(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return "", err
	}
	e, ok := tokens[userID]
	if !ok || e.AccessToken == "" {
		return "", fmt.Errorf("no token stored for user %s (run 'satchel connect google')", userID)
	}
	if e.Expiry != 0 && !time.Now().Add(60*time.Second).Before(time.Unix(e.Expiry, 0)) {
		return "", fmt.Errorf("token for user %s expired (run 'satchel connect google')", userID)
	}
	return e.AccessToken, nil
}

// SetToken stores or replaces the user's token. A zero expiry means the
// token does not expire.
func (s *FileStore) SetToken(userID, token string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return err
	}
	e := entry{AccessToken: token}
	if !expiry.IsZero() {
		e.Expiry = expiry.Unix()
	}
	tokens[userID] = e

	b, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

func (s *FileStore) load() (map[string]entry, error) {
	tokens := make(map[string]entry)
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return tokens, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	if err := json.Unmarshal(b, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return tokens, nil
}
