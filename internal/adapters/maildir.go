package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// maildirMessage is the on-disk JSON shape of one local message.
type maildirMessage struct {
	ID             string   `json:"id"`
	Sender         string   `json:"sender"`
	Subject        string   `json:"subject"`
	ReceivedAt     string   `json:"received_at"`
	Body           string   `json:"body"`
	AttachmentText string   `json:"attachment_text,omitempty"`
	Labels         []string `json:"labels,omitempty"`
}

// Maildir serves messages from per-user directories of JSON files. It
// backs watch mode and makes the pipeline runnable without a provider
// account.
type Maildir struct {
	root string
}

// NewMaildir creates an inbox over root. Each user's messages live in
// <root>/<userID>/*.json.
func NewMaildir(root string) *Maildir {
	return &Maildir{root: root}
}

func (m *Maildir) Name() string { return "maildir" }

// Root returns the directory the maildir serves from.
func (m *Maildir) Root() string { return m.root }

// UserDir returns the directory holding one user's messages.
func (m *Maildir) UserDir(userID string) string {
	return filepath.Join(m.root, userID)
}

// FetchMessages reads the user's directory and returns messages in the
// range, oldest first, keeping the newest maxResults. A file that cannot
// be read or parsed becomes a message with FetchError set.
func (m *Maildir) FetchMessages(ctx context.Context, userID string, r DateRange, maxResults int) ([]Message, error) {
	dir := m.UserDir(userID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read maildir: %w", err)
	}

	var messages []Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			messages = append(messages, Message{ProviderMessageID: id, FetchError: err.Error()})
			continue
		}
		var mm maildirMessage
		if err := json.Unmarshal(raw, &mm); err != nil {
			messages = append(messages, Message{ProviderMessageID: id, FetchError: fmt.Sprintf("parse message file: %v", err)})
			continue
		}
		if mm.ID != "" {
			id = mm.ID
		}

		receivedAt, _ := time.Parse(time.RFC3339, mm.ReceivedAt)
		if !receivedAt.IsZero() && !r.Contains(receivedAt) {
			continue
		}

		messages = append(messages, Message{
			ProviderMessageID: id,
			Sender:            mm.Sender,
			Subject:           mm.Subject,
			ReceivedAt:        receivedAt,
			Body:              mm.Body,
			AttachmentText:    mm.AttachmentText,
		})
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
	if maxResults > 0 && len(messages) > maxResults {
		messages = messages[len(messages)-maxResults:]
	}
	return messages, nil
}

// ApplyLabel records the label inside each message file. Writes are atomic
// so a watcher seeing the file change never reads a half-written message.
func (m *Maildir) ApplyLabel(ctx context.Context, userID string, providerMessageIDs []string, label string) error {
	if label == "" {
		return nil
	}
	for _, id := range providerMessageIDs {
		path := filepath.Join(m.UserDir(userID), id+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read message %s: %w", id, err)
		}
		var mm maildirMessage
		if err := json.Unmarshal(raw, &mm); err != nil {
			return fmt.Errorf("parse message %s: %w", id, err)
		}
		if hasLabel(mm.Labels, label) {
			continue
		}
		mm.Labels = append(mm.Labels, label)

		b, err := json.MarshalIndent(mm, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", id, err)
		}
		if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
			return fmt.Errorf("write message %s: %w", id, err)
		}
	}
	return nil
}

// WriteMessage stores a message file for the user, creating the user
// directory if needed. Used by tests and import tooling.
func (m *Maildir) WriteMessage(userID string, msg Message) error {
	dir := m.UserDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create maildir: %w", err)
	}
	mm := maildirMessage{
		ID:             msg.ProviderMessageID,
		Sender:         msg.Sender,
		Subject:        msg.Subject,
		ReceivedAt:     msg.ReceivedAt.Format(time.RFC3339),
		Body:           msg.Body,
		AttachmentText: msg.AttachmentText,
	}
	b, err := json.MarshalIndent(mm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	path := filepath.Join(dir, msg.ProviderMessageID+".json")
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
