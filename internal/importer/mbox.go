package importer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/satchelhq/satchel/internal/adapters"
)

// MBoxImportOptions controls one mbox import into a user's maildir.
type MBoxImportOptions struct {
	UserID string
	Path   string

	MaxMessageBytes int64 // safety cap per message (body may be truncated)
	LimitMessages   int   // 0 = no limit
	Overwrite       bool  // rewrite messages that were already imported
}

// MBoxImportResult reports what one import did.
type MBoxImportResult struct {
	MessagesSeen      int           `json:"messages_seen"`
	MessagesWritten   int           `json:"messages_written"`
	MessagesSkipped   int           `json:"messages_skipped"`
	MessagesTruncated int           `json:"messages_truncated"`
	ParseFailures     int           `json:"parse_failures"`
	Duration          time.Duration `json:"-"`
}

const maxBodyBytes = 2 * 1024 * 1024

func (o MBoxImportOptions) withDefaults() MBoxImportOptions {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 50 * 1024 * 1024
	}
	return o
}

// ImportMBox reads a Gmail Takeout mbox export and writes each received
// message into the user's maildir, where the extraction pipeline picks
// it up. Sent mail, drafts, spam, and trash are skipped; so are messages
// that were already imported, unless Overwrite is set.
func ImportMBox(ctx context.Context, dir *adapters.Maildir, opts MBoxImportOptions) (MBoxImportResult, error) {
	start := time.Now()
	opts = opts.withDefaults()
	var out MBoxImportResult

	if strings.TrimSpace(opts.UserID) == "" {
		return out, fmt.Errorf("UserID is required")
	}
	if strings.TrimSpace(opts.Path) == "" {
		return out, fmt.Errorf("Path is required")
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		return out, fmt.Errorf("failed to open mbox: %w", err)
	}
	defer f.Close()

	flush := func(raw []byte, wasTruncated bool) error {
		out.MessagesSeen++
		if wasTruncated {
			out.MessagesTruncated++
		}

		msg, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			// Skip unparseable message, but keep going.
			out.ParseFailures++
			return nil
		}

		h := msg.Header
		subject := decodeHeader(h.Get("Subject"))

		var received time.Time
		if t, err := mail.ParseDate(h.Get("Date")); err == nil {
			received = t
		} else {
			received = time.Now()
		}

		sender := strings.TrimSpace(h.Get("From"))
		if addr, err := mail.ParseAddress(sender); err == nil {
			sender = strings.ToLower(addr.Address)
		}

		labels := labelsFromHeader(h.Get("X-GM-LABELS"))
		if len(labels) == 0 {
			labels = labelsFromHeader(h.Get("X-Gmail-Labels"))
		}
		if hasLabel(labels, "SENT") || hasLabel(labels, "DRAFT") ||
			hasLabel(labels, "SPAM") || hasLabel(labels, "TRASH") {
			out.MessagesSkipped++
			return nil
		}

		sourceID := strings.TrimSpace(h.Get("X-GM-MSGID"))
		if sourceID == "" {
			sourceID = strings.TrimSpace(h.Get("Message-ID"))
		}
		bodyBytes, _ := io.ReadAll(io.LimitReader(msg.Body, maxBodyBytes))
		if sourceID == "" {
			sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", received.Unix(), sender, subject)))
			sourceID = hex.EncodeToString(sum[:])
		}
		sourceID = sanitizeID(strings.Trim(sourceID, "<>"))

		if !opts.Overwrite {
			if _, err := os.Stat(filepath.Join(dir.UserDir(opts.UserID), sourceID+".json")); err == nil {
				out.MessagesSkipped++
				return nil
			}
		}

		contentType := h.Get("Content-Type")
		if !strings.HasPrefix(mediaType(contentType), "multipart/") {
			decoded, _ := io.ReadAll(io.LimitReader(
				decodeTransfer(bytes.NewReader(bodyBytes), h.Get("Content-Transfer-Encoding")), maxBodyBytes))
			bodyBytes = decoded
		}
		body, attachments := extractText(bodyBytes, contentType, 0)

		if err := dir.WriteMessage(opts.UserID, adapters.Message{
			ProviderMessageID: sourceID,
			Sender:            sender,
			Subject:           subject,
			ReceivedAt:        received,
			Body:              body,
			AttachmentText:    attachments,
		}); err != nil {
			return fmt.Errorf("failed to write message %s: %w", sourceID, err)
		}
		out.MessagesWritten++

		if opts.LimitMessages > 0 && out.MessagesSeen >= opts.LimitMessages {
			return io.EOF
		}
		return nil
	}

	// Iterate MBOX messages: a line starting with "From " at column 0
	// separates them.
	reader := bufio.NewReader(f)
	var buf bytes.Buffer
	var overLimit bool
	var bufBytes int64

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return out, fmt.Errorf("failed reading mbox: %w", err)
		}

		if strings.HasPrefix(line, "From ") {
			if buf.Len() > 0 {
				ferr := flush(buf.Bytes(), overLimit)
				buf.Reset()
				overLimit = false
				bufBytes = 0
				if ferr == io.EOF {
					break
				}
				if ferr != nil {
					return out, ferr
				}
			}
		} else if !overLimit {
			bufBytes += int64(len(line))
			if bufBytes > opts.MaxMessageBytes {
				// keep what we have; drop the remainder until the next
				// separator
				overLimit = true
			} else {
				buf.WriteString(line)
			}
		}

		if err == io.EOF {
			if buf.Len() > 0 {
				if ferr := flush(buf.Bytes(), overLimit); ferr != nil && ferr != io.EOF {
					return out, ferr
				}
			}
			break
		}
	}

	out.Duration = time.Since(start)
	return out, nil
}

func decodeHeader(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if decoded, err := (&mime.WordDecoder{}).DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

// labelsFromHeader parses forms like (\Inbox Important "Some Label").
func labelsFromHeader(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	v = strings.TrimPrefix(v, "(")
	v = strings.TrimSuffix(v, ")")
	v = strings.ReplaceAll(v, "\"", "")
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(p, "\\"))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(strings.TrimSpace(l), want) {
			return true
		}
	}
	return false
}

// sanitizeID makes a message id safe to use as a file name.
func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func mediaType(contentType string) string {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return media
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

// extractText pulls the best body text and any text attachments out of a
// message body. Multipart containers are walked; the first text/plain
// part wins, with text/html as the fallback.
func extractText(raw []byte, contentType string, depth int) (string, string) {
	media, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(media, "multipart/") || depth >= 4 {
		return strings.TrimSpace(string(raw)), ""
	}
	boundary := params["boundary"]
	if boundary == "" {
		return strings.TrimSpace(string(raw)), ""
	}

	var plain, html string
	var attachments []string
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		pb, _ := io.ReadAll(io.LimitReader(
			decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding")), maxBodyBytes))
		pType := part.Header.Get("Content-Type")
		pMedia := mediaType(pType)

		switch {
		case strings.HasPrefix(pMedia, "multipart/"):
			p, a := extractText(pb, pType, depth+1)
			if plain == "" {
				plain = p
			}
			if a != "" {
				attachments = append(attachments, a)
			}
		case part.FileName() != "" && strings.HasPrefix(pMedia, "text/"):
			attachments = append(attachments, strings.TrimSpace(string(pb)))
		case pMedia == "text/plain" && plain == "":
			plain = strings.TrimSpace(string(pb))
		case pMedia == "text/html" && html == "":
			html = strings.TrimSpace(string(pb))
		}
	}

	body := plain
	if body == "" {
		body = html
	}
	return body, strings.Join(attachments, "\n---\n")
}
