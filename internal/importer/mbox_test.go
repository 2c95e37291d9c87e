package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/satchelhq/satchel/internal/adapters"
)

func writeTestMBox(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "test.mbox")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write mbox: %v", err)
	}
	return path
}

func fetchAll(t *testing.T, dir *adapters.Maildir, userID string) []adapters.Message {
	messages, err := dir.FetchMessages(context.Background(), userID, adapters.DateRange{}, 0)
	if err != nil {
		t.Fatalf("FetchMessages failed: %v", err)
	}
	return messages
}

func TestImportMBox_Basic(t *testing.T) {
	mbox := "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: School Office <Office@School.example>\n" +
		"To: Parent <parent@example.com>\n" +
		"Subject: =?UTF-8?Q?Trip_letter?=\n" +
		"Message-ID: <msg-1@school.example>\n" +
		"X-GM-MSGID: 111\n" +
		"X-GM-LABELS: (\\Inbox IMPORTANT UNREAD)\n" +
		"\n" +
		"Please pay by Friday.\n" +
		"\n" +
		"From parent@example.com Sat Jan 02 00:00:00 2022\n" +
		"Date: Sun, 02 Jan 2022 00:00:00 +0000\n" +
		"From: Parent <parent@example.com>\n" +
		"To: School Office <office@school.example>\n" +
		"Subject: Re: Trip letter\n" +
		"Message-ID: <msg-2@school.example>\n" +
		"X-GM-MSGID: 112\n" +
		"X-GM-LABELS: (SENT)\n" +
		"\n" +
		"Paid, thanks.\n"

	dir := adapters.NewMaildir(t.TempDir())
	res, err := ImportMBox(context.Background(), dir, MBoxImportOptions{
		UserID: "user-1",
		Path:   writeTestMBox(t, mbox),
	})
	if err != nil {
		t.Fatalf("ImportMBox failed: %v", err)
	}

	if res.MessagesSeen != 2 {
		t.Errorf("expected 2 messages seen, got %d", res.MessagesSeen)
	}
	if res.MessagesWritten != 1 {
		t.Errorf("expected 1 message written, got %d", res.MessagesWritten)
	}
	if res.MessagesSkipped != 1 {
		t.Errorf("expected the SENT message skipped, got %d", res.MessagesSkipped)
	}

	messages := fetchAll(t, dir, "user-1")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message in maildir, got %d", len(messages))
	}
	msg := messages[0]
	if msg.ProviderMessageID != "111" {
		t.Errorf("expected X-GM-MSGID as id, got %s", msg.ProviderMessageID)
	}
	if msg.Subject != "Trip letter" {
		t.Errorf("expected decoded subject, got %q", msg.Subject)
	}
	if msg.Sender != "office@school.example" {
		t.Errorf("expected lowercased sender address, got %q", msg.Sender)
	}
	if msg.Body != "Please pay by Friday." {
		t.Errorf("unexpected body: %q", msg.Body)
	}
	if msg.ReceivedAt.UTC().Format("2006-01-02") != "2022-01-01" {
		t.Errorf("unexpected received date: %v", msg.ReceivedAt)
	}
}

func TestImportMBox_SkipsAlreadyImported(t *testing.T) {
	mbox := "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: Trip letter\n" +
		"X-GM-MSGID: 111\n" +
		"\n" +
		"Please pay by Friday.\n"

	dir := adapters.NewMaildir(t.TempDir())
	path := writeTestMBox(t, mbox)
	ctx := context.Background()

	if _, err := ImportMBox(ctx, dir, MBoxImportOptions{UserID: "user-1", Path: path}); err != nil {
		t.Fatalf("first import failed: %v", err)
	}

	res, err := ImportMBox(ctx, dir, MBoxImportOptions{UserID: "user-1", Path: path})
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if res.MessagesWritten != 0 || res.MessagesSkipped != 1 {
		t.Errorf("expected rerun to skip, got written=%d skipped=%d", res.MessagesWritten, res.MessagesSkipped)
	}

	res, err = ImportMBox(ctx, dir, MBoxImportOptions{UserID: "user-1", Path: path, Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite import failed: %v", err)
	}
	if res.MessagesWritten != 1 {
		t.Errorf("expected overwrite to rewrite, got written=%d", res.MessagesWritten)
	}
}

func TestImportMBox_LimitMessages(t *testing.T) {
	mbox := "From a@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: First\n" +
		"X-GM-MSGID: 111\n" +
		"\n" +
		"One.\n" +
		"\n" +
		"From b@example.com Sat Jan 02 00:00:00 2022\n" +
		"Date: Sun, 02 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: Second\n" +
		"X-GM-MSGID: 112\n" +
		"\n" +
		"Two.\n"

	dir := adapters.NewMaildir(t.TempDir())
	res, err := ImportMBox(context.Background(), dir, MBoxImportOptions{
		UserID:        "user-1",
		Path:          writeTestMBox(t, mbox),
		LimitMessages: 1,
	})
	if err != nil {
		t.Fatalf("ImportMBox failed: %v", err)
	}
	if res.MessagesSeen != 1 || res.MessagesWritten != 1 {
		t.Errorf("expected import to stop at the limit, got seen=%d written=%d",
			res.MessagesSeen, res.MessagesWritten)
	}
}

func TestImportMBox_MissingID_UsesContentHash(t *testing.T) {
	mbox := "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: No id here\n" +
		"\n" +
		"Body.\n"

	dir := adapters.NewMaildir(t.TempDir())
	res, err := ImportMBox(context.Background(), dir, MBoxImportOptions{
		UserID: "user-1",
		Path:   writeTestMBox(t, mbox),
	})
	if err != nil {
		t.Fatalf("ImportMBox failed: %v", err)
	}
	if res.MessagesWritten != 1 {
		t.Fatalf("expected 1 message written, got %d", res.MessagesWritten)
	}

	messages := fetchAll(t, dir, "user-1")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if len(messages[0].ProviderMessageID) != 64 {
		t.Errorf("expected a sha256 hex id, got %q", messages[0].ProviderMessageID)
	}
}

func TestImportMBox_MultipartBodyAndAttachment(t *testing.T) {
	mbox := "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: Residential trip\n" +
		"X-GM-MSGID: 111\n" +
		"Content-Type: multipart/mixed; boundary=\"XYZ\"\n" +
		"\n" +
		"--XYZ\n" +
		"Content-Type: text/plain\n" +
		"\n" +
		"Kit list attached.\n" +
		"--XYZ\n" +
		"Content-Type: text/plain; name=\"kit-list.txt\"\n" +
		"Content-Disposition: attachment; filename=\"kit-list.txt\"\n" +
		"\n" +
		"Wellies, waterproof coat.\n" +
		"--XYZ--\n"

	dir := adapters.NewMaildir(t.TempDir())
	res, err := ImportMBox(context.Background(), dir, MBoxImportOptions{
		UserID: "user-1",
		Path:   writeTestMBox(t, mbox),
	})
	if err != nil {
		t.Fatalf("ImportMBox failed: %v", err)
	}
	if res.MessagesWritten != 1 {
		t.Fatalf("expected 1 message written, got %d", res.MessagesWritten)
	}

	messages := fetchAll(t, dir, "user-1")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Body != "Kit list attached." {
		t.Errorf("expected the text/plain part as body, got %q", messages[0].Body)
	}
	if messages[0].AttachmentText != "Wellies, waterproof coat." {
		t.Errorf("expected the text attachment extracted, got %q", messages[0].AttachmentText)
	}
}

func TestImportMBox_QuotedPrintableBody(t *testing.T) {
	mbox := "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
		"Date: Sat, 01 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: Menu\n" +
		"X-GM-MSGID: 111\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"Content-Transfer-Encoding: quoted-printable\n" +
		"\n" +
		"Caf=C3=A9 menu for next week.\n"

	dir := adapters.NewMaildir(t.TempDir())
	if _, err := ImportMBox(context.Background(), dir, MBoxImportOptions{
		UserID: "user-1",
		Path:   writeTestMBox(t, mbox),
	}); err != nil {
		t.Fatalf("ImportMBox failed: %v", err)
	}

	messages := fetchAll(t, dir, "user-1")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Body != "Café menu for next week." {
		t.Errorf("expected decoded body, got %q", messages[0].Body)
	}
}

func TestImportMBox_UnparseableMessage_Counted(t *testing.T) {
	mbox := "From someone@example.com Sat Jan 01 00:00:00 2022\n" +
		"this is not a mail header\n" +
		"\n" +
		"From other@example.com Sat Jan 02 00:00:00 2022\n" +
		"Date: Sun, 02 Jan 2022 00:00:00 +0000\n" +
		"From: office@school.example\n" +
		"Subject: Fine\n" +
		"X-GM-MSGID: 112\n" +
		"\n" +
		"Body.\n"

	dir := adapters.NewMaildir(t.TempDir())
	res, err := ImportMBox(context.Background(), dir, MBoxImportOptions{
		UserID: "user-1",
		Path:   writeTestMBox(t, mbox),
	})
	if err != nil {
		t.Fatalf("ImportMBox failed: %v", err)
	}
	if res.ParseFailures != 1 {
		t.Errorf("expected 1 parse failure, got %d", res.ParseFailures)
	}
	if res.MessagesWritten != 1 {
		t.Errorf("expected the valid message written, got %d", res.MessagesWritten)
	}
}

func TestImportMBox_RequiresUserAndPath(t *testing.T) {
	dir := adapters.NewMaildir(t.TempDir())
	ctx := context.Background()

	if _, err := ImportMBox(ctx, dir, MBoxImportOptions{Path: "x.mbox"}); err == nil {
		t.Error("expected error for missing user")
	}
	if _, err := ImportMBox(ctx, dir, MBoxImportOptions{UserID: "user-1"}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLabelsFromHeader(t *testing.T) {
	labels := labelsFromHeader(`(\Inbox IMPORTANT "Receipts and Orders" UNREAD)`)

	want := map[string]bool{"Inbox": true, "IMPORTANT": true, "UNREAD": true}
	for _, l := range labels {
		delete(want, l)
	}
	if len(want) != 0 {
		t.Errorf("missing labels: %v (got %v)", want, labels)
	}
	if !hasLabel(labels, "inbox") {
		t.Error("expected label match to be case-insensitive")
	}
	if hasLabel(labels, "SENT") {
		t.Error("did not expect SENT")
	}
}

func TestSanitizeID(t *testing.T) {
	got := sanitizeID("CAF+xyz=ab.cd@mail.school.example")
	if got != "CAF-xyz-ab.cd@mail.school.example" {
		t.Errorf("unexpected sanitized id: %q", got)
	}
}
