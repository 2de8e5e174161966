package notmuchq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/domain"
)

// fakeRunner answers notmuch invocations from a canned table keyed by
// the joined argument list.
type fakeRunner struct {
	responses map[string]string
	calls     []string
}

func (f *fakeRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	out, ok := f.responses[key]
	if !ok {
		return nil, fmt.Errorf("notmuch %s: no such query", args[0])
	}
	return []byte(out), nil
}

func newTestBackend(t *testing.T, f *fakeRunner) *Backend {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := New(Config{}, logger)
	b.run = f.run
	return b
}

const showOutput = `[[[{
  "id": "a@example.org",
  "timestamp": 1755684000,
  "tags": ["inbox", "unread", "flagged"],
  "filename": ["%s"],
  "headers": {
    "Subject": "hello",
    "From": "Alice <alice@example.org>",
    "To": "me@example.org",
    "Date": "Wed, 20 Aug 2026 10:00:00 +0000"
  }
}, []]]]`

// writeMessageFile materializes a message file so reference headers can
// be read from disk the way the real index points at maildir files.
func writeMessageFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msg")
	content := "Message-ID: <a@example.org>\r\n" +
		"In-Reply-To: <parent@example.org>\r\n" +
		"References: <root@example.org> <parent@example.org>\r\n" +
		"\r\nbody\r\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write message file: %v", err)
	}
	return path
}

func TestConnect_ProbesDatabase(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{
		"count --lastmod *": "42\tabcd-uuid\t7\n",
	}}
	b := newTestBackend(t, f)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestConnect_MissingBinary(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{}}
	b := newTestBackend(t, f)

	err := b.Connect(context.Background())
	if !backend.IsRetryable(err) {
		t.Errorf("Connect failure = %v, want retryable", err)
	}
}

func TestListMailboxes_TagsBecomeMailboxes(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{
		"search --format=json --output=tags *": `["inbox","unread","work"]`,
		"count tag:inbox":                      "10\n",
		"count tag:inbox and tag:unread":       "3\n",
		"count tag:work":                       "5\n",
		"count tag:work and tag:unread":        "0\n",
	}}
	b := newTestBackend(t, f)

	boxes, err := b.ListMailboxes(context.Background())
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	if len(boxes) != 2 {
		t.Fatalf("got %d mailboxes, want 2 (unread tag hidden)", len(boxes))
	}
	if boxes[0].Name != "inbox" || boxes[0].Total != 10 || boxes[0].Unseen != 3 {
		t.Errorf("unexpected mailbox %+v", boxes[0])
	}
}

func TestFetchEnvelopes_FullThenIncremental(t *testing.T) {
	path := writeMessageFile(t)
	show := fmt.Sprintf(showOutput, path)

	f := &fakeRunner{responses: map[string]string{
		"count --lastmod *": "1\tabcd-uuid\t7\n",
		"show --format=json --body=false --entire-thread=false tag:inbox": show,
	}}
	b := newTestBackend(t, f)
	ctx := context.Background()

	res, err := b.FetchEnvelopes(ctx, "inbox", "")
	if err != nil {
		t.Fatalf("full fetch: %v", err)
	}
	if !res.Full {
		t.Error("empty cursor fetch must be full")
	}
	if res.Cursor != "abcd-uuid:7" {
		t.Errorf("cursor = %q, want abcd-uuid:7", res.Cursor)
	}
	if len(res.Envelopes) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(res.Envelopes))
	}
	env := res.Envelopes[0]
	if env.UID != "a@example.org" || env.MessageID != "<a@example.org>" {
		t.Errorf("unexpected identity %+v", env)
	}
	if env.Seen() || !env.Flags.Has(domain.FlagFlagged) {
		t.Errorf("flags = %v, want unseen flagged", env.Flags)
	}
	if env.From.Email != "alice@example.org" || env.From.Name != "Alice" {
		t.Errorf("from = %+v", env.From)
	}
	if env.InReplyTo != "<parent@example.org>" || len(env.References) != 2 {
		t.Errorf("references not read from file: %+v", env)
	}

	// Unchanged database: incremental fetch is empty and not full.
	res, err = b.FetchEnvelopes(ctx, "inbox", res.Cursor)
	if err != nil {
		t.Fatalf("incremental fetch: %v", err)
	}
	if res.Full || len(res.Envelopes) != 0 {
		t.Errorf("unchanged fetch = full=%v n=%d, want partial empty", res.Full, len(res.Envelopes))
	}

	// Database advanced: only the lastmod range is queried.
	f.responses["count --lastmod *"] = "2\tabcd-uuid\t9\n"
	f.responses["show --format=json --body=false --entire-thread=false tag:inbox and lastmod:8.."] = show

	res, err = b.FetchEnvelopes(ctx, "inbox", "abcd-uuid:7")
	if err != nil {
		t.Fatalf("incremental fetch after change: %v", err)
	}
	if res.Full {
		t.Error("incremental fetch must not be full")
	}
	if len(res.Envelopes) != 1 || res.Cursor != "abcd-uuid:9" {
		t.Errorf("incremental = n=%d cursor=%q", len(res.Envelopes), res.Cursor)
	}
}

func TestFetchEnvelopes_RebuiltDatabaseForcesFull(t *testing.T) {
	path := writeMessageFile(t)
	f := &fakeRunner{responses: map[string]string{
		"count --lastmod *": "1\tnew-uuid\t3\n",
		"show --format=json --body=false --entire-thread=false tag:inbox": fmt.Sprintf(showOutput, path),
	}}
	b := newTestBackend(t, f)

	res, err := b.FetchEnvelopes(context.Background(), "inbox", "old-uuid:99")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Full {
		t.Error("uuid mismatch must force a full fetch")
	}
	if res.Cursor != "new-uuid:3" {
		t.Errorf("cursor = %q, want new-uuid:3", res.Cursor)
	}
}

func TestFetchBody(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{
		"show --format=raw id:a@example.org": "raw message bytes",
	}}
	b := newTestBackend(t, f)

	body, err := b.FetchBody(context.Background(), "a@example.org")
	if err != nil {
		t.Fatalf("FetchBody: %v", err)
	}
	if string(body) != "raw message bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestSetFlags_TranslatesToTagChanges(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{
		"tag -unread +flagged -- id:a@example.org or id:b@example.org": "",
	}}
	b := newTestBackend(t, f)

	delta := domain.FlagDelta{Add: domain.FlagSeen | domain.FlagFlagged}
	err := b.SetFlags(context.Background(), "inbox", []string{"a@example.org", "b@example.org"}, delta)
	if err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("calls = %v, want one tag invocation", f.calls)
	}
}

func TestSetFlags_EmptyDeltaIsNoOp(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{}}
	b := newTestBackend(t, f)

	if err := b.SetFlags(context.Background(), "inbox", []string{"a"}, domain.FlagDelta{}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("empty delta ran %v", f.calls)
	}
}

func TestExpunge_Refused(t *testing.T) {
	b := newTestBackend(t, &fakeRunner{})

	err := b.Expunge(context.Background(), "inbox", []string{"a"})
	if backend.KindOf(err) != backend.PermissionDenied {
		t.Errorf("Expunge = %v, want permission denied", err)
	}
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Error("Expunge error must wrap ErrUnsupported")
	}
}

func TestSearch_StripsIdPrefix(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{
		"search --format=json --output=messages from:alice": `["id:a@example.org","id:b@example.org"]`,
	}}
	b := newTestBackend(t, f)

	ids, err := b.Search(context.Background(), "from:alice")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a@example.org" {
		t.Errorf("Search = %v", ids)
	}
}

func TestParseShowOutput_DeepNesting(t *testing.T) {
	data := `[[[{"id":"a","timestamp":1,"tags":[],"filename":"f","headers":{}},
	         [[{"id":"b","timestamp":2,"tags":[],"filename":["g"],"headers":{}}, []]]]]]`
	messages, err := parseShowOutput([]byte(data))
	if err != nil {
		t.Fatalf("parseShowOutput: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "a" || messages[1].ID != "b" {
		t.Errorf("messages = %+v", messages)
	}
	if len(messages[0].Filename) != 1 || messages[0].Filename[0] != "f" {
		t.Errorf("scalar filename not handled: %+v", messages[0].Filename)
	}
}

func TestTagChanges(t *testing.T) {
	delta := domain.FlagDelta{
		Add:    domain.FlagSeen | domain.FlagReplied,
		Remove: domain.FlagFlagged,
	}
	got := strings.Join(tagChanges(delta), " ")
	if got != "-unread +replied -flagged" {
		t.Errorf("tagChanges = %q", got)
	}
}

func TestFlagsFromTags(t *testing.T) {
	f := flagsFromTags([]string{"inbox", "unread", "draft"})
	if f.Has(domain.FlagSeen) || !f.Has(domain.FlagDraft) {
		t.Errorf("flags = %v", f)
	}
	if seen := flagsFromTags([]string{"inbox"}); !seen.Has(domain.FlagSeen) {
		t.Error("absence of unread tag must mean seen")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	uuid, rev, ok := parseCursor(formatCursor("ab:cd", 12))
	if !ok || uuid != "ab:cd" || rev != 12 {
		t.Errorf("parseCursor = %q %d %v", uuid, rev, ok)
	}
	if _, _, ok := parseCursor(""); ok {
		t.Error("empty cursor must not parse")
	}
	if _, _, ok := parseCursor("no-revision"); ok {
		t.Error("cursor without revision must not parse")
	}
}
