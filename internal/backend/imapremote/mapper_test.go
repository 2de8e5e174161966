package imapremote

import (
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/petrel-mail/petrel/internal/domain"
)

func TestFlagMapping_RoundTrip(t *testing.T) {
	in := []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged}
	f := fromIMAPFlags(in)
	want := domain.FlagSeen | domain.FlagReplied | domain.FlagFlagged
	if f != want {
		t.Errorf("fromIMAPFlags = %v, want %v", f, want)
	}

	out := toIMAPFlags(f)
	if len(out) != 3 {
		t.Errorf("toIMAPFlags = %v", out)
	}
}

func TestFromIMAPFlags_Recent(t *testing.T) {
	f := fromIMAPFlags([]imap.Flag{imap.Flag(`\Recent`)})
	if !f.Has(domain.FlagRecent) {
		t.Errorf("expected Recent, got %v", f)
	}
}

func TestEnsureBrackets(t *testing.T) {
	cases := map[string]string{
		"":                   "",
		"a@example.org":      "<a@example.org>",
		"<a@example.org>":    "<a@example.org>",
		" <a@example.org> ":  "<a@example.org>",
		"<a@example.org":     "<a@example.org>",
	}
	for in, want := range cases {
		if got := ensureBrackets(in); got != want {
			t.Errorf("ensureBrackets(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitMsgIDs(t *testing.T) {
	ids := splitMsgIDs("<a@x> <b@y>\r\n <c@z>")
	if len(ids) != 3 || ids[0] != "<a@x>" || ids[2] != "<c@z>" {
		t.Errorf("splitMsgIDs = %v", ids)
	}
	if got := splitMsgIDs("no ids here"); len(got) != 0 {
		t.Errorf("splitMsgIDs on garbage = %v", got)
	}
	if got := splitMsgIDs("<unterminated"); len(got) != 0 {
		t.Errorf("splitMsgIDs on unterminated = %v", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := formatCursor(99, 1234)
	validity, uid, ok := parseCursor(cursor)
	if !ok || validity != 99 || uid != 1234 {
		t.Errorf("parseCursor(%q) = %d, %d, %v", cursor, validity, uid, ok)
	}

	if _, _, ok := parseCursor(""); ok {
		t.Error("empty cursor must not parse")
	}
	if _, _, ok := parseCursor("bogus"); ok {
		t.Error("malformed cursor must not parse")
	}
	if _, _, ok := parseCursor("a:b"); ok {
		t.Error("non-numeric cursor must not parse")
	}
}

func TestUIDAbove(t *testing.T) {
	if !uidAbove("10", 9) {
		t.Error("10 should be above 9")
	}
	if uidAbove("9", 9) {
		t.Error("9 should not be above 9")
	}
	if uidAbove("x", 1) {
		t.Error("garbage uid should never be above")
	}
}
