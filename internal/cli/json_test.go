package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
	"github.com/petrel-mail/petrel/internal/thread"
)

func TestToJSONMailboxes(t *testing.T) {
	boxes := []domain.Mailbox{
		{Name: "INBOX", Total: 42, Unseen: 3},
		{Name: "Archive/2026", Total: 100, Unseen: 0},
	}

	got := toJSONMailboxes(boxes)

	if len(got) != 2 {
		t.Fatalf("got %d mailboxes, want 2", len(got))
	}
	if got[0].Name != "INBOX" {
		t.Errorf("got name %q, want %q", got[0].Name, "INBOX")
	}
	if got[0].Unseen != 3 {
		t.Errorf("got unseen %d, want 3", got[0].Unseen)
	}
	if got[1].Total != 100 {
		t.Errorf("got total %d, want 100", got[1].Total)
	}

	// Verify JSON round-trip.
	var buf bytes.Buffer
	if err := fprintJSON(&buf, got); err != nil {
		t.Fatalf("fprintJSON() error = %v", err)
	}
	var parsed []jsonMailbox
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if parsed[1].Name != "Archive/2026" {
		t.Errorf("round-trip: got name %q, want %q", parsed[1].Name, "Archive/2026")
	}
}

func TestToJSONMailboxes_Empty(t *testing.T) {
	got := toJSONMailboxes(nil)
	if len(got) != 0 {
		t.Errorf("got %d mailboxes for nil input, want 0", len(got))
	}

	var buf bytes.Buffer
	if err := fprintJSON(&buf, got); err != nil {
		t.Fatalf("fprintJSON() error = %v", err)
	}
	if got := buf.String(); got != "[]\n" {
		t.Errorf("got %q, want %q", got, "[]\n")
	}
}

func TestToJSONEnvelopes(t *testing.T) {
	envelopes := []domain.Envelope{
		{
			Mailbox: "INBOX",
			UID:     "101",
			From:    domain.Address{Name: "Alice", Email: "alice@example.com"},
			To:      []domain.Address{{Email: "bob@example.com"}},
			Subject: "Hello",
			Date:    time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
			Flags:   domain.FlagSeen,
			Size:    2048,
		},
		{
			Mailbox: "INBOX",
			UID:     "102",
			From:    domain.Address{Email: "carol@example.com"},
			Subject: "Re: Hello",
			Date:    time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
	}

	got := toJSONEnvelopes(envelopes)

	if len(got) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(got))
	}
	if got[0].UID != "101" {
		t.Errorf("got uid %q, want %q", got[0].UID, "101")
	}
	if got[0].From.Name != "Alice" {
		t.Errorf("got from name %q, want %q", got[0].From.Name, "Alice")
	}
	if !got[0].Seen {
		t.Error("got seen=false for read message, want true")
	}
	if got[0].Date != "2026-03-10T14:30:00Z" {
		t.Errorf("got date %q, want %q", got[0].Date, "2026-03-10T14:30:00Z")
	}
	if got[1].Seen {
		t.Error("got seen=true for unread message, want false")
	}

	// Verify JSON round-trip.
	var buf bytes.Buffer
	if err := fprintJSON(&buf, got); err != nil {
		t.Fatalf("fprintJSON() error = %v", err)
	}
	var parsed []jsonEnvelope
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if parsed[1].Subject != "Re: Hello" {
		t.Errorf("round-trip: got subject %q, want %q", parsed[1].Subject, "Re: Hello")
	}
}

func TestToJSONEnvelope_OmitsEmpty(t *testing.T) {
	e := domain.Envelope{
		Mailbox: "INBOX",
		UID:     "1",
		From:    domain.Address{Email: "a@example.com"},
		Date:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	var buf bytes.Buffer
	if err := fprintJSON(&buf, toJSONEnvelope(&e)); err != nil {
		t.Fatalf("fprintJSON() error = %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	for _, field := range []string{"to", "size"} {
		if _, ok := raw[field]; ok {
			t.Errorf("field %q should be omitted when empty", field)
		}
	}
	for _, field := range []string{"uid", "from", "subject", "date", "seen"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("field %q should always be present", field)
		}
	}
}

func TestToJSONThreads(t *testing.T) {
	root := &thread.ThreadNode{
		Key: "<a@example.com>",
		Envelopes: []domain.Envelope{{
			Mailbox:   "INBOX",
			UID:       "1",
			MessageID: "<a@example.com>",
			From:      domain.Address{Email: "alice@example.com"},
			Subject:   "Hello",
			Date:      time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		}},
		Children: []*thread.ThreadNode{{
			Key: "<b@example.com>",
			Envelopes: []domain.Envelope{{
				Mailbox:   "INBOX",
				UID:       "2",
				MessageID: "<b@example.com>",
				From:      domain.Address{Email: "bob@example.com"},
				Subject:   "Re: Hello",
				Date:      time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
			}},
		}},
	}

	got := toJSONThreads([]*thread.ThreadNode{root})

	if len(got) != 1 {
		t.Fatalf("got %d roots, want 1", len(got))
	}
	if got[0].Key != "<a@example.com>" {
		t.Errorf("got key %q, want %q", got[0].Key, "<a@example.com>")
	}
	if len(got[0].Children) != 1 {
		t.Fatalf("got %d children, want 1", len(got[0].Children))
	}
	if got[0].Children[0].Envelopes[0].UID != "2" {
		t.Errorf("got child uid %q, want %q", got[0].Children[0].Envelopes[0].UID, "2")
	}

	// Verify JSON round-trip preserves nesting.
	var buf bytes.Buffer
	if err := fprintJSON(&buf, got); err != nil {
		t.Fatalf("fprintJSON() error = %v", err)
	}
	var parsed []jsonThread
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if parsed[0].Children[0].Key != "<b@example.com>" {
		t.Errorf("round-trip: got child key %q, want %q",
			parsed[0].Children[0].Key, "<b@example.com>")
	}
}

func TestToJSONThread_ContainerNode(t *testing.T) {
	// A container node has no envelopes of its own.
	root := &thread.ThreadNode{
		Key: "<gone@example.com>",
		Children: []*thread.ThreadNode{
			{Key: "<x@example.com>", Envelopes: []domain.Envelope{{Mailbox: "INBOX", UID: "1"}}},
			{Key: "<y@example.com>", Envelopes: []domain.Envelope{{Mailbox: "INBOX", UID: "2"}}},
		},
	}

	var buf bytes.Buffer
	if err := fprintJSON(&buf, toJSONThread(root)); err != nil {
		t.Fatalf("fprintJSON() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if _, ok := raw["envelopes"]; ok {
		t.Error("envelopes should be omitted for container nodes")
	}
	if _, ok := raw["children"]; !ok {
		t.Error("children should be present for container nodes")
	}
}

func TestToJSONAddresses(t *testing.T) {
	t.Run("with addresses", func(t *testing.T) {
		addrs := []domain.Address{
			{Name: "Alice", Email: "alice@example.com"},
			{Email: "bob@example.com"},
		}

		got := toJSONAddresses(addrs)

		if len(got) != 2 {
			t.Fatalf("got %d addresses, want 2", len(got))
		}
		if got[0].Name != "Alice" {
			t.Errorf("got name %q, want %q", got[0].Name, "Alice")
		}

		// Verify name is omitted from JSON when empty.
		var buf bytes.Buffer
		if err := fprintJSON(&buf, got[1]); err != nil {
			t.Fatalf("fprintJSON() error = %v", err)
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
			t.Fatalf("failed to parse JSON: %v", err)
		}
		if _, ok := raw["name"]; ok {
			t.Error("name field should be omitted when empty")
		}
	})

	t.Run("nil input", func(t *testing.T) {
		if got := toJSONAddresses(nil); got != nil {
			t.Errorf("got %v for nil input, want nil", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := toJSONAddresses([]domain.Address{}); got != nil {
			t.Errorf("got %v for empty input, want nil", got)
		}
	})
}
