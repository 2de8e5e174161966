package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
)

func TestFprintJSON(t *testing.T) {
	t.Run("simple struct", func(t *testing.T) {
		var buf bytes.Buffer
		input := map[string]string{"key": "value"}

		if err := fprintJSON(&buf, input); err != nil {
			t.Fatalf("fprintJSON() error = %v", err)
		}

		var got map[string]string
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("failed to parse output: %v", err)
		}
		if got["key"] != "value" {
			t.Errorf("got key=%q, want %q", got["key"], "value")
		}
	})

	t.Run("indented output", func(t *testing.T) {
		var buf bytes.Buffer
		input := map[string]int{"a": 1}

		if err := fprintJSON(&buf, input); err != nil {
			t.Fatalf("fprintJSON() error = %v", err)
		}

		output := buf.String()
		if output == `{"a":1}`+"\n" {
			t.Error("expected indented JSON, got compact")
		}
	})

	t.Run("nil value", func(t *testing.T) {
		var buf bytes.Buffer
		if err := fprintJSON(&buf, nil); err != nil {
			t.Fatalf("fprintJSON() error = %v", err)
		}
		if got := buf.String(); got != "null\n" {
			t.Errorf("got %q, want %q", got, "null\n")
		}
	})

	t.Run("empty slice", func(t *testing.T) {
		var buf bytes.Buffer
		if err := fprintJSON(&buf, []string{}); err != nil {
			t.Fatalf("fprintJSON() error = %v", err)
		}
		if got := buf.String(); got != "[]\n" {
			t.Errorf("got %q, want %q", got, "[]\n")
		}
	})
}

func TestFprintEnvelopeLine(t *testing.T) {
	e := domain.Envelope{
		Mailbox: "INBOX",
		UID:     "101",
		From:    domain.Address{Name: "Alice", Email: "alice@example.com"},
		Subject: "Hello",
		Date:    time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}

	t.Run("unread marker", func(t *testing.T) {
		var buf bytes.Buffer
		fprintEnvelopeLine(&buf, 0, &e)
		got := buf.String()
		if !strings.HasPrefix(got, "* 101") {
			t.Errorf("got %q, want unread marker prefix %q", got, "* 101")
		}
		if !strings.Contains(got, "Alice <alice@example.com>") {
			t.Errorf("got %q, want formatted sender", got)
		}
		if !strings.Contains(got, "Hello") {
			t.Errorf("got %q, want subject", got)
		}
	})

	t.Run("seen message has no marker", func(t *testing.T) {
		seen := e
		seen.Flags = domain.FlagSeen
		var buf bytes.Buffer
		fprintEnvelopeLine(&buf, 0, &seen)
		if got := buf.String(); strings.HasPrefix(got, "*") {
			t.Errorf("got %q, want no unread marker", got)
		}
	})

	t.Run("depth indents", func(t *testing.T) {
		var buf bytes.Buffer
		fprintEnvelopeLine(&buf, 2, &e)
		if got := buf.String(); !strings.HasPrefix(got, "    ") {
			t.Errorf("got %q, want four-space indent", got)
		}
	})

	t.Run("missing subject placeholder", func(t *testing.T) {
		blank := e
		blank.Subject = ""
		var buf bytes.Buffer
		fprintEnvelopeLine(&buf, 0, &blank)
		if got := buf.String(); !strings.Contains(got, "(no subject)") {
			t.Errorf("got %q, want %q placeholder", got, "(no subject)")
		}
	})
}
