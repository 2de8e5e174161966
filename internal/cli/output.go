package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
)

// printJSON encodes v as indented JSON to stdout.
func printJSON(v any) error {
	return fprintJSON(os.Stdout, v)
}

// fprintJSON encodes v as indented JSON to w.
func fprintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// printEnvelopeLine writes one envelope as a single text line, indented
// by its thread depth.
func printEnvelopeLine(depth int, e *domain.Envelope) {
	fprintEnvelopeLine(os.Stdout, depth, e)
}

func fprintEnvelopeLine(w io.Writer, depth int, e *domain.Envelope) {
	marker := " "
	if !e.Seen() {
		marker = "*"
	}
	subject := e.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fmt.Fprintf(w, "%s%s %s  %s  %s  %s\n",
		strings.Repeat("  ", depth),
		marker,
		e.UID,
		e.Date.Local().Format(time.DateTime),
		e.From.String(),
		subject)
}
