package jmapapi

import (
	"strings"
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
)

// keywordTable maps JMAP keywords (RFC 8621 section 4.1.1) onto the
// domain flag bits. JMAP has no recent or deleted concept: deletion is
// a destroy, not a flag.
var keywordTable = []struct {
	keyword string
	flag    domain.Flags
}{
	{"$seen", domain.FlagSeen},
	{"$answered", domain.FlagReplied},
	{"$flagged", domain.FlagFlagged},
	{"$draft", domain.FlagDraft},
}

func fromKeywords(keywords map[string]bool) domain.Flags {
	var f domain.Flags
	for _, entry := range keywordTable {
		if keywords[entry.keyword] {
			f = f.With(entry.flag)
		}
	}
	return f
}

// keywordPatch translates a flag delta into an Email/set keyword patch:
// true sets a keyword, null removes it. Flags JMAP cannot express are
// dropped silently.
func keywordPatch(delta domain.FlagDelta) map[string]any {
	patch := make(map[string]any)
	for _, entry := range keywordTable {
		if delta.Add.Has(entry.flag) {
			patch["keywords/"+entry.keyword] = true
		} else if delta.Remove.Has(entry.flag) {
			patch["keywords/"+entry.keyword] = nil
		}
	}
	return patch
}

// bracketID normalizes a message id to the bracketed wire form JMAP
// strips off.
func bracketID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

func bracketIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if b := bracketID(id); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func mapEmailAddresses(addrs []EmailAddress) []domain.Address {
	var out []domain.Address
	for _, a := range addrs {
		out = append(out, domain.Address{Name: a.Name, Email: a.Email})
	}
	return out
}

// envelopeFromEmail maps one JMAP email onto the domain envelope. The
// email id doubles as the UID and the blob id as the body locator.
func envelopeFromEmail(mailbox string, e Email) domain.Envelope {
	env := domain.Envelope{
		Mailbox:     mailbox,
		UID:         string(e.Id),
		References:  bracketIDs(e.References),
		To:          mapEmailAddresses(e.To),
		CC:          mapEmailAddresses(e.Cc),
		Subject:     e.Subject,
		Flags:       fromKeywords(e.Keywords),
		Size:        e.Size,
		BodyLocator: string(e.BlobId),
	}
	if len(e.MessageId) > 0 {
		env.MessageID = bracketID(e.MessageId[0])
	}
	if len(e.InReplyTo) > 0 {
		env.InReplyTo = bracketID(e.InReplyTo[0])
	}
	if from := mapEmailAddresses(e.From); len(from) > 0 {
		env.From = from[0]
	}
	if t, err := time.Parse(time.RFC3339, e.ReceivedAt); err == nil {
		env.Date = t
	} else if t, err := time.Parse(time.RFC3339, e.SentAt); err == nil {
		env.Date = t
	}
	return env
}
