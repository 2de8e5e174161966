package imapremote

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/petrel-mail/petrel/internal/domain"
)

var flagTable = []struct {
	imap   imap.Flag
	domain domain.Flags
}{
	{imap.FlagSeen, domain.FlagSeen},
	{imap.FlagAnswered, domain.FlagReplied},
	{imap.FlagFlagged, domain.FlagFlagged},
	{imap.FlagDraft, domain.FlagDraft},
	{imap.FlagDeleted, domain.FlagDeleted},
}

func fromIMAPFlags(flags []imap.Flag) domain.Flags {
	var f domain.Flags
	for _, fl := range flags {
		for _, entry := range flagTable {
			if strings.EqualFold(string(fl), string(entry.imap)) {
				f = f.With(entry.domain)
			}
		}
		// \Recent was dropped from IMAP4rev2 but older servers still
		// send it.
		if strings.EqualFold(string(fl), `\Recent`) {
			f = f.With(domain.FlagRecent)
		}
	}
	return f
}

func toIMAPFlags(f domain.Flags) []imap.Flag {
	var out []imap.Flag
	for _, entry := range flagTable {
		if f.Has(entry.domain) {
			out = append(out, entry.imap)
		}
	}
	return out
}

// ensureBrackets normalizes a message id to the bracketed wire form so
// ids compare equal regardless of which store produced them.
func ensureBrackets(id string) string {
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

// splitMsgIDs extracts the bracketed message ids from a References or
// In-Reply-To header value.
func splitMsgIDs(value string) []string {
	var ids []string
	for {
		start := strings.IndexByte(value, '<')
		if start < 0 {
			return ids
		}
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			return ids
		}
		ids = append(ids, value[start:start+end+1])
		value = value[start+end+1:]
	}
}

func mapAddresses(addrs []imap.Address) []domain.Address {
	var out []domain.Address
	for _, a := range addrs {
		out = append(out, domain.Address{Name: a.Name, Email: a.Addr()})
	}
	return out
}

// envelopeFromBuffer maps one fetched message onto the domain envelope.
// References and In-Reply-To come from the requested header section
// because the IMAP ENVELOPE structure does not carry References.
func envelopeFromBuffer(mailbox string, buf *imapclient.FetchMessageBuffer, headerSection *imap.FetchItemBodySection) domain.Envelope {
	env := domain.Envelope{
		Mailbox:     mailbox,
		UID:         strconv.FormatUint(uint64(buf.UID), 10),
		Flags:       fromIMAPFlags(buf.Flags),
		Size:        buf.RFC822Size,
		BodyLocator: mailbox + locatorSep + strconv.FormatUint(uint64(buf.UID), 10),
	}

	if buf.Envelope != nil {
		env.MessageID = ensureBrackets(buf.Envelope.MessageID)
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
		if from := mapAddresses(buf.Envelope.From); len(from) > 0 {
			env.From = from[0]
		}
		env.To = mapAddresses(buf.Envelope.To)
		env.CC = mapAddresses(buf.Envelope.Cc)
	}

	if raw := buf.FindBodySection(headerSection); raw != nil {
		header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw))).ReadMIMEHeader()
		if err == nil || len(header) > 0 {
			env.References = splitMsgIDs(header.Get("References"))
			if ids := splitMsgIDs(header.Get("In-Reply-To")); len(ids) > 0 {
				env.InReplyTo = ids[0]
			}
		}
	}
	return env
}
