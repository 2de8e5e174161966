package notmuchq

import (
	"bufio"
	"encoding/json"
	"net/mail"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
)

// message is one message object from notmuch show --format=json. The
// show output nests messages in thread structure arrays; walkMessages
// digs them out.
type message struct {
	ID        string            `json:"id"`
	Timestamp int64             `json:"timestamp"`
	Tags      []string          `json:"tags"`
	Filename  filenames         `json:"filename"`
	Headers   map[string]string `json:"headers"`
}

// filenames tolerates both the old scalar and the new array form of
// the filename field.
type filenames []string

func (f *filenames) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*f = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*f = filenames{one}
	return nil
}

// walkMessages recursively extracts message objects from the nested
// thread structure notmuch show emits: arrays of [message, replies]
// pairs at arbitrary depth.
func walkMessages(raw json.RawMessage, out *[]message) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		for _, item := range items {
			if err := walkMessages(item, out); err != nil {
				return err
			}
		}
		return nil
	}

	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if m.ID != "" {
		*out = append(*out, m)
	}
	return nil
}

// parseShowOutput decodes a full notmuch show --format=json dump into
// flat messages.
func parseShowOutput(data []byte) ([]message, error) {
	var out []message
	if err := walkMessages(json.RawMessage(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// tagTable maps notmuch tags onto flag bits. The unread tag is the
// inverse of seen and is handled separately.
var tagTable = []struct {
	tag  string
	flag domain.Flags
}{
	{"replied", domain.FlagReplied},
	{"flagged", domain.FlagFlagged},
	{"draft", domain.FlagDraft},
	{"deleted", domain.FlagDeleted},
}

func flagsFromTags(tags []string) domain.Flags {
	f := domain.FlagSeen
	for _, tag := range tags {
		if tag == "unread" {
			f = f.Without(domain.FlagSeen)
			continue
		}
		for _, entry := range tagTable {
			if tag == entry.tag {
				f = f.With(entry.flag)
			}
		}
	}
	return f
}

// tagChanges translates a flag delta into notmuch tag arguments
// (+tag / -tag). Seen inverts to the unread tag.
func tagChanges(delta domain.FlagDelta) []string {
	var args []string
	if delta.Add.Has(domain.FlagSeen) {
		args = append(args, "-unread")
	}
	if delta.Remove.Has(domain.FlagSeen) {
		args = append(args, "+unread")
	}
	for _, entry := range tagTable {
		if delta.Add.Has(entry.flag) {
			args = append(args, "+"+entry.tag)
		}
		if delta.Remove.Has(entry.flag) {
			args = append(args, "-"+entry.tag)
		}
	}
	return args
}

func parseAddress(value string) domain.Address {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return domain.Address{Email: strings.TrimSpace(value)}
	}
	return domain.Address{Name: addr.Name, Email: addr.Address}
}

func parseAddressList(value string) []domain.Address {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []domain.Address{{Email: strings.TrimSpace(value)}}
	}
	out := make([]domain.Address, len(addrs))
	for i, a := range addrs {
		out[i] = domain.Address{Name: a.Name, Email: a.Address}
	}
	return out
}

// splitMsgIDs extracts bracketed message ids from a header value.
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

// referenceHeaders reads References and In-Reply-To straight from the
// message file, because notmuch show does not emit them. A missing or
// unreadable file degrades to standalone threading, never an error.
func referenceHeaders(path string) (references []string, inReplyTo string) {
	if path == "" {
		return nil, ""
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ""
	}
	defer f.Close()

	header, err := textproto.NewReader(bufio.NewReader(f)).ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil, ""
	}
	references = splitMsgIDs(header.Get("References"))
	if ids := splitMsgIDs(header.Get("In-Reply-To")); len(ids) > 0 {
		inReplyTo = ids[0]
	}
	return references, inReplyTo
}

// envelopeFromMessage maps one notmuch message onto the domain
// envelope. The notmuch message id doubles as UID and as body locator.
func envelopeFromMessage(mailbox string, m message) domain.Envelope {
	env := domain.Envelope{
		Mailbox:     mailbox,
		UID:         m.ID,
		MessageID:   "<" + m.ID + ">",
		Subject:     m.Headers["Subject"],
		Date:        time.Unix(m.Timestamp, 0).UTC(),
		Flags:       flagsFromTags(m.Tags),
		BodyLocator: m.ID,
	}
	if from := m.Headers["From"]; from != "" {
		env.From = parseAddress(from)
	}
	env.To = parseAddressList(m.Headers["To"])
	env.CC = parseAddressList(m.Headers["Cc"])

	if len(m.Filename) > 0 {
		env.References, env.InReplyTo = referenceHeaders(m.Filename[0])
		if fi, err := os.Stat(m.Filename[0]); err == nil {
			env.Size = fi.Size()
		}
	}
	return env
}
