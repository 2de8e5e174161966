package maildirfs

import (
	"fmt"
	"os"

	"github.com/emersion/go-message/mail"

	"github.com/petrel-mail/petrel/internal/domain"
)

// parseHeaders reads the RFC 5322 header section of a message file into
// an envelope. Malformed headers degrade field by field rather than
// failing the whole message: a mail store must tolerate whatever other
// agents have delivered into it.
func parseHeaders(path string) (domain.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to open message: %w", err)
	}
	defer f.Close()

	mr, err := mail.CreateReader(f)
	if err != nil {
		// Headers unparseable as MIME; surface an envelope with no
		// metadata so the message still appears.
		return domain.Envelope{}, nil
	}
	defer mr.Close()

	h := mr.Header
	var env domain.Envelope

	if id, err := h.MessageID(); err == nil {
		env.MessageID = "<" + id + ">"
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		for _, r := range refs {
			env.References = append(env.References, "<"+r+">")
		}
	}
	if irt, err := h.MsgIDList("In-Reply-To"); err == nil && len(irt) > 0 {
		env.InReplyTo = "<" + irt[0] + ">"
	}
	if subj, err := h.Subject(); err == nil {
		env.Subject = subj
	}
	if date, err := h.Date(); err == nil {
		env.Date = date.UTC()
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		env.From = domain.Address{Name: from[0].Name, Email: from[0].Address}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			env.To = append(env.To, domain.Address{Name: a.Name, Email: a.Address})
		}
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		for _, a := range cc {
			env.CC = append(env.CC, domain.Address{Name: a.Name, Email: a.Address})
		}
	}
	return env, nil
}
