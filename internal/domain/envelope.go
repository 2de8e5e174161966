package domain

import "time"

type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Envelope is the metadata record for one message in one mailbox. Its
// identity is (Mailbox, UID); the UID is only stable for the life of the
// message in that mailbox. MessageID ties the message into a thread and
// may be empty for malformed mail.
type Envelope struct {
	Mailbox    string
	UID        string
	MessageID  string
	InReplyTo  string
	References []string
	From       Address
	To         []Address
	CC         []Address
	Subject    string
	Date       time.Time
	Flags      Flags
	Size       int64

	// BodyLocator is an opaque token the owning backend resolves to the
	// raw message bytes.
	BodyLocator string
}

// Key returns the mailbox-scoped identity of the envelope.
func (e *Envelope) Key() string {
	return e.Mailbox + "\x00" + e.UID
}

// ThreadKey returns the identifier used to group the envelope into a
// conversation: the Message-ID when present, otherwise a synthetic key
// derived from the envelope identity so the message threads standalone.
func (e *Envelope) ThreadKey() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return "missing-id:" + e.Key()
}

func (e *Envelope) Seen() bool {
	return e.Flags.Has(FlagSeen)
}
