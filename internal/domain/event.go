package domain

// EventKind enumerates the state changes the coordinator reports.
type EventKind int

const (
	EventNewEnvelope EventKind = iota
	EventEnvelopeUpdated
	EventEnvelopeExpunged
	EventMailboxListUpdated
	EventAccountStatusChanged
)

func (k EventKind) String() string {
	switch k {
	case EventNewEnvelope:
		return "new-envelope"
	case EventEnvelopeUpdated:
		return "envelope-updated"
	case EventEnvelopeExpunged:
		return "envelope-expunged"
	case EventMailboxListUpdated:
		return "mailbox-list-updated"
	case EventAccountStatusChanged:
		return "account-status-changed"
	default:
		return "unknown"
	}
}

// Event is an immutable record of one state change, delivered at most
// once per logical change, in coordinator order, to every listener.
// Which fields are set depends on Kind.
type Event struct {
	Kind    EventKind
	Account string
	Mailbox string
	UID     string

	// Envelope is a snapshot for NewEnvelope and EnvelopeUpdated.
	Envelope *Envelope

	// Mailboxes is the current list for MailboxListUpdated.
	Mailboxes []Mailbox

	// Status is set for AccountStatusChanged.
	Status AccountStatus
}
