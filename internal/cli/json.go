package cli

import (
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
	"github.com/petrel-mail/petrel/internal/thread"
)

// ---------------------------------------------------------------------------
// Account status JSON type (sync)
// ---------------------------------------------------------------------------

type jsonAccountStatus struct {
	Account string `json:"account"`
	Status  string `json:"status"`
}

// ---------------------------------------------------------------------------
// Mailbox JSON type (mailboxes)
// ---------------------------------------------------------------------------

type jsonMailbox struct {
	Name   string `json:"name"`
	Total  int    `json:"total"`
	Unseen int    `json:"unseen"`
}

func toJSONMailboxes(boxes []domain.Mailbox) []jsonMailbox {
	out := make([]jsonMailbox, 0, len(boxes))
	for _, m := range boxes {
		out = append(out, jsonMailbox{
			Name:   m.Name,
			Total:  m.Total,
			Unseen: m.Unseen,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Envelope JSON type (list --flat)
// ---------------------------------------------------------------------------

type jsonEnvelope struct {
	UID     string        `json:"uid"`
	From    jsonAddress   `json:"from"`
	To      []jsonAddress `json:"to,omitempty"`
	Subject string        `json:"subject"`
	Date    string        `json:"date"`
	Seen    bool          `json:"seen"`
	Size    int64         `json:"size,omitempty"`
}

func toJSONEnvelope(e *domain.Envelope) jsonEnvelope {
	return jsonEnvelope{
		UID:     e.UID,
		From:    toJSONAddress(e.From),
		To:      toJSONAddresses(e.To),
		Subject: e.Subject,
		Date:    e.Date.Format(time.RFC3339),
		Seen:    e.Seen(),
		Size:    e.Size,
	}
}

func toJSONEnvelopes(envelopes []domain.Envelope) []jsonEnvelope {
	out := make([]jsonEnvelope, 0, len(envelopes))
	for i := range envelopes {
		out = append(out, toJSONEnvelope(&envelopes[i]))
	}
	return out
}

// ---------------------------------------------------------------------------
// Thread JSON type (list)
// ---------------------------------------------------------------------------

type jsonThread struct {
	Key       string         `json:"key"`
	Envelopes []jsonEnvelope `json:"envelopes,omitempty"`
	Children  []jsonThread   `json:"children,omitempty"`
}

func toJSONThread(n *thread.ThreadNode) jsonThread {
	out := jsonThread{Key: n.Key}
	for i := range n.Envelopes {
		out.Envelopes = append(out.Envelopes, toJSONEnvelope(&n.Envelopes[i]))
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, toJSONThread(c))
	}
	return out
}

func toJSONThreads(roots []*thread.ThreadNode) []jsonThread {
	out := make([]jsonThread, 0, len(roots))
	for _, r := range roots {
		out = append(out, toJSONThread(r))
	}
	return out
}

// ---------------------------------------------------------------------------
// Address JSON type (shared)
// ---------------------------------------------------------------------------

type jsonAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func toJSONAddress(a domain.Address) jsonAddress {
	return jsonAddress{Name: a.Name, Email: a.Email}
}

func toJSONAddresses(addrs []domain.Address) []jsonAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]jsonAddress, len(addrs))
	for i, a := range addrs {
		out[i] = toJSONAddress(a)
	}
	return out
}
