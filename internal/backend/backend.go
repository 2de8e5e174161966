// Package backend defines the capability contract every mail store
// variant implements, plus the error taxonomy and the polling fallback
// used by variants without native push notifications.
package backend

import (
	"context"

	"github.com/petrel-mail/petrel/internal/domain"
)

// FetchResult is the outcome of one FetchEnvelopes call.
type FetchResult struct {
	Envelopes []domain.Envelope

	// Cursor is the token to pass to the next incremental fetch.
	Cursor string

	// Full reports whether Envelopes enumerates every live message in
	// the mailbox. A fetch with an empty cursor is always full; a
	// variant may also force a full result when its cursor has been
	// invalidated (e.g. an IMAP UIDVALIDITY change). Only full results
	// may be used to infer expunged messages.
	Full bool
}

// Change is one push notification from a Watch subscription. It carries
// no payload: any change triggers a re-sync of the mailbox, which is
// where the authoritative diff happens.
type Change struct {
	Mailbox string
}

// Subscription yields change notifications for one mailbox until
// closed. The channel is closed when the subscription ends.
type Subscription interface {
	Changes() <-chan Change
	Close() error
}

// Backend is the capability interface every mail store variant
// satisfies. Implementations are owned by exactly one account and are
// never shared.
type Backend interface {
	// Connect establishes or validates connectivity. Calling it while
	// already connected is a no-op success.
	Connect(ctx context.Context) error

	// ListMailboxes returns the account's mailboxes with counts.
	ListMailboxes(ctx context.Context) ([]domain.Mailbox, error)

	// FetchEnvelopes returns envelopes created or changed since cursor.
	// An empty cursor requests a full fetch.
	FetchEnvelopes(ctx context.Context, mailbox, cursor string) (*FetchResult, error)

	// FetchBody resolves an envelope's opaque body locator to the raw
	// message bytes.
	FetchBody(ctx context.Context, locator string) ([]byte, error)

	// SetFlags applies a flag delta to the given messages.
	SetFlags(ctx context.Context, mailbox string, uids []string, delta domain.FlagDelta) error

	// Expunge permanently removes the given messages. It is always
	// explicit; flag changes never imply it.
	Expunge(ctx context.Context, mailbox string, uids []string) error

	// Search evaluates a query and returns matching message UIDs,
	// resolvable against this backend's own mailboxes.
	Search(ctx context.Context, query string) ([]string, error)

	// Watch subscribes to change notifications for a mailbox. Variants
	// without native push simulate it by periodic re-fetch scheduling;
	// the caller cannot tell the difference. ctx bounds subscription
	// setup only; a started subscription runs until Close.
	Watch(ctx context.Context, mailbox string) (Subscription, error)

	// Close tears down the connection and releases resources.
	Close() error
}
