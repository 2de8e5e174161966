package jmapapi

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/domain"
)

// Config holds the connection parameters for one JMAP account. Either
// Token (bearer) or Username/Password (basic) must be set.
type Config struct {
	// Endpoint is the session resource URL, or just a hostname to use
	// well-known autodiscovery.
	Endpoint string

	Token    string
	Username string
	Password string

	Timeout           time.Duration
	RequestsPerSecond float64
}

// changesPageSize bounds one Email/changes page; the fetch loop follows
// hasMoreChanges until the server is drained.
const changesPageSize = 256

// pollInterval is the fallback re-check cadence for Watch. JMAP has
// push via EventSource but polling Email/changes is universally
// supported and cheap.
const pollInterval = time.Minute

// emailProperties is the Email/get property set: enough to build a
// domain envelope without fetching bodies.
var emailProperties = []string{
	"id", "blobId", "mailboxIds", "keywords", "size", "receivedAt",
	"messageId", "inReplyTo", "references", "from", "to", "cc",
	"subject", "sentAt",
}

// Backend implements the capability interface over JMAP.
type Backend struct {
	client *client
	logger *logrus.Logger

	mu       sync.Mutex
	nameToID map[string]Id
}

// New builds a JMAP backend. No network traffic happens until Connect.
func New(cfg Config, logger *logrus.Logger) *Backend {
	return &Backend{
		client:   newClient(cfg, logger),
		logger:   logger,
		nameToID: make(map[string]Id),
	}
}

// Connect discovers the session resource. Subsequent calls are no-ops
// while the session is held.
func (b *Backend) Connect(ctx context.Context) error {
	return b.client.discover(ctx)
}

// Close drops the cached session. The underlying HTTP client keeps no
// persistent connection worth tearing down.
func (b *Backend) Close() error {
	b.client.session = nil
	return nil
}

// ListMailboxes fetches the mailbox tree and flattens it to "/"-joined
// path names, refreshing the name/id mapping as a side effect.
func (b *Backend) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	const op = "jmap: list mailboxes"

	var resp GetMailboxesResponse
	err := b.client.invoke(ctx, op, "Mailbox/get", map[string]any{
		"accountId": b.client.accountID,
		"ids":       nil,
	}, &resp)
	if err != nil {
		return nil, err
	}

	byID := make(map[Id]Mailbox, len(resp.List))
	for _, m := range resp.List {
		byID[m.Id] = m
	}

	b.mu.Lock()
	b.nameToID = make(map[string]Id, len(resp.List))
	var out []domain.Mailbox
	for _, m := range resp.List {
		name := mailboxPath(byID, m)
		b.nameToID[name] = m.Id
		out = append(out, domain.Mailbox{
			Name:   name,
			Total:  int(m.TotalEmails),
			Unseen: int(m.UnreadEmails),
		})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// mailboxPath joins a mailbox's ancestry into a "/"-separated path.
// A broken parent link terminates the walk rather than looping.
func mailboxPath(byID map[Id]Mailbox, m Mailbox) string {
	parts := []string{m.Name}
	seen := map[Id]bool{m.Id: true}
	for m.ParentId != nil {
		parent, ok := byID[*m.ParentId]
		if !ok || seen[parent.Id] {
			break
		}
		seen[parent.Id] = true
		parts = append([]string{parent.Name}, parts...)
		m = parent
	}
	return strings.Join(parts, "/")
}

// resolveMailbox maps a path name to its JMAP id, refreshing the
// mailbox list once on a miss.
func (b *Backend) resolveMailbox(ctx context.Context, op, mailbox string) (Id, error) {
	b.mu.Lock()
	id, ok := b.nameToID[mailbox]
	b.mu.Unlock()
	if ok {
		return id, nil
	}

	if _, err := b.ListMailboxes(ctx); err != nil {
		return "", err
	}

	b.mu.Lock()
	id, ok = b.nameToID[mailbox]
	b.mu.Unlock()
	if !ok {
		return "", backend.Errf(backend.NotFound, op, "mailbox %q does not exist", mailbox)
	}
	return id, nil
}

// FetchEnvelopes pages Email/changes since the cursor, or runs a full
// Email/query when the cursor is empty or invalidated. Destroyed ids in
// the change log force a full result so the caller's prune sees them.
func (b *Backend) FetchEnvelopes(ctx context.Context, mailbox, cursor string) (*backend.FetchResult, error) {
	const op = "jmap: fetch envelopes"

	mailboxID, err := b.resolveMailbox(ctx, op, mailbox)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return b.fetchFull(ctx, op, mailbox, mailboxID)
	}

	state := cursor
	var changed []Id
	for {
		var resp ChangesResponse
		err := b.client.invoke(ctx, op, "Email/changes", map[string]any{
			"accountId":  b.client.accountID,
			"sinceState": state,
			"maxChanges": changesPageSize,
		}, &resp)
		if err == errCannotCalculateChanges {
			b.logger.WithField("mailbox", mailbox).
				Debug("jmap: change state expired, falling back to full fetch")
			return b.fetchFull(ctx, op, mailbox, mailboxID)
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Destroyed) > 0 {
			// Incremental results cannot report removals, so surface
			// them through a full enumeration instead.
			return b.fetchFull(ctx, op, mailbox, mailboxID)
		}
		changed = append(changed, resp.Created...)
		changed = append(changed, resp.Updated...)
		state = resp.NewState
		if !resp.HasMoreChanges {
			break
		}
	}

	if len(changed) == 0 {
		return &backend.FetchResult{Cursor: state}, nil
	}

	emails, _, err := b.getEmails(ctx, op, changed)
	if err != nil {
		return nil, err
	}

	var envelopes []domain.Envelope
	for _, e := range emails {
		if !e.MailboxIds[mailboxID] {
			continue
		}
		envelopes = append(envelopes, envelopeFromEmail(mailbox, e))
	}
	return &backend.FetchResult{Envelopes: envelopes, Cursor: state}, nil
}

// fetchFull enumerates every message in the mailbox.
func (b *Backend) fetchFull(ctx context.Context, op, mailbox string, mailboxID Id) (*backend.FetchResult, error) {
	var query QueryEmailsResponse
	err := b.client.invoke(ctx, op, "Email/query", map[string]any{
		"accountId": b.client.accountID,
		"filter":    map[string]any{"inMailbox": mailboxID},
	}, &query)
	if err != nil {
		return nil, err
	}

	emails, state, err := b.getEmails(ctx, op, query.Ids)
	if err != nil {
		return nil, err
	}

	envelopes := make([]domain.Envelope, 0, len(emails))
	for _, e := range emails {
		envelopes = append(envelopes, envelopeFromEmail(mailbox, e))
	}
	return &backend.FetchResult{Envelopes: envelopes, Cursor: state, Full: true}, nil
}

// getEmails fetches envelope metadata for the given ids and returns the
// server's Email state token alongside. Ids the server no longer knows
// are skipped. An empty id list still round-trips to learn the state.
func (b *Backend) getEmails(ctx context.Context, op string, ids []Id) ([]Email, string, error) {
	var resp GetEmailsResponse
	err := b.client.invoke(ctx, op, "Email/get", map[string]any{
		"accountId":  b.client.accountID,
		"ids":        ids,
		"properties": emailProperties,
	}, &resp)
	if err != nil {
		return nil, "", err
	}
	if len(resp.NotFound) > 0 {
		b.logger.WithField("count", len(resp.NotFound)).
			Debug("jmap: some emails vanished between query and get")
	}
	return resp.List, resp.State, nil
}

// FetchBody downloads the raw message for a locator, which is the
// email's blob id.
func (b *Backend) FetchBody(ctx context.Context, locator string) ([]byte, error) {
	const op = "jmap: fetch body"
	if locator == "" {
		return nil, backend.Errf(backend.NotFound, op, "empty body locator")
	}
	return b.client.download(ctx, Id(locator))
}

// SetFlags patches keywords on the given messages with one Email/set.
// Ids the server no longer knows are skipped; other per-id failures
// fail the call.
func (b *Backend) SetFlags(ctx context.Context, mailbox string, uids []string, delta domain.FlagDelta) error {
	const op = "jmap: set flags"
	if delta.Empty() || len(uids) == 0 {
		return nil
	}

	patch := keywordPatch(delta)
	update := make(map[Id]map[string]any, len(uids))
	for _, uid := range uids {
		update[Id(uid)] = patch
	}

	var resp SetEmailsResponse
	err := b.client.invoke(ctx, op, "Email/set", map[string]any{
		"accountId": b.client.accountID,
		"update":    update,
	}, &resp)
	if err != nil {
		return err
	}
	return b.checkSetFailures(op, resp.NotUpdated)
}

// Expunge destroys the given messages. Already-gone messages are
// tolerated so the operation is idempotent.
func (b *Backend) Expunge(ctx context.Context, mailbox string, uids []string) error {
	const op = "jmap: expunge"
	if len(uids) == 0 {
		return nil
	}

	destroy := make([]Id, len(uids))
	for i, uid := range uids {
		destroy[i] = Id(uid)
	}

	var resp SetEmailsResponse
	err := b.client.invoke(ctx, op, "Email/set", map[string]any{
		"accountId": b.client.accountID,
		"destroy":   destroy,
	}, &resp)
	if err != nil {
		return err
	}
	return b.checkSetFailures(op, resp.NotDestroyed)
}

// checkSetFailures inspects per-id Email/set failures. notFound is
// logged and forgiven; anything else fails the whole operation.
func (b *Backend) checkSetFailures(op string, failures map[Id]MethodError) error {
	for id, merr := range failures {
		if merr.Type == "notFound" {
			b.logger.WithField("uid", string(id)).Debug("jmap: message already gone")
			continue
		}
		return methodError(op, merr)
	}
	return nil
}

// Search runs a server-side full-text query and returns matching ids.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	const op = "jmap: search"

	var resp QueryEmailsResponse
	err := b.client.invoke(ctx, op, "Email/query", map[string]any{
		"accountId": b.client.accountID,
		"filter":    map[string]any{"text": query},
	}, &resp)
	if err != nil {
		return nil, err
	}

	uids := make([]string, len(resp.Ids))
	for i, id := range resp.Ids {
		uids[i] = string(id)
	}
	return uids, nil
}

// Watch polls Email/changes against the last seen state and emits a
// change whenever the state moves.
func (b *Backend) Watch(ctx context.Context, mailbox string) (backend.Subscription, error) {
	const op = "jmap: watch"

	if _, err := b.resolveMailbox(ctx, op, mailbox); err != nil {
		return nil, err
	}
	_, state, err := b.getEmails(ctx, op, nil)
	if err != nil {
		return nil, err
	}
	return backend.NewPollSubscription(ctx, mailbox, pollInterval, b.changesProbe(op, state)), nil
}

// changesProbe builds the Watch poll probe. It tracks the Email state
// across calls and reports true when it moves. An expired state cannot
// feed Email/changes again, so it is reseeded with a fresh Email/get
// before reporting the (assumed) change.
func (b *Backend) changesProbe(op, initial string) func(ctx context.Context) (bool, error) {
	state := initial
	return func(ctx context.Context) (bool, error) {
		var resp ChangesResponse
		err := b.client.invoke(ctx, op, "Email/changes", map[string]any{
			"accountId":  b.client.accountID,
			"sinceState": state,
			"maxChanges": 1,
		}, &resp)
		if err == errCannotCalculateChanges {
			_, fresh, err := b.getEmails(ctx, op, nil)
			if err != nil {
				return false, err
			}
			state = fresh
			return true, nil
		}
		if err != nil {
			return false, err
		}
		moved := resp.NewState != state ||
			len(resp.Created) > 0 || len(resp.Updated) > 0 || len(resp.Destroyed) > 0
		state = resp.NewState
		return moved, nil
	}
}
