// Package imapremote implements the backend contract over a stateful
// IMAP connection. Commands are serialized on the single connection;
// an IDLE watch is suspended and resumed transparently around other
// commands so they share it.
package imapremote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/domain"
)

const locatorSep = "\x00"

// Config carries the connection settings for one IMAP account.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// Backend drives one IMAP connection for one account.
type Backend struct {
	cfg    Config
	logger *logrus.Logger

	// mu serializes all protocol commands: the connection is stateful
	// and interleaved commands would cross response streams.
	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	idle     *idleWatch
}

// New returns an IMAP backend for the given configuration.
func New(cfg Config, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Port == "" {
		if cfg.TLS {
			cfg.Port = "993"
		} else {
			cfg.Port = "143"
		}
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Connect dials and authenticates. Calling it while connected is a
// no-op success.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Backend) connectLocked(ctx context.Context) error {
	if b.client != nil {
		return nil
	}

	addr := b.cfg.Host + ":" + b.cfg.Port
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				b.notifyIdle()
			},
			Expunge: func(seqNum uint32) {
				b.notifyIdle()
			},
		},
	}

	var client *imapclient.Client
	var err error
	if b.cfg.TLS {
		client, err = imapclient.DialTLS(addr, options)
	} else {
		client, err = imapclient.DialStartTLS(addr, options)
	}
	if err != nil {
		return backend.Wrap("imap connect", backend.Unreachable, err)
	}

	if err := client.Login(b.cfg.Username, b.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return backend.Errf(backend.AuthFailed, "imap login",
			"authentication failed for %s: %v", b.cfg.Username, err)
	}

	b.client = client
	b.selected = ""
	return nil
}

// Close logs out and drops the connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	b.stopIdleLocked()
	err := b.client.Logout().Wait()
	b.client = nil
	b.selected = ""
	if err != nil {
		return backend.Wrap("imap logout", backend.Unreachable, err)
	}
	return nil
}

// withConn runs fn with the connection locked, connecting on demand and
// suspending a running IDLE for the duration. Errors that indicate a
// poisoned stream drop the connection so the next call redials.
func (b *Backend) withConn(ctx context.Context, fn func(c *imapclient.Client) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		return err
	}
	b.suspendIdleLocked()
	err := fn(b.client)
	if err != nil && backend.NeedsReconnect(err) {
		b.logger.WithError(err).Warn("imap: framing violation, dropping connection")
		_ = b.client.Close()
		b.client = nil
		b.selected = ""
		return err
	}
	b.resumeIdleLocked()
	return err
}

func (b *Backend) selectLocked(mailbox string) (*imap.SelectData, error) {
	data, err := b.client.Select(mailbox, nil).Wait()
	if err != nil {
		return nil, backend.Errf(backend.NotFound, "imap select", "selecting %s: %v", mailbox, err)
	}
	b.selected = mailbox
	return data, nil
}

// ListMailboxes lists all folders with their message counts.
func (b *Backend) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	var boxes []domain.Mailbox
	err := b.withConn(ctx, func(c *imapclient.Client) error {
		listCmd := c.List("", "*", &imap.ListOptions{
			ReturnStatus: &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			},
		})
		mailboxes, err := listCmd.Collect()
		if err != nil {
			return backend.Wrap("imap list", backend.ProtocolViolation, err)
		}
		for _, m := range mailboxes {
			box := domain.Mailbox{
				Name: strings.ReplaceAll(m.Mailbox, string(m.Delim), "/"),
			}
			if m.Status != nil {
				if m.Status.NumMessages != nil {
					box.Total = int(*m.Status.NumMessages)
				}
				if m.Status.NumUnseen != nil {
					box.Unseen = int(*m.Status.NumUnseen)
				}
			}
			boxes = append(boxes, box)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return boxes, nil
}

// FetchEnvelopes fetches envelopes newer than the cursor. The cursor is
// "uidvalidity:lastuid"; a UIDVALIDITY change on the server invalidates
// every cached UID and forces a full result. Flag-only changes to old
// messages are picked up by the next full fetch.
func (b *Backend) FetchEnvelopes(ctx context.Context, mailbox, cursor string) (*backend.FetchResult, error) {
	var result *backend.FetchResult
	err := b.withConn(ctx, func(c *imapclient.Client) error {
		selData, err := b.selectLocked(mailbox)
		if err != nil {
			return err
		}

		validity, lastUID, cursorOK := parseCursor(cursor)
		full := !cursorOK || validity != selData.UIDValidity

		var uidSet imap.UIDSet
		if full {
			uidSet.AddRange(1, 0)
		} else {
			if selData.UIDNext != 0 && imap.UID(lastUID+1) >= selData.UIDNext {
				// Nothing new.
				result = &backend.FetchResult{Cursor: cursor, Full: false}
				return nil
			}
			uidSet.AddRange(imap.UID(lastUID+1), 0)
		}

		envelopes, maxUID, err := b.fetchLocked(c, mailbox, uidSet)
		if err != nil {
			return err
		}
		if !full {
			// A range with a start beyond the highest UID can echo the
			// last message back; drop anything at or below the cursor.
			filtered := envelopes[:0]
			for _, e := range envelopes {
				if uidAbove(e.UID, lastUID) {
					filtered = append(filtered, e)
				}
			}
			envelopes = filtered
			if maxUID <= lastUID {
				maxUID = lastUID
			}
		}

		result = &backend.FetchResult{
			Envelopes: envelopes,
			Cursor:    formatCursor(selData.UIDValidity, maxUID),
			Full:      full,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Backend) fetchLocked(c *imapclient.Client, mailbox string, uids imap.UIDSet) ([]domain.Envelope, uint32, error) {
	headerSection := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"References", "In-Reply-To"},
		Peek:         true,
	}
	fetchCmd := c.Fetch(uids, &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	})
	defer fetchCmd.Close()

	var envelopes []domain.Envelope
	var maxUID uint32
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, 0, backend.Wrap("imap fetch", backend.ProtocolViolation, err)
		}
		env := envelopeFromBuffer(mailbox, buf, headerSection)
		envelopes = append(envelopes, env)
		if uint32(buf.UID) > maxUID {
			maxUID = uint32(buf.UID)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, 0, backend.Wrap("imap fetch", backend.ProtocolViolation, err)
	}
	return envelopes, maxUID, nil
}

// FetchBody downloads the full raw message for a locator.
func (b *Backend) FetchBody(ctx context.Context, locator string) ([]byte, error) {
	mailbox, uidStr, ok := strings.Cut(locator, locatorSep)
	if !ok {
		return nil, backend.Errf(backend.NotFound, "imap body", "malformed locator %q", locator)
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return nil, backend.Errf(backend.NotFound, "imap body", "malformed uid %q", uidStr)
	}

	var body []byte
	err = b.withConn(ctx, func(c *imapclient.Client) error {
		if b.selected != mailbox {
			if _, err := b.selectLocked(mailbox); err != nil {
				return err
			}
		}

		section := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := c.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			return backend.Errf(backend.NotFound, "imap body", "message %d not found in %s", uid, mailbox)
		}
		buf, err := msg.Collect()
		if err != nil {
			return backend.Wrap("imap body", backend.ProtocolViolation, err)
		}
		body = buf.FindBodySection(section)
		return fetchCmd.Close()
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, backend.Errf(backend.NotFound, "imap body", "server returned no body for %d", uid)
	}
	return body, nil
}

// SetFlags applies a flag delta via STORE.
func (b *Backend) SetFlags(ctx context.Context, mailbox string, uids []string, delta domain.FlagDelta) error {
	uidSet, err := parseUIDs(uids)
	if err != nil {
		return err
	}
	return b.withConn(ctx, func(c *imapclient.Client) error {
		if b.selected != mailbox {
			if _, err := b.selectLocked(mailbox); err != nil {
				return err
			}
		}
		if add := toIMAPFlags(delta.Add); len(add) > 0 {
			if err := c.Store(uidSet, &imap.StoreFlags{
				Op: imap.StoreFlagsAdd, Silent: true, Flags: add,
			}, nil).Close(); err != nil {
				return backend.Wrap("imap store", backend.ProtocolViolation, err)
			}
		}
		if del := toIMAPFlags(delta.Remove &^ delta.Add); len(del) > 0 {
			if err := c.Store(uidSet, &imap.StoreFlags{
				Op: imap.StoreFlagsDel, Silent: true, Flags: del,
			}, nil).Close(); err != nil {
				return backend.Wrap("imap store", backend.ProtocolViolation, err)
			}
		}
		return nil
	})
}

// Expunge marks the messages deleted and expunges the mailbox.
func (b *Backend) Expunge(ctx context.Context, mailbox string, uids []string) error {
	uidSet, err := parseUIDs(uids)
	if err != nil {
		return err
	}
	return b.withConn(ctx, func(c *imapclient.Client) error {
		if b.selected != mailbox {
			if _, err := b.selectLocked(mailbox); err != nil {
				return err
			}
		}
		if err := c.Store(uidSet, &imap.StoreFlags{
			Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted},
		}, nil).Close(); err != nil {
			return backend.Wrap("imap expunge", backend.ProtocolViolation, err)
		}
		if err := c.Expunge().Close(); err != nil {
			return backend.Wrap("imap expunge", backend.ProtocolViolation, err)
		}
		return nil
	})
}

// Search runs a server-side SEARCH in the currently relevant mailbox
// scope. The query is matched against subject and body text.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	var uids []string
	err := b.withConn(ctx, func(c *imapclient.Client) error {
		if b.selected == "" {
			if _, err := b.selectLocked("INBOX"); err != nil {
				return err
			}
		}
		criteria := &imap.SearchCriteria{
			Or: [][2]imap.SearchCriteria{{
				{Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: query}}},
				{Body: []string{query}},
			}},
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return backend.Wrap("imap search", backend.ProtocolViolation, err)
		}
		for _, uid := range data.AllUIDs() {
			uids = append(uids, strconv.FormatUint(uint64(uid), 10))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

func parseUIDs(uids []string) (imap.UIDSet, error) {
	var set imap.UIDSet
	for _, s := range uids {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, backend.Errf(backend.NotFound, "imap uid", "malformed uid %q", s)
		}
		set.AddNum(imap.UID(n))
	}
	return set, nil
}

func parseCursor(cursor string) (validity uint32, lastUID uint32, ok bool) {
	v, u, found := strings.Cut(cursor, ":")
	if !found {
		return 0, 0, false
	}
	validity64, err1 := strconv.ParseUint(v, 10, 32)
	uid64, err2 := strconv.ParseUint(u, 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(validity64), uint32(uid64), true
}

func formatCursor(validity, lastUID uint32) string {
	return fmt.Sprintf("%d:%d", validity, lastUID)
}

func uidAbove(uid string, last uint32) bool {
	n, err := strconv.ParseUint(uid, 10, 32)
	return err == nil && uint32(n) > last
}

var _ backend.Backend = (*Backend)(nil)
