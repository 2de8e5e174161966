// Package notmuchq implements the backend capability interface on top
// of the notmuch CLI. Mailboxes are tags, message UIDs are notmuch
// message ids, and the sync cursor rides on the database's lastmod
// counter, so incremental fetches are a single lastmod range query.
//
// The index is read-mostly: flag changes become tag changes, but
// expunging through the index is refused because notmuch does not own
// the underlying files.
package notmuchq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/domain"
)

// Config holds the parameters for one notmuch-backed account.
type Config struct {
	// Command is the notmuch binary to run. Defaults to "notmuch" from
	// PATH.
	Command string

	// ConfigPath is passed as --config so multiple accounts can point
	// at different databases. Empty uses notmuch's own default.
	ConfigPath string
}

// pollInterval is the Watch re-check cadence. Lastmod probes are one
// cheap count invocation.
const pollInterval = 30 * time.Second

// runner executes one notmuch invocation and returns stdout. Tests
// substitute a fake.
type runner func(ctx context.Context, args ...string) ([]byte, error)

// Backend implements the capability interface over the notmuch CLI.
type Backend struct {
	cfg    Config
	run    runner
	logger *logrus.Logger
}

// New builds a notmuch backend. The binary is not touched until
// Connect.
func New(cfg Config, logger *logrus.Logger) *Backend {
	if cfg.Command == "" {
		cfg.Command = "notmuch"
	}
	b := &Backend{cfg: cfg, logger: logger}
	b.run = b.execNotmuch
	return b
}

// execNotmuch runs the notmuch binary with the configured database.
func (b *Backend) execNotmuch(ctx context.Context, args ...string) ([]byte, error) {
	full := args
	if b.cfg.ConfigPath != "" {
		full = append([]string{"--config=" + b.cfg.ConfigPath}, args...)
	}

	cmd := exec.CommandContext(ctx, b.cfg.Command, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("notmuch binary not found: %w", err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("notmuch %s: %s: %w", args[0], msg, err)
		}
		return nil, fmt.Errorf("notmuch %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// Connect verifies the database is readable. Repeated calls just rerun
// the probe, which is the idempotence the contract asks for.
func (b *Backend) Connect(ctx context.Context) error {
	const op = "notmuch: connect"
	if _, _, err := b.lastmod(ctx, op); err != nil {
		return err
	}
	return nil
}

// Close is a no-op: each invocation is a fresh process.
func (b *Backend) Close() error {
	return nil
}

// lastmod reads the database revision: its UUID and the monotonically
// increasing modification counter.
func (b *Backend) lastmod(ctx context.Context, op string) (uuid string, rev uint64, err error) {
	out, err := b.run(ctx, "count", "--lastmod", "*")
	if err != nil {
		return "", 0, backend.Wrap(op, backend.Unreachable, err)
	}
	// Output is "<count>\t<uuid>\t<lastmod>".
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 3 {
		return "", 0, backend.Errf(backend.ProtocolViolation, op, "unexpected count --lastmod output %q", out)
	}
	rev, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return "", 0, backend.Errf(backend.ProtocolViolation, op, "bad lastmod %q", fields[2])
	}
	return fields[1], rev, nil
}

// count runs notmuch count for one query.
func (b *Backend) count(ctx context.Context, op, query string) (int, error) {
	out, err := b.run(ctx, "count", query)
	if err != nil {
		return 0, backend.Wrap(op, backend.Unreachable, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 31)
	if err != nil {
		return 0, backend.Errf(backend.ProtocolViolation, op, "bad count output %q", out)
	}
	return int(n), nil
}

// ListMailboxes exposes each tag as a mailbox with message and unread
// counts.
func (b *Backend) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	const op = "notmuch: list mailboxes"

	out, err := b.run(ctx, "search", "--format=json", "--output=tags", "*")
	if err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	var tags []string
	if err := json.Unmarshal(out, &tags); err != nil {
		return nil, backend.Errf(backend.ProtocolViolation, op, "failed to decode tag list: %w", err)
	}
	sort.Strings(tags)

	boxes := make([]domain.Mailbox, 0, len(tags))
	for _, tag := range tags {
		if tag == "unread" {
			continue
		}
		total, err := b.count(ctx, op, "tag:"+tag)
		if err != nil {
			return nil, err
		}
		unseen, err := b.count(ctx, op, "tag:"+tag+" and tag:unread")
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, domain.Mailbox{Name: tag, Total: total, Unseen: unseen})
	}
	return boxes, nil
}

// cursor is "uuid:lastmod". A UUID mismatch means the database was
// rebuilt and the lastmod counter restarted, so the cursor is void.
func formatCursor(uuid string, rev uint64) string {
	return uuid + ":" + strconv.FormatUint(rev, 10)
}

func parseCursor(cursor string) (uuid string, rev uint64, ok bool) {
	idx := strings.LastIndexByte(cursor, ':')
	if idx <= 0 {
		return "", 0, false
	}
	rev, err := strconv.ParseUint(cursor[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return cursor[:idx], rev, true
}

// FetchEnvelopes queries messages tagged with the mailbox tag. With a
// valid cursor only messages whose database revision is newer are
// returned; otherwise the whole tag is enumerated.
func (b *Backend) FetchEnvelopes(ctx context.Context, mailbox, cursor string) (*backend.FetchResult, error) {
	const op = "notmuch: fetch envelopes"

	uuid, rev, err := b.lastmod(ctx, op)
	if err != nil {
		return nil, err
	}

	query := "tag:" + mailbox
	full := true
	if prevUUID, prevRev, ok := parseCursor(cursor); ok && prevUUID == uuid {
		full = false
		if prevRev >= rev {
			// Nothing changed since the cursor was minted.
			return &backend.FetchResult{Cursor: formatCursor(uuid, rev)}, nil
		}
		query = fmt.Sprintf("%s and lastmod:%d..", query, prevRev+1)
	}

	out, err := b.run(ctx, "show", "--format=json", "--body=false", "--entire-thread=false", query)
	if err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	messages, err := parseShowOutput(out)
	if err != nil {
		return nil, backend.Errf(backend.ProtocolViolation, op, "failed to decode show output: %w", err)
	}

	envelopes := make([]domain.Envelope, 0, len(messages))
	for _, m := range messages {
		envelopes = append(envelopes, envelopeFromMessage(mailbox, m))
	}
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].UID < envelopes[j].UID })

	return &backend.FetchResult{
		Envelopes: envelopes,
		Cursor:    formatCursor(uuid, rev),
		Full:      full,
	}, nil
}

// FetchBody resolves a locator, which is a notmuch message id, to the
// raw message bytes.
func (b *Backend) FetchBody(ctx context.Context, locator string) ([]byte, error) {
	const op = "notmuch: fetch body"
	if locator == "" {
		return nil, backend.Errf(backend.NotFound, op, "empty body locator")
	}
	out, err := b.run(ctx, "show", "--format=raw", "id:"+locator)
	if err != nil {
		if strings.Contains(err.Error(), "does not match any") {
			return nil, backend.Errf(backend.NotFound, op, "message %q not in index", locator)
		}
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	return out, nil
}

// SetFlags rewrites tags on the given messages with one notmuch tag
// invocation.
func (b *Backend) SetFlags(ctx context.Context, mailbox string, uids []string, delta domain.FlagDelta) error {
	const op = "notmuch: set flags"
	changes := tagChanges(delta)
	if len(changes) == 0 || len(uids) == 0 {
		return nil
	}

	terms := make([]string, len(uids))
	for i, uid := range uids {
		terms[i] = "id:" + uid
	}
	args := append([]string{"tag"}, changes...)
	args = append(args, "--")
	args = append(args, strings.Join(terms, " or "))

	if _, err := b.run(ctx, args...); err != nil {
		return backend.Wrap(op, backend.Unreachable, err)
	}
	return nil
}

// Expunge is refused: the index does not own the message files, so
// destructive removal must happen through the store that does.
func (b *Backend) Expunge(ctx context.Context, mailbox string, uids []string) error {
	return &backend.Error{
		Kind: backend.PermissionDenied,
		Op:   "notmuch: expunge",
		Err:  backend.ErrUnsupported,
	}
}

// Search runs a native notmuch query and returns matching message ids.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	const op = "notmuch: search"

	out, err := b.run(ctx, "search", "--format=json", "--output=messages", query)
	if err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	var ids []string
	if err := json.Unmarshal(out, &ids); err != nil {
		return nil, backend.Errf(backend.ProtocolViolation, op, "failed to decode search output: %w", err)
	}
	for i, id := range ids {
		ids[i] = strings.TrimPrefix(id, "id:")
	}
	return ids, nil
}

// Watch polls the database lastmod counter and emits a change whenever
// it advances.
func (b *Backend) Watch(ctx context.Context, mailbox string) (backend.Subscription, error) {
	const op = "notmuch: watch"

	uuid, rev, err := b.lastmod(ctx, op)
	if err != nil {
		return nil, err
	}

	probe := func(ctx context.Context) (bool, error) {
		curUUID, curRev, err := b.lastmod(ctx, op)
		if err != nil {
			return false, err
		}
		moved := curUUID != uuid || curRev != rev
		uuid, rev = curUUID, curRev
		return moved, nil
	}
	return backend.NewPollSubscription(ctx, mailbox, pollInterval, probe), nil
}
