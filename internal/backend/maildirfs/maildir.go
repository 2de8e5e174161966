// Package maildirfs implements the backend contract over a local
// maildir tree. The directory entries are the source of truth: files
// created or removed by other processes are reconciled into the cache
// on the next sync. Flag changes are renames, expunge is unlink, and
// message files are never edited in place.
package maildirfs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/petrel-mail/petrel/internal/backend"
	"github.com/petrel-mail/petrel/internal/domain"
)

// locatorSep joins mailbox and UID into an opaque body locator. The UID
// alone is not enough because a flag rename changes the file path, so
// the locator is re-resolved against the directory on every read.
const locatorSep = "\x00"

// Backend serves one account rooted at a maildir directory. Every
// subdirectory containing cur/, new/ and tmp/ is a mailbox; nesting
// expresses hierarchy.
type Backend struct {
	root   string
	logger *logrus.Logger
}

// New returns a maildir backend rooted at dir.
func New(dir string, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	return &Backend{root: dir, logger: logger}
}

// Connect validates that the root exists and is a directory. Maildir
// access is stateless, so repeated calls are trivially no-ops.
func (b *Backend) Connect(ctx context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return backend.Wrap("maildir connect", backend.Unreachable, err)
	}
	if !info.IsDir() {
		return backend.Errf(backend.Unreachable, "maildir connect", "%s is not a directory", b.root)
	}
	return nil
}

// Close is a no-op: there is no connection to tear down.
func (b *Backend) Close() error {
	return nil
}

// ListMailboxes walks the root and returns every maildir found.
func (b *Backend) ListMailboxes(ctx context.Context) ([]domain.Mailbox, error) {
	var boxes []domain.Mailbox
	err := filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || !isMaildir(path) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == "." {
			name = "INBOX"
		}
		total, unseen, countErr := b.countMessages(path)
		if countErr != nil {
			return countErr
		}
		boxes = append(boxes, domain.Mailbox{Name: name, Total: total, Unseen: unseen})
		return nil
	})
	if err != nil {
		return nil, backend.Wrap("maildir list", backend.Unreachable, err)
	}
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Name < boxes[j].Name })
	return boxes, nil
}

func isMaildir(path string) bool {
	for _, sub := range []string{"cur", "new", "tmp"} {
		info, err := os.Stat(filepath.Join(path, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

func (b *Backend) countMessages(dir string) (total, unseen int, err error) {
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			return 0, 0, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			total++
			_, info := splitFilename(e.Name())
			if !parseFlags(info).Has(domain.FlagSeen) {
				unseen++
			}
		}
	}
	return total, unseen, nil
}

// mailboxDir resolves a mailbox name to its directory.
func (b *Backend) mailboxDir(mailbox string) string {
	if mailbox == "INBOX" && !isMaildir(filepath.Join(b.root, "INBOX")) {
		return b.root
	}
	return filepath.Join(b.root, filepath.FromSlash(mailbox))
}

// generation returns the mailbox's modification token: the latest mtime
// of its cur/ and new/ directories, in unix nanoseconds. Deliveries,
// renames and removals all bump it.
func (b *Backend) generation(dir string) (int64, error) {
	var latest int64
	for _, sub := range []string{"cur", "new"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			return 0, err
		}
		if ns := info.ModTime().UnixNano(); ns > latest {
			latest = ns
		}
	}
	return latest, nil
}

// FetchEnvelopes scans the mailbox. The cursor is the directory
// generation of the previous scan: when it is unchanged the result is
// an empty incremental fetch, otherwise the whole directory is re-read
// and returned as a full result. The filesystem cannot tell us which
// files changed, only that something did.
func (b *Backend) FetchEnvelopes(ctx context.Context, mailbox, cursor string) (*backend.FetchResult, error) {
	dir := b.mailboxDir(mailbox)
	if !isMaildir(dir) {
		return nil, backend.Errf(backend.NotFound, "maildir fetch", "no maildir at %s", mailbox)
	}

	gen, err := b.generation(dir)
	if err != nil {
		return nil, backend.Wrap("maildir fetch", backend.Unreachable, err)
	}
	newCursor := strconv.FormatInt(gen, 10)

	if cursor != "" {
		prev, parseErr := strconv.ParseInt(cursor, 10, 64)
		if parseErr == nil && prev == gen {
			return &backend.FetchResult{Cursor: newCursor, Full: false}, nil
		}
		// A malformed cursor falls through to a full rescan.
	}

	var envelopes []domain.Envelope
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			return nil, backend.Wrap("maildir fetch", backend.Unreachable, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			env, err := b.readEnvelope(mailbox, filepath.Join(dir, sub, entry.Name()), sub == "new")
			if err != nil {
				b.logger.WithError(err).WithField("file", entry.Name()).
					Warn("maildir: skipping unreadable message")
				continue
			}
			envelopes = append(envelopes, env)
		}
	}
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].UID < envelopes[j].UID })

	return &backend.FetchResult{Envelopes: envelopes, Cursor: newCursor, Full: true}, nil
}

func (b *Backend) readEnvelope(mailbox, path string, recent bool) (domain.Envelope, error) {
	name := filepath.Base(path)
	uid, info := splitFilename(name)

	env, err := parseHeaders(path)
	if err != nil {
		return domain.Envelope{}, err
	}

	env.Mailbox = mailbox
	env.UID = uid
	env.Flags = parseFlags(info)
	if recent {
		env.Flags = env.Flags.With(domain.FlagRecent)
	}
	env.BodyLocator = mailbox + locatorSep + uid

	if st, err := os.Stat(path); err == nil {
		env.Size = st.Size()
		if env.Date.IsZero() {
			env.Date = st.ModTime().UTC()
		}
	}
	return env, nil
}

// findMessage locates the current file of a message by UID, checking
// cur/ before new/ since flagged messages live in cur/.
func (b *Backend) findMessage(mailbox, uid string) (path string, inNew bool, err error) {
	dir := b.mailboxDir(mailbox)
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			return "", false, backend.Wrap("maildir resolve", backend.Unreachable, err)
		}
		for _, entry := range entries {
			got, _ := splitFilename(entry.Name())
			if got == uid {
				return filepath.Join(dir, sub, entry.Name()), sub == "new", nil
			}
		}
	}
	return "", false, backend.Errf(backend.NotFound, "maildir resolve", "message %s not in %s", uid, mailbox)
}

// FetchBody reads the raw message bytes for a locator issued by
// FetchEnvelopes. The file is re-resolved because flag renames move it.
func (b *Backend) FetchBody(ctx context.Context, locator string) ([]byte, error) {
	mailbox, uid, ok := strings.Cut(locator, locatorSep)
	if !ok {
		return nil, backend.Errf(backend.NotFound, "maildir body", "malformed locator %q", locator)
	}
	path, _, err := b.findMessage(mailbox, uid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, backend.Wrap("maildir body", backend.Unreachable, err)
	}
	return data, nil
}

// SetFlags renames each message so its info suffix encodes the new flag
// set. A message still in new/ is moved to cur/, per the maildir rule
// that any flag change graduates the message.
func (b *Backend) SetFlags(ctx context.Context, mailbox string, uids []string, delta domain.FlagDelta) error {
	dir := b.mailboxDir(mailbox)
	for _, uid := range uids {
		path, _, err := b.findMessage(mailbox, uid)
		if err != nil {
			return err
		}
		_, info := splitFilename(filepath.Base(path))
		flags := delta.Apply(parseFlags(info))

		newName := uid + infoSeparator + formatInfo(flags, info)
		newPath := filepath.Join(dir, "cur", newName)
		if newPath == path {
			continue
		}
		if err := os.Rename(path, newPath); err != nil {
			return backend.Wrap("maildir set flags", backend.Unreachable, err)
		}
	}
	return nil
}

// Expunge permanently removes messages. Missing files are treated as
// already expunged: an external process may have beaten us to it.
func (b *Backend) Expunge(ctx context.Context, mailbox string, uids []string) error {
	for _, uid := range uids {
		path, _, err := b.findMessage(mailbox, uid)
		if err != nil {
			if backend.KindOf(err) == backend.NotFound {
				continue
			}
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return backend.Wrap("maildir expunge", backend.PermissionDenied, err)
		}
	}
	return nil
}

// Search is not provided natively; the coordinator falls back to the
// local cache's full-text index.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	return nil, &backend.Error{Kind: backend.PermissionDenied, Op: "maildir search", Err: backend.ErrUnsupported}
}

// pollFallbackInterval paces the stat-based probe used if the kernel
// watcher cannot be established.
const pollFallbackInterval = 30 * time.Second

// Watch subscribes to directory changes via the kernel file watcher,
// falling back to generation polling when the watcher cannot be set up
// (e.g. network filesystems).
func (b *Backend) Watch(ctx context.Context, mailbox string) (backend.Subscription, error) {
	dir := b.mailboxDir(mailbox)
	if !isMaildir(dir) {
		return nil, backend.Errf(backend.NotFound, "maildir watch", "no maildir at %s", mailbox)
	}

	sub, err := newFsWatch(ctx, mailbox, dir)
	if err != nil {
		b.logger.WithError(err).WithField("mailbox", mailbox).
			Warn("maildir: file watcher unavailable, polling instead")
		last, genErr := b.generation(dir)
		if genErr != nil {
			return nil, backend.Wrap("maildir watch", backend.Unreachable, genErr)
		}
		return backend.NewPollSubscription(ctx, mailbox, pollFallbackInterval, func(context.Context) (bool, error) {
			gen, err := b.generation(dir)
			if err != nil {
				return false, err
			}
			if gen == last {
				return false, nil
			}
			last = gen
			return true, nil
		}), nil
	}
	return sub, nil
}

var _ backend.Backend = (*Backend)(nil)
