package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrel-mail/petrel/internal/domain"
)

// ErrSearchUnavailable reports that the linked SQLite has no FTS5
// module, so local full-text search cannot run.
var ErrSearchUnavailable = errors.New("full-text search unavailable: sqlite built without fts5")

// Search performs a full-text search over cached envelope metadata
// using FTS5. It backs Search jobs for accounts whose backend has no
// server-side search.
func (c *DB) Search(ctx context.Context, account, query string) ([]domain.Envelope, error) {
	if !c.fts {
		return nil, ErrSearchUnavailable
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.mailbox, e.uid, e.message_id, e.in_reply_to, e.refs,
			e.from_addr, e.from_name, e.to_addrs, e.cc_addrs,
			e.subject, e.date, e.flags, e.size, e.body_locator
		FROM envelopes e
		JOIN envelopes_fts fts ON fts.rowid = e.rowid
		WHERE envelopes_fts MATCH ? AND e.account = ?
		ORDER BY rank`, query, account)
	if err != nil {
		return nil, fmt.Errorf("failed to search envelopes: %w", err)
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}
