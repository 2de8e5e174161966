package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrel-mail/petrel/internal/domain"
)

// UpsertMailbox inserts or updates one mailbox row. The stored cursor
// is preserved unless the caller sets one on the mailbox.
func (c *DB) UpsertMailbox(ctx context.Context, account string, m domain.Mailbox) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO mailboxes (account, name, total, unseen, cursor)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, name) DO UPDATE SET
			total  = excluded.total,
			unseen = excluded.unseen,
			cursor = CASE WHEN excluded.cursor != '' THEN excluded.cursor ELSE mailboxes.cursor END`,
		account, m.Name, m.Total, m.Unseen, m.Cursor,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mailbox %s: %w", m.Name, err)
	}
	return nil
}

// ListMailboxes returns the cached mailbox tree of one account.
func (c *DB) ListMailboxes(ctx context.Context, account string) ([]domain.Mailbox, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, total, unseen, cursor FROM mailboxes WHERE account = ? ORDER BY name`,
		account)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []domain.Mailbox
	for rows.Next() {
		var m domain.Mailbox
		if err := rows.Scan(&m.Name, &m.Total, &m.Unseen, &m.Cursor); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mailboxes: %w", err)
	}
	return out, nil
}

// GetCursor returns the stored sync cursor of one mailbox, or "" when
// the mailbox was never synced.
func (c *DB) GetCursor(ctx context.Context, account, mailbox string) (string, error) {
	var cursor string
	err := c.db.QueryRowContext(ctx,
		`SELECT cursor FROM mailboxes WHERE account = ? AND name = ?`,
		account, mailbox).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor for %s: %w", mailbox, err)
	}
	return cursor, nil
}

// SetCursor records the sync cursor of one mailbox.
func (c *DB) SetCursor(ctx context.Context, account, mailbox, cursor string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO mailboxes (account, name, cursor) VALUES (?, ?, ?)
		ON CONFLICT(account, name) DO UPDATE SET cursor = excluded.cursor`,
		account, mailbox, cursor)
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", mailbox, err)
	}
	return nil
}

// DeleteAccount prunes every row belonging to an account, used on
// account removal or reconfiguration.
func (c *DB) DeleteAccount(ctx context.Context, account string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM envelopes WHERE account = ?`, account); err != nil {
		return fmt.Errorf("failed to delete account envelopes: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM mailboxes WHERE account = ?`, account); err != nil {
		return fmt.Errorf("failed to delete account mailboxes: %w", err)
	}
	return nil
}
