package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrel-mail/petrel/internal/domain"
)

// ErrNotFound is returned when the addressed envelope is not cached.
var ErrNotFound = errors.New("cache: not found")

// UpsertEnvelope inserts or replaces one envelope row atomically. The
// seenCursor records the sync cursor at which the envelope was last
// confirmed present.
func (c *DB) UpsertEnvelope(ctx context.Context, account string, e *domain.Envelope, seenCursor string) error {
	refsJSON, err := json.Marshal(e.References)
	if err != nil {
		return fmt.Errorf("failed to marshal references: %w", err)
	}
	toJSON, err := json.Marshal(e.To)
	if err != nil {
		return fmt.Errorf("failed to marshal To addresses: %w", err)
	}
	ccJSON, err := json.Marshal(e.CC)
	if err != nil {
		return fmt.Errorf("failed to marshal CC addresses: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO envelopes (account, mailbox, uid, message_id, in_reply_to, refs,
			from_addr, from_name, to_addrs, cc_addrs, subject, date, flags, size,
			body_locator, seen_cursor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, mailbox, uid) DO UPDATE SET
			message_id   = excluded.message_id,
			in_reply_to  = excluded.in_reply_to,
			refs         = excluded.refs,
			from_addr    = excluded.from_addr,
			from_name    = excluded.from_name,
			to_addrs     = excluded.to_addrs,
			cc_addrs     = excluded.cc_addrs,
			subject      = excluded.subject,
			date         = excluded.date,
			flags        = excluded.flags,
			size         = excluded.size,
			body_locator = excluded.body_locator,
			seen_cursor  = excluded.seen_cursor`,
		account, e.Mailbox, e.UID, e.MessageID, e.InReplyTo, string(refsJSON),
		e.From.Email, e.From.Name, string(toJSON), string(ccJSON),
		e.Subject, e.Date.UTC().Format(time.RFC3339Nano), int(e.Flags), e.Size,
		e.BodyLocator, seenCursor,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert envelope %s/%s: %w", e.Mailbox, e.UID, err)
	}
	return nil
}

// GetEnvelope retrieves one envelope by identity.
func (c *DB) GetEnvelope(ctx context.Context, account, mailbox, uid string) (*domain.Envelope, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT mailbox, uid, message_id, in_reply_to, refs, from_addr, from_name,
			to_addrs, cc_addrs, subject, date, flags, size, body_locator
		FROM envelopes WHERE account = ? AND mailbox = ? AND uid = ?`,
		account, mailbox, uid)

	e, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope %s/%s: %w", mailbox, uid, err)
	}
	return e, nil
}

// ListEnvelopes returns all cached envelopes of one mailbox, newest
// first.
func (c *DB) ListEnvelopes(ctx context.Context, account, mailbox string) ([]domain.Envelope, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT mailbox, uid, message_id, in_reply_to, refs, from_addr, from_name,
			to_addrs, cc_addrs, subject, date, flags, size, body_locator
		FROM envelopes WHERE account = ? AND mailbox = ?
		ORDER BY date DESC, uid`,
		account, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

// ListUIDs returns the cached UIDs of one mailbox.
func (c *DB) ListUIDs(ctx context.Context, account, mailbox string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT uid FROM envelopes WHERE account = ? AND mailbox = ? ORDER BY uid`,
		account, mailbox)
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate uids: %w", err)
	}
	return uids, nil
}

// DeleteEnvelope prunes one envelope row.
func (c *DB) DeleteEnvelope(ctx context.Context, account, mailbox, uid string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM envelopes WHERE account = ? AND mailbox = ? AND uid = ?`,
		account, mailbox, uid); err != nil {
		return fmt.Errorf("failed to delete envelope %s/%s: %w", mailbox, uid, err)
	}
	return nil
}

// SetFlags applies a flag delta to one cached envelope.
func (c *DB) SetFlags(ctx context.Context, account, mailbox, uid string, delta domain.FlagDelta) error {
	e, err := c.GetEnvelope(ctx, account, mailbox, uid)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx,
		`UPDATE envelopes SET flags = ? WHERE account = ? AND mailbox = ? AND uid = ?`,
		int(delta.Apply(e.Flags)), account, mailbox, uid); err != nil {
		return fmt.Errorf("failed to set flags on %s/%s: %w", mailbox, uid, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (*domain.Envelope, error) {
	var e domain.Envelope
	var refsJSON, toJSON, ccJSON, dateStr string
	var fromAddr, fromName string
	var flags int

	if err := row.Scan(
		&e.Mailbox, &e.UID, &e.MessageID, &e.InReplyTo, &refsJSON,
		&fromAddr, &fromName, &toJSON, &ccJSON,
		&e.Subject, &dateStr, &flags, &e.Size, &e.BodyLocator,
	); err != nil {
		return nil, err
	}

	e.From = domain.Address{Name: fromName, Email: fromAddr}
	e.Flags = domain.Flags(flags)

	if refsJSON != "" {
		if err := json.Unmarshal([]byte(refsJSON), &e.References); err != nil {
			return nil, fmt.Errorf("failed to unmarshal references: %w", err)
		}
	}
	if toJSON != "" {
		if err := json.Unmarshal([]byte(toJSON), &e.To); err != nil {
			return nil, fmt.Errorf("failed to unmarshal To addresses: %w", err)
		}
	}
	if ccJSON != "" {
		if err := json.Unmarshal([]byte(ccJSON), &e.CC); err != nil {
			return nil, fmt.Errorf("failed to unmarshal CC addresses: %w", err)
		}
	}

	date, err := time.Parse(time.RFC3339Nano, dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope date: %w", err)
	}
	e.Date = date
	return &e, nil
}

func collectEnvelopes(rows *sql.Rows) ([]domain.Envelope, error) {
	var out []domain.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate envelopes: %w", err)
	}
	return out, nil
}
