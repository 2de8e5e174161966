package cache

const schema = `
CREATE TABLE IF NOT EXISTS mailboxes (
    account     TEXT NOT NULL,
    name        TEXT NOT NULL,
    total       INTEGER NOT NULL DEFAULT 0,
    unseen      INTEGER NOT NULL DEFAULT 0,
    cursor      TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account, name)
);

CREATE TABLE IF NOT EXISTS envelopes (
    account      TEXT NOT NULL,
    mailbox      TEXT NOT NULL,
    uid          TEXT NOT NULL,
    message_id   TEXT,
    in_reply_to  TEXT,
    refs         TEXT,
    from_addr    TEXT,
    from_name    TEXT,
    to_addrs     TEXT,
    cc_addrs     TEXT,
    subject      TEXT,
    date         DATETIME NOT NULL,
    flags        INTEGER NOT NULL DEFAULT 0,
    size         INTEGER NOT NULL DEFAULT 0,
    body_locator TEXT,
    seen_cursor  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account, mailbox, uid)
);

CREATE INDEX IF NOT EXISTS idx_envelopes_mailbox ON envelopes(account, mailbox);
CREATE INDEX IF NOT EXISTS idx_envelopes_date ON envelopes(date DESC);
CREATE INDEX IF NOT EXISTS idx_envelopes_message_id ON envelopes(message_id);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS envelopes_fts USING fts5(
    subject, from_addr, from_name,
    content='envelopes', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS envelopes_ai AFTER INSERT ON envelopes BEGIN
    INSERT INTO envelopes_fts(rowid, subject, from_addr, from_name)
    VALUES (new.rowid, new.subject, new.from_addr, new.from_name);
END;

CREATE TRIGGER IF NOT EXISTS envelopes_ad AFTER DELETE ON envelopes BEGIN
    INSERT INTO envelopes_fts(envelopes_fts, rowid, subject, from_addr, from_name)
    VALUES ('delete', old.rowid, old.subject, old.from_addr, old.from_name);
END;

CREATE TRIGGER IF NOT EXISTS envelopes_au AFTER UPDATE ON envelopes BEGIN
    INSERT INTO envelopes_fts(envelopes_fts, rowid, subject, from_addr, from_name)
    VALUES ('delete', old.rowid, old.subject, old.from_addr, old.from_name);
    INSERT INTO envelopes_fts(rowid, subject, from_addr, from_name)
    VALUES (new.rowid, new.subject, new.from_addr, new.from_name);
END;
`
