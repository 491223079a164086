package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

-- last_timestamp is unix milliseconds so MAX() compares numerically.
CREATE TABLE IF NOT EXISTS sync_cursors (
	account_id     TEXT NOT NULL,
	folder         TEXT NOT NULL,
	uid_validity   INTEGER NOT NULL,
	last_uid       INTEGER NOT NULL DEFAULT 0,
	last_timestamp INTEGER NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, folder)
);

CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	folder         TEXT NOT NULL,
	uid            INTEGER NOT NULL DEFAULT 0,
	message_id     TEXT NOT NULL DEFAULT '',
	sender         TEXT NOT NULL DEFAULT '',
	recipients_to  TEXT NOT NULL DEFAULT '[]',
	recipients_cc  TEXT NOT NULL DEFAULT '[]',
	recipients_bcc TEXT NOT NULL DEFAULT '[]',
	subject        TEXT NOT NULL DEFAULT '',
	timestamp      DATETIME NOT NULL,
	date_fallback  INTEGER NOT NULL DEFAULT 0,
	text_body      TEXT NOT NULL DEFAULT '',
	html_body      TEXT NOT NULL DEFAULT '',
	body_truncated INTEGER NOT NULL DEFAULT 0,
	in_reply_to    TEXT NOT NULL DEFAULT '',
	thread_id      TEXT NOT NULL DEFAULT '',
	refs           TEXT NOT NULL DEFAULT '[]',
	attachments    TEXT NOT NULL DEFAULT '[]',
	label          TEXT NOT NULL DEFAULT 'unclassified',
	fetched_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_account_folder ON messages(account_id, folder, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_label ON messages(label);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	category   TEXT NOT NULL,
	message    TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (message_id, category)
);

CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS delivery_failures (
	account_id   TEXT NOT NULL,
	folder       TEXT NOT NULL,
	uid_validity INTEGER NOT NULL,
	uid          INTEGER NOT NULL,
	record_id    TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT '',
	quarantined  INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, folder, uid_validity, uid)
);

CREATE INDEX IF NOT EXISTS idx_delivery_failures_quarantined ON delivery_failures(quarantined);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
