package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// Timestamps are stored as TEXT in model.TimeLayout so that lexical order
// matches chronological order.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	alias           TEXT NOT NULL DEFAULT '',
	cap_mail        INTEGER NOT NULL DEFAULT 1,
	cap_calendar    INTEGER NOT NULL DEFAULT 0,
	cap_contacts    INTEGER NOT NULL DEFAULT 0,
	cold_start_days INTEGER NOT NULL DEFAULT 30,
	meta_json       TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	provider_id     TEXT NOT NULL,
	thread_id       TEXT NOT NULL DEFAULT '',
	from_addr       TEXT NOT NULL DEFAULT '',
	to_addrs        TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	received_at     TEXT NOT NULL,
	snippet         TEXT NOT NULL DEFAULT '',
	body_text       TEXT NOT NULL DEFAULT '',
	body_html       TEXT NOT NULL DEFAULT '',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	headers         TEXT NOT NULL DEFAULT '',
	raw             BLOB,
	raw_sealed      INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_tags (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	tag        TEXT NOT NULL,
	score      REAL NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (message_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_message_tags_tag ON message_tags(tag);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS cursors (
	account_id TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
	watermark  TEXT NOT NULL,
	page_size  INTEGER NOT NULL,
	last_uid   INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS reply_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id      TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	status          TEXT NOT NULL DEFAULT 'pending',
	send_mode       TEXT NOT NULL DEFAULT 'manual',
	short_reason    TEXT,
	drafted_subject TEXT,
	drafted_body    TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

-- At most one pending item per message.
CREATE UNIQUE INDEX IF NOT EXISTS idx_reply_queue_one_pending
	ON reply_queue(message_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_reply_queue_status ON reply_queue(status);

CREATE TABLE IF NOT EXISTS schedule_slots (
	slot_key TEXT PRIMARY KEY,
	fired_at TEXT NOT NULL
);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
	{
		version: 4,
		sql: `
ALTER TABLE cursors ADD COLUMN uid_validity INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (4);
`,
	},
}
