package index

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`
CREATE TABLE messages (
    id               INTEGER PRIMARY KEY,
    message_id       TEXT    NOT NULL DEFAULT '',
    sender_address   TEXT    NOT NULL,
    sender_key       TEXT    NOT NULL,
    sender_domain    TEXT    NOT NULL CHECK (sender_domain <> ''),
    subject          TEXT    NOT NULL DEFAULT '',
    sent_at          INTEGER,
    raw_date         TEXT    NOT NULL DEFAULT '',
    year             INTEGER NOT NULL DEFAULT 0,
    size             INTEGER NOT NULL DEFAULT 0,
    raw_size         INTEGER NOT NULL DEFAULT 0,
    attachment_count INTEGER NOT NULL DEFAULT 0,
    attachment_size  INTEGER NOT NULL DEFAULT 0,
    archive_offset   INTEGER NOT NULL DEFAULT 0,
    archive_length   INTEGER NOT NULL DEFAULT 0,
    degraded         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE labels (
    id    INTEGER PRIMARY KEY,
    name  TEXT NOT NULL UNIQUE,
    kind  TEXT NOT NULL DEFAULT 'user',
    role  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE message_labels (
    message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    label_id   INTEGER NOT NULL REFERENCES labels(id),
    PRIMARY KEY (message_id, label_id)
) WITHOUT ROWID;

CREATE INDEX idx_message_labels_label ON message_labels(label_id, message_id);
CREATE INDEX idx_messages_year ON messages(year);
CREATE INDEX idx_messages_domain ON messages(sender_domain);
CREATE INDEX idx_messages_sender ON messages(sender_key);
CREATE INDEX idx_messages_size ON messages(size DESC);
`,
	`
CREATE TABLE ingest_runs (
    id          TEXT    PRIMARY KEY,
    source      TEXT    NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    status      TEXT    NOT NULL,
    scanned     INTEGER NOT NULL DEFAULT 0,
    indexed     INTEGER NOT NULL DEFAULT 0,
    degraded    INTEGER NOT NULL DEFAULT 0,
    malformed   INTEGER NOT NULL DEFAULT 0,
    filtered    INTEGER NOT NULL DEFAULT 0
);
`,
}

// SchemaVersion is the user_version of a fully migrated index.
var SchemaVersion = len(migrations)
