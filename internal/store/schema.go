package store

// schema creates every table named in spec.md §6. Each installation owns
// exactly one such database, opened under SQLCipher in production (the
// encryption key is supplied via the driver DSN by the caller — encrypting
// the connection itself is outside this package's remit, per spec §1's
// "storage-engine internals beyond the invariants the core relies on").
const schema = `
CREATE TABLE IF NOT EXISTS groups (
	group_id              BLOB PRIMARY KEY,
	conversation_type     TEXT NOT NULL,
	epoch_number          INTEGER NOT NULL DEFAULT 0,
	epoch_authenticator   BLOB,
	membership_state      TEXT NOT NULL,
	consent_state         TEXT NOT NULL DEFAULT 'unknown',
	creator_inbox_id      TEXT NOT NULL,
	peer_inbox_id         TEXT,
	created_at_ns         INTEGER NOT NULL,
	name                  TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	image_url             TEXT NOT NULL DEFAULT '',
	disappearing_from_ns  INTEGER,
	disappearing_in_ns    INTEGER,
	min_protocol_version  TEXT NOT NULL DEFAULT '',
	commit_log_signer_pub BLOB,
	admin_list            TEXT NOT NULL DEFAULT '[]',
	super_admin_list      TEXT NOT NULL DEFAULT '[]',
	is_active             INTEGER NOT NULL DEFAULT 1,
	is_commit_log_forked  INTEGER NOT NULL DEFAULT 0,
	is_awaiting_readd     INTEGER NOT NULL DEFAULT 0,
	rotated_at_ns         INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_dm_unique
	ON groups(creator_inbox_id, conversation_type, peer_inbox_id)
	WHERE conversation_type = 'dm';

CREATE TABLE IF NOT EXISTS group_messages (
	id                BLOB PRIMARY KEY,
	group_id          BLOB NOT NULL,
	originator_id     INTEGER NOT NULL,
	sequence_id       INTEGER NOT NULL,
	sent_at_ns        INTEGER NOT NULL,
	sender_inbox_id   TEXT NOT NULL,
	kind              TEXT NOT NULL,
	authority_id      TEXT NOT NULL DEFAULT '',
	type_id           TEXT NOT NULL DEFAULT '',
	version_major     INTEGER NOT NULL DEFAULT 0,
	version_minor     INTEGER NOT NULL DEFAULT 0,
	content           BLOB,
	delivery_status   TEXT NOT NULL DEFAULT 'unpublished',
	sender_hmac       BLOB,
	UNIQUE(group_id, originator_id, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_group_messages_group_cursor
	ON group_messages(group_id, originator_id, sequence_id);

CREATE TABLE IF NOT EXISTS welcomes (
	welcome_id        INTEGER PRIMARY KEY,
	installation_key  BLOB NOT NULL,
	dedupe_hash       TEXT NOT NULL UNIQUE,
	group_id          BLOB,
	status            TEXT NOT NULL DEFAULT 'pending',
	failure_reason    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS identity_updates (
	inbox_id     TEXT NOT NULL,
	sequence_id  INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	payload      BLOB NOT NULL,
	PRIMARY KEY (inbox_id, sequence_id)
);

CREATE TABLE IF NOT EXISTS intents (
	id                    TEXT PRIMARY KEY,
	group_id              BLOB NOT NULL,
	data_hash             TEXT NOT NULL,
	kind                  TEXT NOT NULL,
	payload               BLOB NOT NULL,
	state                 TEXT NOT NULL DEFAULT 'to_publish',
	attempts              INTEGER NOT NULL DEFAULT 0,
	max_attempts          INTEGER NOT NULL,
	initial_backoff_ns    INTEGER NOT NULL,
	max_backoff_ns        INTEGER NOT NULL,
	scaling_factor        REAL NOT NULL,
	next_attempt_at_ns    INTEGER NOT NULL DEFAULT 0,
	expires_at_ns         INTEGER NOT NULL,
	published_commit_hash TEXT NOT NULL DEFAULT '',
	UNIQUE(group_id, data_hash)
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      BLOB,
	run_after_ns INTEGER NOT NULL DEFAULT 0,
	done         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS refresh_state (
	group_id      BLOB NOT NULL,
	entity_kind   TEXT NOT NULL,
	originator_id INTEGER NOT NULL,
	sequence_id   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, entity_kind, originator_id)
);

CREATE TABLE IF NOT EXISTS local_commit_log (
	group_id                   BLOB NOT NULL,
	commit_sequence_id         INTEGER NOT NULL,
	last_epoch_authenticator   BLOB,
	commit_result              TEXT NOT NULL,
	applied_epoch_number       INTEGER NOT NULL DEFAULT 0,
	applied_epoch_authenticator BLOB,
	sender_inbox_id            TEXT NOT NULL DEFAULT '',
	commit_type                TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (group_id, commit_sequence_id)
);

CREATE TABLE IF NOT EXISTS remote_commit_log (
	group_id                   BLOB NOT NULL,
	log_sequence_id            INTEGER NOT NULL,
	commit_sequence_id         INTEGER NOT NULL,
	commit_result              TEXT NOT NULL,
	applied_epoch_number       INTEGER NOT NULL DEFAULT 0,
	applied_epoch_authenticator BLOB,
	PRIMARY KEY (group_id, log_sequence_id)
);

CREATE TABLE IF NOT EXISTS consent_records (
	entity_type TEXT NOT NULL,
	entity      TEXT NOT NULL,
	state       TEXT NOT NULL,
	updated_at_ns INTEGER NOT NULL,
	PRIMARY KEY (entity_type, entity)
);

CREATE TABLE IF NOT EXISTS message_deletions (
	message_id   BLOB PRIMARY KEY,
	group_id     BLOB NOT NULL,
	deleted_at_ns INTEGER NOT NULL,
	reason       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS readd_allow_list (
	group_id      BLOB PRIMARY KEY,
	added_at_ns   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS key_packages (
	installation_key BLOB NOT NULL,
	sequence_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	init_pub         BLOB NOT NULL,
	pq_pub           BLOB,
	created_at_ns    INTEGER NOT NULL,
	used_at_ns       INTEGER
);
`
