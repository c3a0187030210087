package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "claims: semantic beliefs with lifecycle and provenance",
		SQL: `
CREATE TABLE claims (
    id                    TEXT PRIMARY KEY,
    tenant_id             TEXT NOT NULL,
    access                TEXT NOT NULL,

    subject_type          TEXT NOT NULL,
    subject_id            TEXT NOT NULL,
    scope_relationship_id TEXT NOT NULL DEFAULT '',

    predicate             TEXT NOT NULL,
    value                 TEXT NOT NULL,
    value_key             TEXT NOT NULL,
    value_text            TEXT NOT NULL,
    fields                TEXT,

    confidence            REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    evidence_turn_ids     TEXT NOT NULL DEFAULT '[]',

    valid_from            INTEGER NOT NULL,
    valid_to              INTEGER NOT NULL DEFAULT 0,

    approval_status       TEXT NOT NULL CHECK (approval_status IN ('auto', 'proposed', 'approved', 'rejected')),
    lifecycle_status      TEXT NOT NULL CHECK (lifecycle_status IN ('active', 'superseded', 'retracted')),
    supersedes_id         TEXT,
    retract_reason        TEXT,
    last_verified_at      INTEGER NOT NULL DEFAULT 0,

    source                TEXT NOT NULL DEFAULT 'observed',
    world_tag             TEXT NOT NULL DEFAULT 'real',

    source_revision_ids   TEXT NOT NULL DEFAULT '[]',
    source_version        TEXT NOT NULL DEFAULT '',
    stale                 INTEGER NOT NULL DEFAULT 0,

    salience              REAL NOT NULL DEFAULT 0 CHECK (salience >= 0 AND salience <= 1),

    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL,

    FOREIGN KEY (supersedes_id) REFERENCES claims(id)
);

CREATE INDEX idx_claims_subject ON claims(subject_type, subject_id, predicate, scope_relationship_id);
CREATE INDEX idx_claims_key     ON claims(subject_type, subject_id, predicate, scope_relationship_id, value_key);
CREATE INDEX idx_claims_status  ON claims(lifecycle_status, approval_status);

-- Backstop for the dedup invariant: two active open-ended claims may never
-- share a value_key under one subject key. The lifecycle manager serializes
-- writers per key; this index catches races it would miss.
CREATE UNIQUE INDEX idx_claims_single_active
    ON claims(subject_type, subject_id, predicate, scope_relationship_id, value_key)
    WHERE lifecycle_status = 'active' AND valid_to = 0;
`,
	},
	{
		Version:     2,
		Description: "sources: ground-truth revision stamps for the deletion guarantee",
		SQL: `
CREATE TABLE sources (
    id                  TEXT PRIMARY KEY,
    entity_type         TEXT NOT NULL,
    current_revision_id TEXT NOT NULL,
    version             INTEGER NOT NULL DEFAULT 1,
    content_hash        TEXT NOT NULL DEFAULT '',
    deleted             INTEGER NOT NULL DEFAULT 0,
    delete_reason       TEXT,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "derivations: provenance ledger dependency index",
		SQL: `
CREATE TABLE derivations (
    entity_id      TEXT PRIMARY KEY,
    entity_type    TEXT NOT NULL,
    source_version TEXT NOT NULL,
    stale          INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL
);

CREATE TABLE derivation_sources (
    entity_id   TEXT NOT NULL,
    source_id   TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    PRIMARY KEY (entity_id, source_id),
    FOREIGN KEY (entity_id) REFERENCES derivations(entity_id) ON DELETE CASCADE
);

CREATE INDEX idx_derivation_sources_source ON derivation_sources(source_id);
CREATE INDEX idx_derivations_stale ON derivations(stale) WHERE stale = 1;
`,
	},
	{
		Version:     4,
		Description: "retrieval_index: access-filtered search projection",
		SQL: `
CREATE TABLE retrieval_index (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    entity_id           TEXT NOT NULL UNIQUE,
    entity_type         TEXT NOT NULL,

    space               TEXT NOT NULL CHECK (space IN ('user', 'relationship', 'private')),
    relationship_id     TEXT NOT NULL DEFAULT '',
    sensitivity         TEXT NOT NULL CHECK (sensitivity IN ('normal', 'intimate')),

    predicate_namespace TEXT NOT NULL DEFAULT '',
    predicate           TEXT NOT NULL DEFAULT '',
    approval_status     TEXT NOT NULL DEFAULT 'auto',
    lifecycle_status    TEXT NOT NULL DEFAULT 'active',

    text                TEXT NOT NULL,
    embedding           BLOB,

    salience            REAL NOT NULL DEFAULT 0,
    confidence          REAL NOT NULL DEFAULT 0,
    occurred_at         INTEGER NOT NULL DEFAULT 0,

    source_revision_ids TEXT NOT NULL DEFAULT '[]',
    source_version      TEXT NOT NULL DEFAULT '',
    stale               INTEGER NOT NULL DEFAULT 0,

    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX idx_index_eligible ON retrieval_index(stale, lifecycle_status, approval_status);
CREATE INDEX idx_index_space    ON retrieval_index(space, relationship_id);
CREATE INDEX idx_index_ns       ON retrieval_index(predicate_namespace);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
