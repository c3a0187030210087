package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/substratehq/engram/internal/model"
)

// Source is one ground-truth entity (message, turn) whose current revision
// stamp derived data is validated against.
type Source struct {
	ID                string
	EntityType        string
	CurrentRevisionID string
	Version           int64
	ContentHash       string
	Deleted           bool
	DeleteReason      string
	CreatedAt         int64
	UpdatedAt         int64
}

// CreateSource registers a ground-truth entity at revision 1.
func (db *DB) CreateSource(id, entityType, revisionID, contentHash string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sources (id, entity_type, current_revision_id, version, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, entityType, revisionID, contentHash, now, now)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// GetSource returns a source by id, or nil if unknown.
func (db *DB) GetSource(id string) (*Source, error) {
	var s Source
	var deleted int
	var reason sql.NullString
	err := db.QueryRow(`
		SELECT id, entity_type, current_revision_id, version, content_hash, deleted, delete_reason, created_at, updated_at
		FROM sources WHERE id = ?
	`, id).Scan(&s.ID, &s.EntityType, &s.CurrentRevisionID, &s.Version, &s.ContentHash, &deleted, &reason, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	s.Deleted = deleted != 0
	s.DeleteReason = reason.String
	return &s, nil
}

// EditSource records a new revision of a source and, in the same
// transaction, flips stale on every direct dependent. Readers observe
// either the pre-edit state or the fully marked post-edit state, never a
// partially marked one.
func (db *DB) EditSource(id, newRevisionID, contentHash string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin edit source: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		UPDATE sources SET current_revision_id = ?, version = version + 1, content_hash = ?, updated_at = ?
		WHERE id = ? AND deleted = 0
	`, newRevisionID, contentHash, now, id)
	if err != nil {
		return fmt.Errorf("edit source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("edit source %s: %w", id, model.ErrNotFound)
	}

	if err := markStaleDependents(tx, id, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edit source: %w", err)
	}
	return nil
}

// DeleteSource tombstones a source and stales its dependents atomically.
// This is phase 1 of the deletion guarantee: cheap boolean flips that are
// never lost even if the later recomputation fails.
func (db *DB) DeleteSource(id, reason string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete source: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		UPDATE sources SET deleted = 1, delete_reason = ?, updated_at = ?
		WHERE id = ? AND deleted = 0
	`, reason, now, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete source %s: %w", id, model.ErrNotFound)
	}

	if err := markStaleDependents(tx, id, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete source: %w", err)
	}
	return nil
}

// markStaleDependents walks the dependency index one hop from the changed
// source and flips stale on every direct dependent: the ledger entry, the
// claim (if the dependent is one), and its retrieval projection.
func markStaleDependents(ex execer, sourceID string, now int64) error {
	const dependents = `SELECT entity_id FROM derivation_sources WHERE source_id = ?`

	if _, err := ex.Exec(`
		UPDATE derivations SET stale = 1, updated_at = ?
		WHERE entity_id IN (`+dependents+`)
	`, now, sourceID); err != nil {
		return fmt.Errorf("mark derivations stale: %w", err)
	}
	if _, err := ex.Exec(`
		UPDATE claims SET stale = 1, updated_at = ?
		WHERE id IN (`+dependents+`)
	`, now, sourceID); err != nil {
		return fmt.Errorf("mark claims stale: %w", err)
	}
	if _, err := ex.Exec(`
		UPDATE retrieval_index SET stale = 1, updated_at = ?
		WHERE entity_id IN (`+dependents+`)
	`, now, sourceID); err != nil {
		return fmt.Errorf("mark index rows stale: %w", err)
	}
	return nil
}

// MarkStale runs phase-1 staleness propagation for a source without
// touching the source row itself. Idempotent; safe to retry.
func (db *DB) MarkStale(sourceID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark stale: %w", err)
	}
	defer tx.Rollback()

	if err := markStaleDependents(tx, sourceID, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark stale: %w", err)
	}
	return nil
}
