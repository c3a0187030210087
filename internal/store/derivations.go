package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/substratehq/engram/internal/model"
)

// SourceRef pins a derived entity to one source at a specific revision.
type SourceRef struct {
	SourceID   string
	RevisionID string
}

// Derivation is one provenance ledger entry: the dependency edge set from a
// derived entity back to the source revisions it was built from.
type Derivation struct {
	EntityID      string
	EntityType    string
	Sources       []SourceRef
	SourceVersion string
	Stale         bool
	UpdatedAt     int64
}

// RecordDerivation replaces the dependency edges for a derived entity and
// clears its stale flag in the same transaction. This is the phase-2 commit:
// calling it means the recomputed content is already durable. Idempotent.
func (db *DB) RecordDerivation(entityID, entityType string, sources []SourceRef, sourceVersion string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin record derivation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO derivations (entity_id, entity_type, source_version, stale, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			source_version = excluded.source_version,
			stale = 0,
			updated_at = excluded.updated_at
	`, entityID, entityType, sourceVersion, now); err != nil {
		return fmt.Errorf("upsert derivation: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM derivation_sources WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("clear derivation sources: %w", err)
	}
	for _, ref := range sources {
		if _, err := tx.Exec(`
			INSERT INTO derivation_sources (entity_id, source_id, revision_id)
			VALUES (?, ?, ?)
		`, entityID, ref.SourceID, ref.RevisionID); err != nil {
			return fmt.Errorf("insert derivation source: %w", err)
		}
	}

	// The entity's own copy of the provenance triple follows the ledger.
	revisions := make([]string, len(sources))
	for i, ref := range sources {
		revisions[i] = ref.RevisionID
	}
	revJSON := jsonStrings(revisions)
	if _, err := tx.Exec(`
		UPDATE claims SET source_revision_ids = ?, source_version = ?, stale = 0, updated_at = ?
		WHERE id = ?
	`, revJSON, sourceVersion, now, entityID); err != nil {
		return fmt.Errorf("refresh claim provenance: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE retrieval_index SET source_revision_ids = ?, source_version = ?, stale = 0, updated_at = ?
		WHERE entity_id = ?
	`, revJSON, sourceVersion, now, entityID); err != nil {
		return fmt.Errorf("refresh index provenance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record derivation: %w", err)
	}
	return nil
}

// GetDerivation returns the ledger entry for a derived entity.
func (db *DB) GetDerivation(entityID string) (*Derivation, error) {
	var d Derivation
	var stale int
	err := db.QueryRow(`
		SELECT entity_id, entity_type, source_version, stale, updated_at
		FROM derivations WHERE entity_id = ?
	`, entityID).Scan(&d.EntityID, &d.EntityType, &d.SourceVersion, &stale, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("derivation for %s: %w", entityID, model.ErrDerivationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get derivation: %w", err)
	}
	d.Stale = stale != 0

	rows, err := db.Query(`
		SELECT source_id, revision_id FROM derivation_sources WHERE entity_id = ? ORDER BY source_id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("get derivation sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref SourceRef
		if err := rows.Scan(&ref.SourceID, &ref.RevisionID); err != nil {
			return nil, fmt.Errorf("scan derivation source: %w", err)
		}
		d.Sources = append(d.Sources, ref)
	}
	return &d, rows.Err()
}

// ListStale returns up to limit derived entity ids currently marked stale,
// oldest marks first. This is the compaction job's work queue.
func (db *DB) ListStale(limit int) ([]Derivation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT entity_id, entity_type, source_version, stale, updated_at
		FROM derivations WHERE stale = 1
		ORDER BY updated_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var out []Derivation
	for rows.Next() {
		var d Derivation
		var stale int
		if err := rows.Scan(&d.EntityID, &d.EntityType, &d.SourceVersion, &stale, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale derivation: %w", err)
		}
		d.Stale = stale != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// IsStale checks a derived entity's freshness: the recorded flag, then each
// recorded revision against the live source. Missing provenance or missing
// sources report stale (fail safe).
func (db *DB) IsStale(entityID string) (bool, error) {
	// No recorded provenance reports stale alongside the error, so callers
	// that ignore the error still fail safe.
	d, err := db.GetDerivation(entityID)
	if err != nil {
		return true, err
	}
	if d.Stale {
		return true, nil
	}
	for _, ref := range d.Sources {
		src, err := db.GetSource(ref.SourceID)
		if err != nil {
			return true, err
		}
		if src == nil || src.Deleted || src.CurrentRevisionID != ref.RevisionID {
			return true, nil
		}
	}
	return false, nil
}

func jsonStrings(ss []string) string {
	b, _ := json.Marshal(emptyIfNil(ss))
	return string(b)
}
