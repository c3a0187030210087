package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/substratehq/engram/internal/model"
)

const claimColumns = `id, tenant_id, access, subject_type, subject_id, scope_relationship_id,
	predicate, value, value_key, value_text, fields,
	confidence, evidence_turn_ids, valid_from, valid_to,
	approval_status, lifecycle_status, supersedes_id, last_verified_at,
	source, world_tag, source_revision_ids, source_version, stale,
	salience, created_at, updated_at`

// InsertClaim persists a new claim.
func (db *DB) InsertClaim(c *model.Claim) error {
	return db.insertClaim(db.DB, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (db *DB) insertClaim(ex execer, c *model.Claim) error {
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	access, err := model.MarshalAccess(c.Access)
	if err != nil {
		return fmt.Errorf("encode access: %w", err)
	}
	value, err := json.Marshal(model.EncodeValue(c.Value))
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	fields, err := marshalNullable(c.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	evidence, _ := json.Marshal(emptyIfNil(c.EvidenceTurnIDs))
	revisions, _ := json.Marshal(emptyIfNil(c.SourceRevisionIDs))

	_, err = ex.Exec(`
		INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, string(access), c.SubjectType, c.SubjectID, c.ScopeRelationshipID,
		c.Predicate, string(value), c.ValueKey, c.ValueText, fields,
		c.Confidence, string(evidence), c.ValidFrom, c.ValidTo,
		string(c.ApprovalStatus), string(c.LifecycleStatus), c.SupersedesID, c.LastVerifiedAt,
		string(c.Source), string(c.WorldTag), string(revisions), c.SourceVersion, boolInt(c.Stale),
		c.Salience, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// GetClaim returns a claim by id, or nil if not found.
func (db *DB) GetClaim(id string) (*model.Claim, error) {
	row := db.QueryRow(`SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// ActiveClaims returns the currently valid active claims for a subject key,
// ordered by valid_from ascending.
func (db *DB) ActiveClaims(subjectType, subjectID, predicate, scope string) ([]model.Claim, error) {
	rows, err := db.Query(`
		SELECT `+claimColumns+` FROM claims
		WHERE subject_type = ? AND subject_id = ? AND predicate = ? AND scope_relationship_id = ?
		  AND lifecycle_status = 'active' AND valid_to = 0
		ORDER BY valid_from ASC, id ASC
	`, subjectType, subjectID, predicate, scope)
	if err != nil {
		return nil, fmt.Errorf("active claims: %w", err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// ClaimsBySubject returns all claims for a subject, newest first.
func (db *DB) ClaimsBySubject(subjectType, subjectID string) ([]model.Claim, error) {
	rows, err := db.Query(`
		SELECT `+claimColumns+` FROM claims
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY created_at DESC, id DESC
	`, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("claims by subject: %w", err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// MergeClaim applies a re-observation onto an existing claim: fused
// confidence, unioned evidence, bumped last_verified_at.
func (db *DB) MergeClaim(id string, confidence float64, evidenceTurnIDs []string, verifiedAt int64) error {
	evidence, _ := json.Marshal(emptyIfNil(evidenceTurnIDs))
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE claims SET confidence = ?, evidence_turn_ids = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ?
	`, confidence, string(evidence), verifiedAt, now, id)
	if err != nil {
		return fmt.Errorf("merge claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge claim %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SupersedeClaim closes the old claim and inserts its replacement in one
// transaction so the single-active invariant is never observable as broken.
func (db *DB) SupersedeClaim(oldID string, validTo int64, replacement *model.Claim) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		UPDATE claims SET lifecycle_status = 'superseded', valid_to = ?, updated_at = ?
		WHERE id = ? AND lifecycle_status = 'active'
	`, validTo, now, oldID)
	if err != nil {
		return fmt.Errorf("close superseded claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("supersede %s: claim not active: %w", oldID, model.ErrNotFound)
	}

	replacement.SupersedesID = oldID
	if err := db.insertClaim(tx, replacement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit supersede: %w", err)
	}
	return nil
}

// SetApproval transitions a claim's approval status.
func (db *DB) SetApproval(id string, status model.ApprovalStatus) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE claims SET approval_status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set approval %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// RetractClaim marks a claim retracted and closes its validity window.
// Irreversible.
func (db *DB) RetractClaim(id string, validTo int64, reason string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE claims SET lifecycle_status = 'retracted', valid_to = ?, retract_reason = ?, updated_at = ?
		WHERE id = ? AND lifecycle_status != 'retracted'
	`, validTo, reason, now, id)
	if err != nil {
		return fmt.Errorf("retract claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retract %s: %w", id, model.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*model.Claim, error) {
	var c model.Claim
	var access, value string
	var fields, supersedes sql.NullString
	var evidence, revisions string
	var stale int
	err := row.Scan(&c.ID, &c.TenantID, &access, &c.SubjectType, &c.SubjectID, &c.ScopeRelationshipID,
		&c.Predicate, &value, &c.ValueKey, &c.ValueText, &fields,
		&c.Confidence, &evidence, &c.ValidFrom, &c.ValidTo,
		&c.ApprovalStatus, &c.LifecycleStatus, &supersedes, &c.LastVerifiedAt,
		&c.Source, &c.WorldTag, &revisions, &c.SourceVersion, &stale,
		&c.Salience, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.SupersedesID = supersedes.String
	c.Stale = stale != 0

	pol, err := model.UnmarshalAccess([]byte(access))
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	c.Access = pol

	var env model.ValueEnvelope
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return nil, fmt.Errorf("claim %s value: %w", c.ID, err)
	}
	v, err := model.DecodeValue(env)
	if err != nil {
		return nil, fmt.Errorf("claim %s value: %w", c.ID, err)
	}
	c.Value = v

	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &c.Fields); err != nil {
			return nil, fmt.Errorf("claim %s fields: %w", c.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(evidence), &c.EvidenceTurnIDs); err != nil {
		return nil, fmt.Errorf("claim %s evidence: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(revisions), &c.SourceRevisionIDs); err != nil {
		return nil, fmt.Errorf("claim %s revisions: %w", c.ID, err)
	}
	return &c, nil
}

func scanClaims(rows *sql.Rows) ([]model.Claim, error) {
	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

func marshalNullable(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// uniqueViolation reports whether an error is the sqlite unique-constraint
// failure raised by the single-active partial index.
func uniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
