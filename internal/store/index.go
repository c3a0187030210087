package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/substratehq/engram/internal/model"
)

const indexColumns = `id, tenant_id, entity_id, entity_type, space, relationship_id, sensitivity,
	predicate_namespace, predicate, approval_status, lifecycle_status,
	text, embedding, salience, confidence, occurred_at,
	source_revision_ids, source_version, stale, created_at, updated_at`

// UpsertIndexRow creates or refreshes the retrieval projection for an
// entity. Keyed by entity_id: re-projection replaces the old row.
func (db *DB) UpsertIndexRow(row *model.RetrievalIndexRow) error {
	now := time.Now().UnixMilli()
	if row.CreatedAt == 0 {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.ID == "" {
		row.ID = model.NewID()
	}

	revisions, _ := json.Marshal(emptyIfNil(row.SourceRevisionIDs))
	_, err := db.Exec(`
		INSERT INTO retrieval_index (`+indexColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			space = excluded.space,
			relationship_id = excluded.relationship_id,
			sensitivity = excluded.sensitivity,
			predicate_namespace = excluded.predicate_namespace,
			predicate = excluded.predicate,
			approval_status = excluded.approval_status,
			lifecycle_status = excluded.lifecycle_status,
			text = excluded.text,
			embedding = excluded.embedding,
			salience = excluded.salience,
			confidence = excluded.confidence,
			occurred_at = excluded.occurred_at,
			source_revision_ids = excluded.source_revision_ids,
			source_version = excluded.source_version,
			stale = excluded.stale,
			updated_at = excluded.updated_at
	`, row.ID, row.TenantID, row.EntityID, row.EntityType,
		string(row.Space), row.RelationshipID, string(row.Sensitivity),
		row.PredicateNamespace, row.Predicate, string(row.ApprovalStatus), string(row.LifecycleStatus),
		row.Text, encodeVector(row.Embedding), row.Salience, row.Confidence, row.OccurredAt,
		string(revisions), row.SourceVersion, boolInt(row.Stale), row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert index row: %w", err)
	}
	return nil
}

// GetIndexRow returns the projection for an entity, or nil if not indexed.
func (db *DB) GetIndexRow(entityID string) (*model.RetrievalIndexRow, error) {
	row := db.QueryRow(`SELECT `+indexColumns+` FROM retrieval_index WHERE entity_id = ?`, entityID)
	r, err := scanIndexRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index row: %w", err)
	}
	return r, nil
}

// SetIndexRowStatus mirrors a claim's lifecycle/approval transition onto its
// projection so eligibility filters see it without re-projection.
func (db *DB) SetIndexRowStatus(entityID string, approval model.ApprovalStatus, lifecycle model.LifecycleStatus) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE retrieval_index SET approval_status = ?, lifecycle_status = ?, updated_at = ?
		WHERE entity_id = ?
	`, string(approval), string(lifecycle), now, entityID)
	if err != nil {
		return fmt.Errorf("set index row status: %w", err)
	}
	return nil
}

// DeleteIndexRow removes an entity's projection.
func (db *DB) DeleteIndexRow(entityID string) error {
	_, err := db.Exec(`DELETE FROM retrieval_index WHERE entity_id = ?`, entityID)
	if err != nil {
		return fmt.Errorf("delete index row: %w", err)
	}
	return nil
}

// CandidateRows returns index rows passing the SQL-expressible parts of the
// eligibility rules. Ranking and pattern filters happen in the retrieval
// engine.
func (db *DB) CandidateRows(filter model.RetrievalFilter) ([]model.RetrievalIndexRow, error) {
	where := []string{
		"lifecycle_status = 'active'",
		"approval_status IN ('auto', 'approved')",
	}
	var args []any

	// IncludeStale lifts only the staleness exclusion; rejected, retracted,
	// and pending rows never come back.
	if !filter.IncludeStale {
		where = append(where, "stale = 0")
	}
	if len(filter.EntityTypes) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.EntityTypes)), ",")
		where = append(where, "entity_type IN ("+ph+")")
		for _, t := range filter.EntityTypes {
			args = append(args, t)
		}
	}
	if filter.Space != "" {
		where = append(where, "space = ?")
		args = append(args, string(filter.Space))
	}
	if filter.RelationshipID != "" {
		where = append(where, "(relationship_id = ? OR relationship_id = '')")
		args = append(args, filter.RelationshipID)
	}
	if filter.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	if filter.MinSalience > 0 {
		where = append(where, "salience >= ?")
		args = append(args, filter.MinSalience)
	}

	query := `SELECT ` + indexColumns + ` FROM retrieval_index`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate rows: %w", err)
	}
	defer rows.Close()

	var out []model.RetrievalIndexRow
	for rows.Next() {
		r, err := scanIndexRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanIndexRow(row rowScanner) (*model.RetrievalIndexRow, error) {
	var r model.RetrievalIndexRow
	var embedding []byte
	var revisions string
	var stale int
	err := row.Scan(&r.ID, &r.TenantID, &r.EntityID, &r.EntityType,
		&r.Space, &r.RelationshipID, &r.Sensitivity,
		&r.PredicateNamespace, &r.Predicate, &r.ApprovalStatus, &r.LifecycleStatus,
		&r.Text, &embedding, &r.Salience, &r.Confidence, &r.OccurredAt,
		&revisions, &r.SourceVersion, &stale, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Stale = stale != 0
	r.Embedding = decodeVector(embedding)
	if err := json.Unmarshal([]byte(revisions), &r.SourceRevisionIDs); err != nil {
		return nil, fmt.Errorf("index row %s revisions: %w", r.ID, err)
	}
	return &r, nil
}

// encodeVector packs a float64 slice as little-endian bytes.
func encodeVector(vec []float64) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	if len(buf) == 0 || len(buf)%8 != 0 {
		return nil
	}
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
