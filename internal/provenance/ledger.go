// Package provenance implements the ledger that tracks which source
// revisions every derived record was built from, and the two-phase
// staleness protocol that keeps derived data honest when ground truth
// changes.
//
// Phase 1 is synchronous and cheap: editing or deleting a source flips
// stale=true on every direct dependent inside the same transaction as the
// source change. Phase 2 is asynchronous and idempotent: the compactor
// recomputes content, re-records the derivation, and only then clears
// stale. Between the phases, stale rows are invisible to retrieval.
package provenance

import (
	"errors"
	"fmt"

	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/store"
)

// Ledger is the provenance ledger over the persistent dependency index.
type Ledger struct {
	db *store.DB
}

// New creates a Ledger.
func New(db *store.DB) *Ledger {
	return &Ledger{db: db}
}

// RegisterSource introduces a ground-truth entity at its first revision.
// Safe to call repeatedly; only the first call creates the row.
func (l *Ledger) RegisterSource(sourceID, entityType, revisionID, contentHash string) error {
	return l.db.CreateSource(sourceID, entityType, revisionID, contentHash)
}

// EditSource records a new revision and stales direct dependents (phase 1).
func (l *Ledger) EditSource(sourceID, newRevisionID, contentHash string) error {
	return l.db.EditSource(sourceID, newRevisionID, contentHash)
}

// DeleteSource tombstones a source and stales direct dependents (phase 1).
func (l *Ledger) DeleteSource(sourceID, reason string) error {
	return l.db.DeleteSource(sourceID, reason)
}

// MarkStale re-runs phase-1 propagation for a source. Idempotent retry hook.
func (l *Ledger) MarkStale(sourceID string) error {
	return l.db.MarkStale(sourceID)
}

// RecordDerivation registers (or refreshes) the dependency edges of a
// derived entity and clears its stale flag. Phase-2 commit; idempotent.
func (l *Ledger) RecordDerivation(entityID, entityType string, refs []store.SourceRef, sourceVersion string) error {
	return l.db.RecordDerivation(entityID, entityType, refs, sourceVersion)
}

// IsStale reports whether a derived entity's recorded provenance still
// matches its live sources. Entities without recorded provenance are stale
// by definition (fail safe), reported with ErrDerivationNotFound.
func (l *Ledger) IsStale(entityID string) (bool, error) {
	return l.db.IsStale(entityID)
}

// ListStale returns the compaction work queue.
func (l *Ledger) ListStale(limit int) ([]store.Derivation, error) {
	return l.db.ListStale(limit)
}

// CurrentRefs resolves the present revision of each given source, failing
// if any is missing or deleted. Used by the compactor to re-derive edges.
func (l *Ledger) CurrentRefs(sourceIDs []string) ([]store.SourceRef, string, error) {
	refs := make([]store.SourceRef, 0, len(sourceIDs))
	version := int64(0)
	for _, id := range sourceIDs {
		src, err := l.db.GetSource(id)
		if err != nil {
			return nil, "", err
		}
		if src == nil || src.Deleted {
			return nil, "", fmt.Errorf("source %s: %w", id, model.ErrNotFound)
		}
		refs = append(refs, store.SourceRef{SourceID: id, RevisionID: src.CurrentRevisionID})
		version += src.Version
	}
	return refs, fmt.Sprintf("v%d", version), nil
}

// EvidenceRefs resolves the current revision of each evidence turn,
// registering turns the ledger has not seen yet at a fresh first revision.
// The aggregate version stamp changes whenever any underlying source moves.
func (l *Ledger) EvidenceRefs(turnIDs []string) ([]store.SourceRef, string, error) {
	refs := make([]store.SourceRef, 0, len(turnIDs))
	version := int64(0)
	for _, id := range turnIDs {
		src, err := l.db.GetSource(id)
		if err != nil {
			return nil, "", err
		}
		if src == nil {
			if err := l.db.CreateSource(id, "TURN", model.NewID(), ""); err != nil {
				return nil, "", err
			}
			src, err = l.db.GetSource(id)
			if err != nil {
				return nil, "", err
			}
			if src == nil {
				return nil, "", fmt.Errorf("source %s: %w", id, model.ErrNotFound)
			}
		}
		refs = append(refs, store.SourceRef{SourceID: id, RevisionID: src.CurrentRevisionID})
		version += src.Version
	}
	return refs, fmt.Sprintf("v%d", version), nil
}

// ValidateEvidence checks that none of the evidence turns are deleted or
// already known stale. Evidence turns without ledger entries are fine: only
// tombstoned turns and turns the ledger explicitly marks stale (or whose
// sources moved) fail. Fail closed: bad evidence rejects the whole
// candidate, it is never silently dropped.
func (l *Ledger) ValidateEvidence(turnIDs []string) error {
	for _, id := range turnIDs {
		src, err := l.db.GetSource(id)
		if err != nil {
			return fmt.Errorf("validate evidence %s: %w", id, err)
		}
		if src != nil && src.Deleted {
			return fmt.Errorf("evidence turn %s deleted: %w", id, model.ErrStaleEvidence)
		}
		stale, err := l.db.IsStale(id)
		if err != nil {
			if errors.Is(err, model.ErrDerivationNotFound) {
				continue
			}
			return fmt.Errorf("validate evidence %s: %w", id, err)
		}
		if stale {
			return fmt.Errorf("evidence turn %s: %w", id, model.ErrStaleEvidence)
		}
	}
	return nil
}
