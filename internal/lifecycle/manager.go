// Package lifecycle owns claim creation, merge, supersession, and
// retraction, and enforces the cardinality invariants.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/provenance"
	"github.com/substratehq/engram/internal/registry"
	"github.com/substratehq/engram/internal/store"
)

// Projector keeps the retrieval projection in step with claim transitions.
// Implemented by the retrieval index; lifecycle only sees this surface.
type Projector interface {
	ProjectClaim(ctx context.Context, c *model.Claim, def model.PredicateDef) error
	SetStatus(entityID string, approval model.ApprovalStatus, lifecycle model.LifecycleStatus) error
}

// Manager applies claim lifecycle rules. Mutations to claims sharing a
// subject key are serialized; unrelated keys proceed concurrently.
type Manager struct {
	db        *store.DB
	registry  *registry.Registry
	ledger    *provenance.Ledger
	projector Projector
	fusion    FusionPolicy

	// AutoApproveThreshold: below it, auto-default predicates still start
	// as proposed.
	AutoApproveThreshold float64

	locks keyLock
	now   func() time.Time
}

// New creates a Manager with the default noisy-OR fusion policy.
func New(db *store.DB, reg *registry.Registry, ledger *provenance.Ledger, proj Projector) *Manager {
	return &Manager{
		db:                   db,
		registry:             reg,
		ledger:               ledger,
		projector:            proj,
		fusion:               NoisyOr{},
		AutoApproveThreshold: 0.5,
		now:                  time.Now,
	}
}

// SetFusion swaps the confidence fusion policy.
func (m *Manager) SetFusion(f FusionPolicy) { m.fusion = f }

// Propose applies a claim candidate from the extraction pipeline.
//
// Same valueKey as an existing active claim: the observation merges into it
// (fused confidence, unioned evidence) and the existing claim is returned —
// re-observation is idempotent, no new id. A different valueKey under a
// single-cardinality predicate supersedes the old claim. Multi-cardinality
// predicates append independently, deduped by valueKey.
func (m *Manager) Propose(ctx context.Context, cand model.Candidate) (*model.Claim, error) {
	def, err := m.registry.Resolve(cand.Predicate)
	if err != nil {
		return nil, err
	}
	if err := m.validate(cand, def); err != nil {
		return nil, err
	}
	if err := m.ledger.ValidateEvidence(cand.EvidenceTurnIDs); err != nil {
		return nil, err
	}

	key := model.SubjectKey(cand.SubjectType, cand.SubjectID, cand.Predicate, cand.ScopeRelationshipID)
	lock := m.locks.lock(key)
	defer lock.Unlock()

	actives, err := m.db.ActiveClaims(cand.SubjectType, cand.SubjectID, cand.Predicate, cand.ScopeRelationshipID)
	if err != nil {
		return nil, err
	}

	valueKey := model.ValueKey(cand.Value)

	// Identical belief already held: merge regardless of cardinality.
	for i := range actives {
		if actives[i].ValueKey == valueKey {
			return m.merge(ctx, &actives[i], cand, def)
		}
	}

	if def.Cardinality == model.CardinalitySingle {
		if len(actives) > 1 {
			// Two active claims under a single-cardinality key is a broken
			// invariant, not a recoverable state. Fail the operation.
			return nil, fmt.Errorf("key %q has %d active claims: %w", key, len(actives), model.ErrCardinalityViolation)
		}
		if len(actives) == 1 {
			return m.supersede(ctx, &actives[0], cand, def, valueKey)
		}
	}

	return m.create(ctx, cand, def, valueKey)
}

func (m *Manager) validate(cand model.Candidate, def model.PredicateDef) error {
	if cand.Value == nil {
		return fmt.Errorf("candidate for %s: value required", cand.Predicate)
	}
	if cand.Value.Kind() != def.ValueKind {
		return fmt.Errorf("candidate for %s: value kind %s, predicate expects %s",
			cand.Predicate, cand.Value.Kind(), def.ValueKind)
	}
	if ref, ok := cand.Value.(model.EntityRefValue); ok && len(def.AllowedEntityTypes) > 0 {
		allowed := false
		for _, t := range def.AllowedEntityTypes {
			if t == ref.EntityType {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("candidate for %s: entity type %q not allowed", cand.Predicate, ref.EntityType)
		}
	}
	if err := registry.ValidateFields(def, cand.Fields); err != nil {
		return err
	}
	if cand.Confidence != 0 {
		if err := model.ValidateUnit("confidence", cand.Confidence); err != nil {
			return err
		}
	}
	if cand.Salience != 0 {
		if err := model.ValidateUnit("salience", cand.Salience); err != nil {
			return err
		}
	}
	if cand.SubjectType == "" || cand.SubjectID == "" {
		return fmt.Errorf("candidate for %s: subject required", cand.Predicate)
	}
	return nil
}

// merge folds a re-observation into an existing claim. Idempotent: the
// same evidence unions to the same set.
func (m *Manager) merge(ctx context.Context, existing *model.Claim, cand model.Candidate, def model.PredicateDef) (*model.Claim, error) {
	confidence := cand.Confidence
	if confidence == 0 {
		confidence = def.DefaultConfidence
	}
	fused := m.fusion.Fuse(existing.Confidence, confidence)

	evidence := unionStrings(existing.EvidenceTurnIDs, cand.EvidenceTurnIDs)
	verifiedAt := cand.OccurredAt
	if verifiedAt == 0 {
		verifiedAt = m.now().UnixMilli()
	}

	if err := m.db.MergeClaim(existing.ID, fused, evidence, verifiedAt); err != nil {
		return nil, err
	}

	merged, err := m.db.GetClaim(existing.ID)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		return nil, fmt.Errorf("claim %s vanished during merge: %w", existing.ID, model.ErrNotFound)
	}

	if err := m.recordAndProject(ctx, merged, def); err != nil {
		return nil, err
	}
	return merged, nil
}

// supersede closes the old claim at the candidate's occurredAt and creates
// its replacement with a back link. Contiguous coverage: old.validTo equals
// new.validFrom.
func (m *Manager) supersede(ctx context.Context, old *model.Claim, cand model.Candidate, def model.PredicateDef, valueKey string) (*model.Claim, error) {
	occurredAt := cand.OccurredAt
	if occurredAt == 0 {
		occurredAt = m.now().UnixMilli()
	}
	if occurredAt <= old.ValidFrom {
		return nil, fmt.Errorf("supersede %s: occurredAt %d not after validFrom %d (validFrom must increase along a chain)",
			old.ID, occurredAt, old.ValidFrom)
	}

	replacement, err := m.buildClaim(cand, def, valueKey, occurredAt)
	if err != nil {
		return nil, err
	}

	if err := m.db.SupersedeClaim(old.ID, occurredAt, replacement); err != nil {
		return nil, err
	}

	if m.projector != nil {
		if err := m.projector.SetStatus(old.ID, old.ApprovalStatus, model.LifecycleSuperseded); err != nil {
			log.Printf("lifecycle: demote superseded row %s: %v", old.ID, err)
		}
	}
	if err := m.recordAndProject(ctx, replacement, def); err != nil {
		return nil, err
	}
	return replacement, nil
}

func (m *Manager) create(ctx context.Context, cand model.Candidate, def model.PredicateDef, valueKey string) (*model.Claim, error) {
	occurredAt := cand.OccurredAt
	if occurredAt == 0 {
		occurredAt = m.now().UnixMilli()
	}
	c, err := m.buildClaim(cand, def, valueKey, occurredAt)
	if err != nil {
		return nil, err
	}
	if err := m.db.InsertClaim(c); err != nil {
		return nil, err
	}
	if err := m.recordAndProject(ctx, c, def); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) buildClaim(cand model.Candidate, def model.PredicateDef, valueKey string, occurredAt int64) (*model.Claim, error) {
	confidence := cand.Confidence
	if confidence == 0 {
		confidence = def.DefaultConfidence
	}

	approval := def.DefaultApproval
	if approval == model.ApprovalAuto && confidence < m.AutoApproveThreshold {
		approval = model.ApprovalProposed
	}

	source := cand.Source
	if source == "" {
		source = model.SourceObserved
	}
	worldTag := cand.WorldTag
	if worldTag == "" {
		worldTag = model.WorldReal
	}
	access := cand.Access
	if access == nil {
		access = model.PrivateAccess{SubjectID: cand.SubjectID}
	}

	refs, version, err := m.ledger.EvidenceRefs(cand.EvidenceTurnIDs)
	if err != nil {
		return nil, err
	}
	revisions := make([]string, len(refs))
	for i, ref := range refs {
		revisions[i] = ref.RevisionID
	}

	return &model.Claim{
		TenantID:            cand.TenantID,
		ID:                  model.NewID(),
		Access:              access,
		SubjectType:         cand.SubjectType,
		SubjectID:           cand.SubjectID,
		ScopeRelationshipID: cand.ScopeRelationshipID,
		Predicate:           cand.Predicate,
		Value:               cand.Value,
		ValueKey:            valueKey,
		ValueText:           cand.Value.Text(),
		Fields:              cand.Fields,
		Confidence:          confidence,
		EvidenceTurnIDs:     emptySlice(cand.EvidenceTurnIDs),
		ValidFrom:           occurredAt,
		ApprovalStatus:      approval,
		LifecycleStatus:     model.LifecycleActive,
		Source:              source,
		WorldTag:            worldTag,
		SourceRevisionIDs:   revisions,
		SourceVersion:       version,
		Salience:            cand.Salience,
	}, nil
}

// recordAndProject registers the claim's provenance edges and refreshes its
// retrieval projection.
func (m *Manager) recordAndProject(ctx context.Context, c *model.Claim, def model.PredicateDef) error {
	refs, version, err := m.ledger.EvidenceRefs(c.EvidenceTurnIDs)
	if err != nil {
		return err
	}
	if err := m.ledger.RecordDerivation(c.ID, "CLAIM", refs, version); err != nil {
		return err
	}
	c.SourceVersion = version
	c.SourceRevisionIDs = make([]string, len(refs))
	for i, ref := range refs {
		c.SourceRevisionIDs[i] = ref.RevisionID
	}

	if m.projector != nil {
		if err := m.projector.ProjectClaim(ctx, c, def); err != nil {
			return fmt.Errorf("project claim %s: %w", c.ID, err)
		}
	}
	return nil
}

// Approve marks a claim user-approved.
func (m *Manager) Approve(claimID string) error {
	return m.setApproval(claimID, model.ApprovalApproved)
}

// Reject permanently excludes a claim from retrieval. The claim is kept
// for audit.
func (m *Manager) Reject(claimID string) error {
	return m.setApproval(claimID, model.ApprovalRejected)
}

func (m *Manager) setApproval(claimID string, status model.ApprovalStatus) error {
	c, err := m.db.GetClaim(claimID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("claim %s: %w", claimID, model.ErrNotFound)
	}
	if err := m.db.SetApproval(claimID, status); err != nil {
		return err
	}
	if m.projector != nil {
		if err := m.projector.SetStatus(claimID, status, c.LifecycleStatus); err != nil {
			log.Printf("lifecycle: mirror approval of %s: %v", claimID, err)
		}
	}
	return nil
}

// Retract closes a claim immediately. Irreversible; the claim and its
// history remain for audit but leave retrieval.
func (m *Manager) Retract(claimID, reason string) error {
	c, err := m.db.GetClaim(claimID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("claim %s: %w", claimID, model.ErrNotFound)
	}
	if c.LifecycleStatus == model.LifecycleRetracted {
		return nil // already retracted; retraction is idempotent
	}
	if err := m.db.RetractClaim(claimID, m.now().UnixMilli(), reason); err != nil {
		return err
	}
	if m.projector != nil {
		if err := m.projector.SetStatus(claimID, c.ApprovalStatus, model.LifecycleRetracted); err != nil {
			log.Printf("lifecycle: demote retracted row %s: %v", claimID, err)
		}
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
