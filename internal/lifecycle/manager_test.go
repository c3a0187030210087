package lifecycle

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/substratehq/engram/internal/embed"
	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/provenance"
	"github.com/substratehq/engram/internal/registry"
	"github.com/substratehq/engram/internal/retrieval"
	"github.com/substratehq/engram/internal/store"
)

func testManager(t *testing.T) (*Manager, *store.DB, *retrieval.Index) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.Core().Build()
	ledger := provenance.New(db)
	index := retrieval.New(db, embed.NewHash(64))
	return New(db, reg, ledger, index), db, index
}

func candidate(predicate, value string, confidence float64, occurredAt int64, evidence ...string) model.Candidate {
	return model.Candidate{
		TenantID:        "t1",
		SubjectType:     "USER",
		SubjectID:       "u1",
		Predicate:       predicate,
		Value:           model.StringValue{Value: value},
		Confidence:      confidence,
		EvidenceTurnIDs: evidence,
		OccurredAt:      occurredAt,
	}
}

func TestProposeCreates(t *testing.T) {
	m, db, _ := testManager(t)

	c, err := m.Propose(context.Background(), candidate("preference.food", "sushi", 0.8, 100, "turn-1"))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if c.ID == "" {
		t.Fatal("no id assigned")
	}
	if c.ValueKey != "string:sushi" {
		t.Errorf("ValueKey = %q", c.ValueKey)
	}
	if c.ApprovalStatus != model.ApprovalAuto {
		t.Errorf("ApprovalStatus = %q", c.ApprovalStatus)
	}
	if c.LifecycleStatus != model.LifecycleActive {
		t.Errorf("LifecycleStatus = %q", c.LifecycleStatus)
	}
	if c.ValidFrom != 100 || c.ValidTo != 0 {
		t.Errorf("window = [%d,%d)", c.ValidFrom, c.ValidTo)
	}

	// The projection lands in the same operation.
	row, err := db.GetIndexRow(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("no index row projected")
	}
	if row.Text != "Food preference: sushi" {
		t.Errorf("row text = %q", row.Text)
	}
	if len(row.Embedding) == 0 {
		t.Error("projection has no embedding")
	}

	// Provenance is recorded; the claim is fresh.
	stale, err := db.IsStale(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("new claim reported stale")
	}
}

func TestReObservationMergesIdempotently(t *testing.T) {
	m, db, _ := testManager(t)
	ctx := context.Background()

	first, err := m.Propose(ctx, candidate("preference.food", "Hiking", 0.8, 100, "turn-1"))
	if err != nil {
		t.Fatal(err)
	}
	// Same belief re-observed, different casing and evidence.
	second, err := m.Propose(ctx, candidate("preference.food", "  hiking ", 0.6, 200, "turn-2"))
	if err != nil {
		t.Fatal(err)
	}

	if second.ID != first.ID {
		t.Fatalf("re-observation created a new claim: %s vs %s", second.ID, first.ID)
	}
	if len(second.EvidenceTurnIDs) != 2 {
		t.Errorf("evidence = %v, want union of both turns", second.EvidenceTurnIDs)
	}
	// Noisy-OR: 1 - (1-0.8)(1-0.6) = 0.92, strictly above either input.
	if math.Abs(second.Confidence-0.92) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.92", second.Confidence)
	}
	if second.LastVerifiedAt != 200 {
		t.Errorf("LastVerifiedAt = %d, want 200", second.LastVerifiedAt)
	}

	actives, _ := db.ActiveClaims("USER", "u1", "preference.food", "")
	if len(actives) != 1 {
		t.Errorf("active claims = %d, want 1", len(actives))
	}

	// Replaying the identical observation keeps the same claim and the
	// same evidence set.
	third, err := m.Propose(ctx, candidate("preference.food", "hiking", 0.6, 200, "turn-2"))
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != first.ID || len(third.EvidenceTurnIDs) != 2 {
		t.Errorf("replay not idempotent: %+v", third)
	}
}

func TestSingleCardinalitySupersedes(t *testing.T) {
	m, db, _ := testManager(t)
	ctx := context.Background()

	old, err := m.Propose(ctx, candidate("profile.lives_in", "Lisbon", 0.9, 100, "turn-1"))
	if err != nil {
		t.Fatal(err)
	}
	repl, err := m.Propose(ctx, candidate("profile.lives_in", "Porto", 0.9, 200, "turn-2"))
	if err != nil {
		t.Fatal(err)
	}

	if repl.ID == old.ID {
		t.Fatal("supersession reused the old id")
	}
	if repl.SupersedesID != old.ID {
		t.Errorf("SupersedesID = %q, want %q", repl.SupersedesID, old.ID)
	}

	gotOld, _ := db.GetClaim(old.ID)
	if gotOld.LifecycleStatus != model.LifecycleSuperseded {
		t.Errorf("old lifecycle = %q", gotOld.LifecycleStatus)
	}
	// Contiguous history: the old window closes exactly where the new opens.
	if gotOld.ValidTo != repl.ValidFrom {
		t.Errorf("old validTo = %d, new validFrom = %d", gotOld.ValidTo, repl.ValidFrom)
	}

	actives, _ := db.ActiveClaims("USER", "u1", "profile.lives_in", "")
	if len(actives) != 1 || actives[0].ID != repl.ID {
		t.Errorf("actives = %+v, want only the replacement", actives)
	}

	// The old projection is demoted, the new one live.
	oldRow, _ := db.GetIndexRow(old.ID)
	if oldRow.LifecycleStatus != model.LifecycleSuperseded {
		t.Errorf("old row lifecycle = %q", oldRow.LifecycleStatus)
	}
	newRow, _ := db.GetIndexRow(repl.ID)
	if newRow.LifecycleStatus != model.LifecycleActive {
		t.Errorf("new row lifecycle = %q", newRow.LifecycleStatus)
	}
}

func TestSupersedeRequiresLaterObservation(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Propose(ctx, candidate("profile.lives_in", "Lisbon", 0.9, 200, "turn-1")); err != nil {
		t.Fatal(err)
	}
	// An observation at or before the current claim's validFrom cannot
	// supersede it: validFrom must strictly increase along a chain.
	if _, err := m.Propose(ctx, candidate("profile.lives_in", "Porto", 0.9, 200, "turn-2")); err == nil {
		t.Error("supersession with equal occurredAt accepted")
	}
	if _, err := m.Propose(ctx, candidate("profile.lives_in", "Porto", 0.9, 150, "turn-2")); err == nil {
		t.Error("supersession with earlier occurredAt accepted")
	}
}

func TestMultiCardinalityAppends(t *testing.T) {
	m, db, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Propose(ctx, candidate("preference.food", "sushi", 0.8, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Propose(ctx, candidate("preference.food", "ramen", 0.8, 200)); err != nil {
		t.Fatal(err)
	}

	actives, _ := db.ActiveClaims("USER", "u1", "preference.food", "")
	if len(actives) != 2 {
		t.Errorf("actives = %d, want 2 (multi predicates append)", len(actives))
	}
}

func TestProposeValidation(t *testing.T) {
	m, _, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Propose(ctx, candidate("profile.wears_hats", "yes", 0.5, 100))
	if !errors.Is(err, model.ErrInvalidPredicate) {
		t.Errorf("unknown predicate: err = %v", err)
	}

	// Wrong value kind for the predicate.
	bad := candidate("profile.birthday", "", 0.5, 100)
	bad.Value = model.StringValue{Value: "1990-04-12"}
	if _, err := m.Propose(ctx, bad); err == nil {
		t.Error("string value accepted for date predicate")
	}

	// Disallowed entity type.
	ref := candidate("relationship.knows", "", 0.5, 100)
	ref.Value = model.EntityRefValue{EntityType: "PET", EntityID: "rex"}
	if _, err := m.Propose(ctx, ref); err == nil {
		t.Error("disallowed entity type accepted")
	}

	// Confidence out of range.
	if _, err := m.Propose(ctx, candidate("preference.food", "sushi", 1.5, 100)); err == nil {
		t.Error("confidence > 1 accepted")
	}

	// Missing subject.
	anon := candidate("preference.food", "sushi", 0.5, 100)
	anon.SubjectID = ""
	if _, err := m.Propose(ctx, anon); err == nil {
		t.Error("candidate without subject accepted")
	}
}

func TestStaleEvidenceRejected(t *testing.T) {
	m, db, _ := testManager(t)
	ctx := context.Background()

	// turn-9 is itself derived from raw-1; editing raw-1 stales it.
	ledger := provenance.New(db)
	if err := ledger.RegisterSource("raw-1", "MESSAGE", "rev-1", ""); err != nil {
		t.Fatal(err)
	}
	refs := []store.SourceRef{{SourceID: "raw-1", RevisionID: "rev-1"}}
	if err := ledger.RecordDerivation("turn-9", "TURN", refs, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.EditSource("raw-1", "rev-2", ""); err != nil {
		t.Fatal(err)
	}

	// Fail closed: the candidate is rejected outright, not silently accepted
	// without the bad evidence.
	_, err := m.Propose(ctx, candidate("preference.food", "sushi", 0.8, 100, "turn-9"))
	if !errors.Is(err, model.ErrStaleEvidence) {
		t.Errorf("err = %v, want ErrStaleEvidence", err)
	}
	actives, _ := db.ActiveClaims("USER", "u1", "preference.food", "")
	if len(actives) != 0 {
		t.Error("claim created despite stale evidence")
	}
}

func TestAutoApproveThreshold(t *testing.T) {
	m, _, _ := testManager(t)

	weak, err := m.Propose(context.Background(), candidate("preference.food", "natto", 0.3, 100))
	if err != nil {
		t.Fatal(err)
	}
	if weak.ApprovalStatus != model.ApprovalProposed {
		t.Errorf("low-confidence approval = %q, want proposed", weak.ApprovalStatus)
	}

	strong, err := m.Propose(context.Background(), candidate("preference.food", "sushi", 0.9, 100))
	if err != nil {
		t.Fatal(err)
	}
	if strong.ApprovalStatus != model.ApprovalAuto {
		t.Errorf("high-confidence approval = %q, want auto", strong.ApprovalStatus)
	}
}

func TestApproveRejectMirrorsProjection(t *testing.T) {
	m, db, _ := testManager(t)

	c, err := m.Propose(context.Background(), candidate("preference.food", "natto", 0.3, 100))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Approve(c.ID); err != nil {
		t.Fatal(err)
	}
	row, _ := db.GetIndexRow(c.ID)
	if row.ApprovalStatus != model.ApprovalApproved {
		t.Errorf("row approval = %q after Approve", row.ApprovalStatus)
	}

	if err := m.Reject(c.ID); err != nil {
		t.Fatal(err)
	}
	row, _ = db.GetIndexRow(c.ID)
	if row.ApprovalStatus != model.ApprovalRejected {
		t.Errorf("row approval = %q after Reject", row.ApprovalStatus)
	}

	if err := m.Approve("ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("approve missing claim: err = %v", err)
	}
}

func TestRetractIdempotent(t *testing.T) {
	m, db, _ := testManager(t)

	c, err := m.Propose(context.Background(), candidate("profile.lives_in", "Lisbon", 0.9, 100))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Retract(c.ID, "user request"); err != nil {
		t.Fatal(err)
	}
	// Second retraction is a no-op, not an error.
	if err := m.Retract(c.ID, "again"); err != nil {
		t.Errorf("second retract: %v", err)
	}

	got, _ := db.GetClaim(c.ID)
	if got.LifecycleStatus != model.LifecycleRetracted {
		t.Errorf("lifecycle = %q", got.LifecycleStatus)
	}
	row, _ := db.GetIndexRow(c.ID)
	if row.LifecycleStatus != model.LifecycleRetracted {
		t.Errorf("row lifecycle = %q", row.LifecycleStatus)
	}
}

func TestFusionPolicies(t *testing.T) {
	no := NoisyOr{}
	if got := no.Fuse(0.8, 0.6); math.Abs(got-0.92) > 1e-9 {
		t.Errorf("NoisyOr(0.8, 0.6) = %v, want 0.92", got)
	}
	if got := no.Fuse(0.5, 0.5); got <= 0.5 {
		t.Error("fusion must not decrease confidence")
	}
	if got := no.Fuse(1, 1); got > 1 {
		t.Errorf("fused confidence %v escaped [0,1]", got)
	}

	mx := MaxFusion{}
	if got := mx.Fuse(0.8, 0.6); got != 0.8 {
		t.Errorf("MaxFusion(0.8, 0.6) = %v, want 0.8", got)
	}
}

func TestProposeCarriesSalience(t *testing.T) {
	m, db, _ := testManager(t)

	cand := candidate("preference.food", "sushi", 0.8, 100, "turn-1")
	cand.Salience = 0.7
	c, err := m.Propose(context.Background(), cand)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if c.Salience != 0.7 {
		t.Errorf("Salience = %v, want 0.7", c.Salience)
	}

	// The signal reaches the ranking projection.
	row, err := db.GetIndexRow(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Salience != 0.7 {
		t.Errorf("row salience = %v, want 0.7", row.Salience)
	}

	// Round trip through the store.
	got, err := db.GetClaim(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Salience != 0.7 {
		t.Errorf("stored salience = %v, want 0.7", got.Salience)
	}

	bad := candidate("preference.food", "ramen", 0.8, 100, "turn-1")
	bad.Salience = 1.5
	if _, err := m.Propose(context.Background(), bad); err == nil {
		t.Error("out-of-range salience accepted")
	}
}
