package provenance

import (
	"errors"
	"testing"

	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/store"
)

func testLedger(t *testing.T) (*Ledger, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func TestEditStalesDerivedEntityImmediately(t *testing.T) {
	l, _ := testLedger(t)

	if err := l.RegisterSource("msg-1", "MESSAGE", "rev-1", "h1"); err != nil {
		t.Fatal(err)
	}
	refs := []store.SourceRef{{SourceID: "msg-1", RevisionID: "rev-1"}}
	if err := l.RecordDerivation("summary-1", "SUMMARY", refs, "v1"); err != nil {
		t.Fatal(err)
	}

	stale, err := l.IsStale("summary-1")
	if err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Fatal("fresh derivation reported stale")
	}

	if err := l.EditSource("msg-1", "rev-2", "h2"); err != nil {
		t.Fatal(err)
	}

	// The mark is synchronous with the edit: no recompute needed to observe it.
	stale, err = l.IsStale("summary-1")
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("derived entity not stale immediately after source edit")
	}
}

func TestDeleteStalesDerivedEntity(t *testing.T) {
	l, _ := testLedger(t)

	if err := l.RegisterSource("msg-1", "MESSAGE", "rev-1", ""); err != nil {
		t.Fatal(err)
	}
	refs := []store.SourceRef{{SourceID: "msg-1", RevisionID: "rev-1"}}
	if err := l.RecordDerivation("claim-1", "CLAIM", refs, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteSource("msg-1", "user request"); err != nil {
		t.Fatal(err)
	}

	stale, err := l.IsStale("claim-1")
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Error("derived entity not stale after source deletion")
	}
}

func TestIsStaleWithoutProvenance(t *testing.T) {
	l, _ := testLedger(t)

	stale, err := l.IsStale("ghost")
	if !stale {
		t.Error("entity without provenance must report stale")
	}
	if !errors.Is(err, model.ErrDerivationNotFound) {
		t.Errorf("err = %v, want ErrDerivationNotFound", err)
	}
}

func TestCurrentRefsRejectsDeleted(t *testing.T) {
	l, _ := testLedger(t)

	if err := l.RegisterSource("msg-1", "MESSAGE", "rev-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteSource("msg-1", ""); err != nil {
		t.Fatal(err)
	}

	if _, _, err := l.CurrentRefs([]string{"msg-1"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEvidenceRefsAutoRegisters(t *testing.T) {
	l, db := testLedger(t)

	refs, version, err := l.EvidenceRefs([]string{"turn-7"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].SourceID != "turn-7" {
		t.Fatalf("refs = %+v", refs)
	}
	if version != "v1" {
		t.Errorf("version = %q, want v1", version)
	}

	src, err := db.GetSource("turn-7")
	if err != nil {
		t.Fatal(err)
	}
	if src == nil || src.EntityType != "TURN" {
		t.Errorf("auto-registered source = %+v", src)
	}
}

func TestEvidenceVersionTracksSourceMoves(t *testing.T) {
	l, _ := testLedger(t)

	_, v1, err := l.EvidenceRefs([]string{"turn-1", "turn-2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.EditSource("turn-1", "rev-2", ""); err != nil {
		t.Fatal(err)
	}
	_, v2, err := l.EvidenceRefs([]string{"turn-1", "turn-2"})
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v2 {
		t.Errorf("version did not change across an edit: %q", v1)
	}
}

func TestValidateEvidence(t *testing.T) {
	l, _ := testLedger(t)

	// Unregistered evidence is fine: the ledger has nothing against it.
	if err := l.ValidateEvidence([]string{"turn-unknown"}); err != nil {
		t.Errorf("unknown evidence rejected: %v", err)
	}

	// A turn that is itself a stale derived record fails closed.
	if err := l.RegisterSource("raw-1", "MESSAGE", "rev-1", ""); err != nil {
		t.Fatal(err)
	}
	refs := []store.SourceRef{{SourceID: "raw-1", RevisionID: "rev-1"}}
	if err := l.RecordDerivation("turn-9", "TURN", refs, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := l.EditSource("raw-1", "rev-2", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.ValidateEvidence([]string{"turn-9"}); !errors.Is(err, model.ErrStaleEvidence) {
		t.Errorf("err = %v, want ErrStaleEvidence", err)
	}
}

func TestValidateEvidenceRejectsDeletedTurn(t *testing.T) {
	l, _ := testLedger(t)

	if err := l.RegisterSource("turn-1", "TURN", "rev-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteSource("turn-1", "user request"); err != nil {
		t.Fatal(err)
	}
	if err := l.ValidateEvidence([]string{"turn-1"}); !errors.Is(err, model.ErrStaleEvidence) {
		t.Errorf("err = %v, want ErrStaleEvidence", err)
	}
}
