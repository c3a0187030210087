package store

import (
	"testing"

	"github.com/substratehq/engram/internal/model"
)

func testRow(entityID string, approval model.ApprovalStatus, stale bool) *model.RetrievalIndexRow {
	return &model.RetrievalIndexRow{
		TenantID:        "t1",
		EntityID:        entityID,
		EntityType:      "CLAIM",
		Space:           model.SpacePrivate,
		Sensitivity:     model.SensitivityNormal,
		Predicate:       "preference.food",
		ApprovalStatus:  approval,
		LifecycleStatus: model.LifecycleActive,
		Text:            "Food preference: sushi",
		Confidence:      0.8,
		OccurredAt:      100,
		Stale:           stale,
	}
}

func TestUpsertIndexRowReplaces(t *testing.T) {
	db := testDB(t)

	row := testRow("c1", model.ApprovalAuto, false)
	row.Embedding = []float64{0.1, 0.2, 0.3}
	if err := db.UpsertIndexRow(row); err != nil {
		t.Fatal(err)
	}

	row2 := testRow("c1", model.ApprovalApproved, false)
	row2.Text = "Food preference: ramen"
	if err := db.UpsertIndexRow(row2); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetIndexRow("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Food preference: ramen" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.ApprovalStatus != model.ApprovalApproved {
		t.Errorf("ApprovalStatus = %q", got.ApprovalStatus)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM retrieval_index WHERE entity_id = 'c1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows for entity = %d, want 1", n)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	db := testDB(t)

	row := testRow("c1", model.ApprovalAuto, false)
	row.Embedding = []float64{0.5, -1.25, 3e-9}
	if err := db.UpsertIndexRow(row); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetIndexRow("c1")
	if len(got.Embedding) != 3 {
		t.Fatalf("Embedding len = %d", len(got.Embedding))
	}
	for i, v := range row.Embedding {
		if got.Embedding[i] != v {
			t.Errorf("Embedding[%d] = %v, want %v", i, got.Embedding[i], v)
		}
	}
}

func TestCandidateRowsEligibility(t *testing.T) {
	db := testDB(t)

	for _, row := range []*model.RetrievalIndexRow{
		testRow("fresh", model.ApprovalApproved, false),
		testRow("stale", model.ApprovalApproved, true),
		testRow("rejected", model.ApprovalRejected, false),
		testRow("proposed", model.ApprovalProposed, false),
	} {
		if err := db.UpsertIndexRow(row); err != nil {
			t.Fatal(err)
		}
	}
	retracted := testRow("retracted", model.ApprovalApproved, false)
	retracted.LifecycleStatus = model.LifecycleRetracted
	if err := db.UpsertIndexRow(retracted); err != nil {
		t.Fatal(err)
	}

	rows, err := db.CandidateRows(model.RetrievalFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].EntityID != "fresh" {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.EntityID
		}
		t.Errorf("candidates = %v, want [fresh]", ids)
	}

	// IncludeStale lifts only the staleness exclusion: rejected, proposed,
	// and retracted rows stay out even in audit mode.
	rows, err = db.CandidateRows(model.RetrievalFilter{IncludeStale: true})
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool, len(rows))
	for _, r := range rows {
		got[r.EntityID] = true
	}
	if len(rows) != 2 || !got["fresh"] || !got["stale"] {
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.EntityID)
		}
		t.Errorf("audit candidates = %v, want [fresh stale]", ids)
	}
}

func TestCandidateRowsFilters(t *testing.T) {
	db := testDB(t)

	strong := testRow("strong", model.ApprovalAuto, false)
	strong.Confidence = 0.9
	weak := testRow("weak", model.ApprovalAuto, false)
	weak.Confidence = 0.3
	for _, r := range []*model.RetrievalIndexRow{strong, weak} {
		if err := db.UpsertIndexRow(r); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := db.CandidateRows(model.RetrievalFilter{MinConfidence: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].EntityID != "strong" {
		t.Errorf("filtered candidates = %+v", rows)
	}
}

func TestSetIndexRowStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertIndexRow(testRow("c1", model.ApprovalProposed, false)); err != nil {
		t.Fatal(err)
	}
	if err := db.SetIndexRowStatus("c1", model.ApprovalApproved, model.LifecycleActive); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetIndexRow("c1")
	if got.ApprovalStatus != model.ApprovalApproved {
		t.Errorf("ApprovalStatus = %q", got.ApprovalStatus)
	}
}

func TestDeleteIndexRow(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertIndexRow(testRow("c1", model.ApprovalAuto, false)); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteIndexRow("c1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetIndexRow("c1")
	if got != nil {
		t.Error("row still present after delete")
	}
}
