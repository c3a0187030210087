package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const proposeBody = `{
	"tenantId": "t1",
	"subjectType": "USER",
	"subjectId": "u1",
	"predicate": "preference.food",
	"value": {"kind": "string", "value": "sushi"},
	"confidence": 0.9,
	"evidenceTurnIds": ["turn-1"],
	"occurredAt": 100
}`

func TestProposeClaim(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/claims", proposeBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["valueText"] != "sushi" {
		t.Errorf("valueText = %v", resp["valueText"])
	}
	// The typed value and access policy come back in their wire forms.
	if val, _ := resp["value"].(map[string]any); val["kind"] != "string" || val["value"] != "sushi" {
		t.Errorf("value envelope = %v", resp["value"])
	}
	if acc, _ := resp["access"].(map[string]any); acc["kind"] != "private" {
		t.Errorf("access = %v", resp["access"])
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("no claim id in response")
	}

	// Fetch it back.
	w = do(t, srv, "GET", "/api/claims/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if resp = decode(t, w); resp["value"] == nil {
		t.Error("read back without the typed value")
	}
}

func TestGetClaimHiddenFromNonOwner(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/claims", proposeBody)
	id := decode(t, w)["id"].(string)

	req := httptest.NewRequest("GET", "/api/claims/"+id, nil)
	req.Header.Set("X-Engram-Tenant", "t1")
	req.Header.Set("X-Engram-Subject", "u2")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for a non-owner read", rec.Code)
	}
}

func TestProposeClaimUnknownPredicate(t *testing.T) {
	srv := testServer(t)

	body := `{"subjectType":"USER","subjectId":"u1","predicate":"profile.shoe_size",
		"value":{"kind":"number","value":42}}`
	w := do(t, srv, "POST", "/api/claims", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422; body: %s", w.Code, w.Body.String())
	}
}

func TestProposeClaimBadJSON(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/claims", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestApproveRejectRetract(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/claims", proposeBody)
	id := decode(t, w)["id"].(string)

	for _, action := range []string{"approve", "reject", "retract"} {
		w = do(t, srv, "POST", "/api/claims/"+id+"/"+action, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d; body: %s", action, w.Code, w.Body.String())
		}
	}

	// Acting on a missing claim is a 404.
	w = do(t, srv, "POST", "/api/claims/ghost/approve", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSearch(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/claims", proposeBody)
	if w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}

	w = do(t, srv, "GET", "/api/search?q=sushi", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["count"] != float64(1) {
		t.Errorf("count = %v, want 1; body: %s", resp["count"], w.Body.String())
	}
}

func TestSourceEditStalesSearchResults(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/claims", proposeBody)
	if w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}

	// Revise the evidence turn: phase 1 must hide the claim immediately.
	w = do(t, srv, "POST", "/api/sources/turn-1/revisions", `{"contentHash":"h2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("revise status = %d; body: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "GET", "/api/search?q=sushi", "")
	if resp := decode(t, w); resp["count"] != float64(0) {
		t.Errorf("stale claim still retrievable: %s", w.Body.String())
	}

	// And it shows up on the stale queue for the compactor.
	w = do(t, srv, "GET", "/api/stale", "")
	if resp := decode(t, w); resp["count"] != float64(1) {
		t.Errorf("stale queue = %s", w.Body.String())
	}
}

func TestDeleteSource(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/sources", `{"sourceId":"turn-9"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}
	w = do(t, srv, "DELETE", "/api/sources/turn-9?reason=user+request", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body: %s", w.Code, w.Body.String())
	}
	// Double delete: already tombstoned.
	w = do(t, srv, "DELETE", "/api/sources/turn-9", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestSessionLifecycleRoutes(t *testing.T) {
	srv := testServer(t)

	// Mention an entity.
	w := do(t, srv, "POST", "/api/sessions/s1/mention", `{"entityId":"p1","entityType":"PERSON","turnSeq":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("mention status = %d", w.Code)
	}

	// Activate at the current epoch.
	w = do(t, srv, "POST", "/api/sessions/s1/activate",
		`{"epoch":0,"memory":{"memoryId":"m1","type":"CLAIM","title":"Food preference","snippet":"sushi","mode":"snippet"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d; body: %s", w.Code, w.Body.String())
	}

	// Compact bumps the epoch.
	w = do(t, srv, "POST", "/api/sessions/s1/compact", `{"dropIndexEntries":true}`)
	if w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}
	if resp := decode(t, w); resp["epoch"] != float64(1) {
		t.Errorf("epoch = %v, want 1", resp["epoch"])
	}

	// Activation with the stale epoch now conflicts.
	w = do(t, srv, "POST", "/api/sessions/s1/activate",
		`{"epoch":0,"memory":{"memoryId":"m2","mode":"index"}}`)
	if w.Code != http.StatusConflict {
		t.Errorf("stale activate status = %d, want 409", w.Code)
	}

	// Rehydrate at the new epoch and read the state back.
	w = do(t, srv, "POST", "/api/sessions/s1/rehydrated", `{"epoch":1}`)
	if w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}
	w = do(t, srv, "GET", "/api/sessions/s1/state", "")
	resp := decode(t, w)
	if resp["rehydrationNeeded"] == true {
		t.Error("rehydrationNeeded still set")
	}
	if fmt.Sprintf("%v", resp["epoch"]) != "1" {
		t.Errorf("epoch = %v", resp["epoch"])
	}

	w = do(t, srv, "POST", "/api/sessions/s1/end", "")
	if w.Code != http.StatusOK {
		t.Fatal("end session failed")
	}
}

func TestMentionRequiresEntity(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/sessions/s1/mention", `{"turnSeq":1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
