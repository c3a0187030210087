package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/substratehq/engram/internal/model"
)

// claimRequest is the wire form of a candidate: the value arrives as a
// kind-tagged envelope and access as a kind-tagged policy.
type claimRequest struct {
	TenantID            string              `json:"tenantId"`
	SubjectType         string              `json:"subjectType"`
	SubjectID           string              `json:"subjectId"`
	ScopeRelationshipID string              `json:"scopeRelationshipId"`
	Predicate           string              `json:"predicate"`
	Value               model.ValueEnvelope `json:"value"`
	Fields              map[string]any      `json:"fields"`
	Confidence          float64             `json:"confidence"`
	Salience            float64             `json:"salience"`
	EvidenceTurnIDs     []string            `json:"evidenceTurnIds"`
	OccurredAt          int64               `json:"occurredAt"`
	Source              model.ClaimSource   `json:"source"`
	WorldTag            model.WorldTag      `json:"worldTag"`
	Access              json.RawMessage     `json:"access"`
}

func (s *Server) handleProposeClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.Predicate == "" {
		badRequest(w, "predicate required")
		return
	}

	value, err := model.DecodeValue(req.Value)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	cand := model.Candidate{
		TenantID:            req.TenantID,
		SubjectType:         req.SubjectType,
		SubjectID:           req.SubjectID,
		ScopeRelationshipID: req.ScopeRelationshipID,
		Predicate:           req.Predicate,
		Value:               value,
		Fields:              req.Fields,
		Confidence:          req.Confidence,
		Salience:            req.Salience,
		EvidenceTurnIDs:     req.EvidenceTurnIDs,
		OccurredAt:          req.OccurredAt,
		Source:              req.Source,
		WorldTag:            req.WorldTag,
	}
	if len(req.Access) > 0 {
		access, err := model.UnmarshalAccess(req.Access)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		cand.Access = access
	}

	claim, err := s.claims.Propose(r.Context(), cand)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.db.GetClaim(chi.URLParam(r, "claimID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if claim == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "claim not found"})
		return
	}
	// A claim the caller may not read is indistinguishable from one that
	// does not exist.
	if claim.Access != nil && !claim.Access.Allows(requesterScopes(r)) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "claim not found"})
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleApproveClaim(w http.ResponseWriter, r *http.Request) {
	if err := s.claims.Approve(chi.URLParam(r, "claimID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectClaim(w http.ResponseWriter, r *http.Request) {
	if err := s.claims.Reject(chi.URLParam(r, "claimID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleRetractClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for retractions.
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.claims.Retract(chi.URLParam(r, "claimID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retracted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.RetrievalFilter{
		Space:          model.MemorySpace(q.Get("space")),
		RelationshipID: q.Get("relationship"),
	}
	if v := q.Get("types"); v != "" {
		filter.EntityTypes = strings.Split(v, ",")
	}
	if v := q.Get("predicates"); v != "" {
		filter.PredicatePatterns = strings.Split(v, ",")
	}
	if v := q.Get("min_confidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinConfidence = f
		}
	}
	if v := q.Get("min_salience"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinSalience = f
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	filter.IncludeStale = q.Get("include_stale") == "true"

	scopes := requesterScopes(r)

	hits, err := s.index.Query(r.Context(), q.Get("q"), filter, scopes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q.Get("q"),
		"count":   len(hits),
		"results": hits,
	})
}

// requesterScopes reads the caller's access scopes from headers. The core
// trusts its caller on identity; this is a same-host engine API, not an
// internet-facing surface.
func requesterScopes(r *http.Request) model.RequesterScopes {
	scopes := model.RequesterScopes{
		TenantID:       r.Header.Get("X-Engram-Tenant"),
		SubjectID:      r.Header.Get("X-Engram-Subject"),
		MaxSensitivity: model.Sensitivity(r.Header.Get("X-Engram-Max-Sensitivity")),
	}
	if v := r.Header.Get("X-Engram-Relationships"); v != "" {
		scopes.RelationshipIDs = strings.Split(v, ",")
	}
	return scopes
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID    string `json:"sourceId"`
		EntityType  string `json:"entityType"`
		RevisionID  string `json:"revisionId"`
		ContentHash string `json:"contentHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.SourceID == "" {
		badRequest(w, "sourceId required")
		return
	}
	if req.RevisionID == "" {
		req.RevisionID = model.NewID()
	}
	if req.EntityType == "" {
		req.EntityType = "TURN"
	}

	if err := s.ledger.RegisterSource(req.SourceID, req.EntityType, req.RevisionID, req.ContentHash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"sourceId":   req.SourceID,
		"revisionId": req.RevisionID,
	})
}

// handleEditSource commits a new revision. Dependents are marked stale in
// the same transaction; by the time the response is written, no stale
// dependent is retrievable.
func (s *Server) handleEditSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	var req struct {
		RevisionID  string `json:"revisionId"`
		ContentHash string `json:"contentHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.RevisionID == "" {
		req.RevisionID = model.NewID()
	}

	if err := s.ledger.EditSource(sourceID, req.RevisionID, req.ContentHash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sourceId":   sourceID,
		"revisionId": req.RevisionID,
	})
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	reason := r.URL.Query().Get("reason")

	if err := s.ledger.DeleteSource(sourceID, reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListStale(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	stale, err := s.ledger.ListStale(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(stale),
		"stale": stale,
	})
}

func (s *Server) handleMention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID   string `json:"entityId"`
		EntityType string `json:"entityType"`
		TurnSeq    int64  `json:"turnSeq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.EntityID == "" {
		badRequest(w, "entityId required")
		return
	}

	st := s.sessions.Get(chi.URLParam(r, "sessionID"))
	st.Mention(req.EntityID, req.EntityType, req.TurnSeq, time.Now().UnixMilli())
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Epoch  int                   `json:"epoch"`
		Memory model.ActivatedMemory `json:"memory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.Memory.MemoryID == "" {
		badRequest(w, "memory.memoryId required")
		return
	}
	if req.Memory.AddedAt == 0 {
		req.Memory.AddedAt = time.Now().UnixMilli()
	}

	st := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err := st.ActivateAt(req.Epoch, req.Memory); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DropIndexEntries bool `json:"dropIndexEntries"`
	}
	// Body is optional; zero value keeps index entries.
	json.NewDecoder(r.Body).Decode(&req)

	st := s.sessions.Get(chi.URLParam(r, "sessionID"))
	epoch := st.Compact(req.DropIndexEntries)
	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":             epoch,
		"rehydrationNeeded": true,
	})
}

func (s *Server) handleRehydrated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Epoch int `json:"epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	st := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err := st.Rehydrated(req.Epoch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Get(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.End(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
