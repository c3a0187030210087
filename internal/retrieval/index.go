// Package retrieval projects eligible entities into access-filtered index
// rows and serves ranked queries over them.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/substratehq/engram/internal/model"
	"github.com/substratehq/engram/internal/registry"
	"github.com/substratehq/engram/internal/store"
)

// Embedder supplies vectors for index rows and queries. The engine treats
// similarity as an opaque external signal in [0,1].
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// Index is the retrieval index and ranking engine.
type Index struct {
	db       *store.DB
	embedder Embedder
	weights  Weights
	now      func() time.Time
}

// New creates an Index with default ranking weights. The embedder may be
// nil; rows are then ranked without a similarity signal.
func New(db *store.DB, embedder Embedder) *Index {
	return &Index{
		db:       db,
		embedder: embedder,
		weights:  DefaultWeights(),
		now:      time.Now,
	}
}

// SetWeights overrides the ranking weights. Negative weights are rejected:
// they would break ranking monotonicity.
func (ix *Index) SetWeights(w Weights) error {
	if w.Similarity < 0 || w.Confidence < 0 || w.Salience < 0 || w.Recency < 0 {
		return fmt.Errorf("ranking weights must be non-negative: %+v", w)
	}
	ix.weights = w
	return nil
}

// ProjectClaim creates or refreshes the index row for a claim, precomputing
// the access fields so queries never re-derive authorization.
func (ix *Index) ProjectClaim(ctx context.Context, c *model.Claim, def model.PredicateDef) error {
	row := &model.RetrievalIndexRow{
		TenantID:           c.TenantID,
		EntityID:           c.ID,
		EntityType:         "CLAIM",
		Space:              c.Access.Space(),
		RelationshipID:     model.RelationshipID(c.Access),
		Sensitivity:        def.DefaultSensitivity,
		PredicateNamespace: def.Namespace,
		Predicate:          c.Predicate,
		ApprovalStatus:     c.ApprovalStatus,
		LifecycleStatus:    c.LifecycleStatus,
		Text:               def.DisplayName + ": " + c.ValueText,
		Salience:           c.Salience,
		Confidence:         c.Confidence,
		OccurredAt:         c.ValidFrom,
		SourceRevisionIDs:  c.SourceRevisionIDs,
		SourceVersion:      c.SourceVersion,
		Stale:              c.Stale,
	}

	if ix.embedder != nil {
		vec, err := ix.embedder.Embed(ctx, row.Text)
		if err != nil {
			// The projection must not be lost to a flaky embedding call;
			// the row lands without a vector and the compactor backfills.
			log.Printf("retrieval: embed row for %s: %v", c.ID, err)
		} else {
			row.Embedding = vec
		}
	}

	return ix.db.UpsertIndexRow(row)
}

// SetStatus mirrors an approval/lifecycle transition onto the projection.
func (ix *Index) SetStatus(entityID string, approval model.ApprovalStatus, lifecycle model.LifecycleStatus) error {
	return ix.db.SetIndexRowStatus(entityID, approval, lifecycle)
}

// Query returns ranked hits for the query text. Results are a finite,
// non-restartable sequence: a fresh call re-executes.
//
// Eligibility: non-stale (unless filter.IncludeStale), active lifecycle,
// auto/approved approval, space and sensitivity within the requester's
// scopes. Intimate rows additionally require approved status regardless of
// confidence.
func (ix *Index) Query(ctx context.Context, query string, filter model.RetrievalFilter, scopes model.RequesterScopes) ([]model.SearchHit, error) {
	rows, err := ix.db.CandidateRows(filter)
	if err != nil {
		return nil, err
	}

	var queryVec []float64
	if ix.embedder != nil && query != "" {
		queryVec, err = ix.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	now := ix.now().UnixMilli()
	scored := make([]scoredRow, 0, len(rows))
	for _, row := range rows {
		if !eligible(row, filter, scopes) {
			continue
		}
		similarity := 0.0
		if queryVec != nil && len(row.Embedding) > 0 {
			similarity = CosineSimilarity(queryVec, row.Embedding)
		}
		scored = append(scored, scoredRow{
			row:   row,
			score: ix.weights.Score(similarity, row.Confidence, row.Salience, row.OccurredAt, now),
		})
	}

	sortRows(scored)

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}

	hits := make([]model.SearchHit, len(scored))
	for i, s := range scored {
		hits[i] = toHit(s)
	}
	return hits, nil
}

// Get fetches one indexed entity under access control. Unlike Query it
// reports why a row is withheld: an intimate row pending approval fails
// with ErrApprovalRequired.
func (ix *Index) Get(entityID string, scopes model.RequesterScopes) (*model.SearchHit, error) {
	row, err := ix.db.GetIndexRow(entityID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, model.ErrNotFound)
	}
	if !spaceAllowed(*row, scopes) {
		return nil, fmt.Errorf("entity %s: %w", entityID, model.ErrNotFound)
	}
	if row.Sensitivity == model.SensitivityIntimate && row.ApprovalStatus != model.ApprovalApproved {
		return nil, fmt.Errorf("entity %s: %w", entityID, model.ErrApprovalRequired)
	}
	hit := toHit(scoredRow{row: *row})
	return &hit, nil
}

func eligible(row model.RetrievalIndexRow, filter model.RetrievalFilter, scopes model.RequesterScopes) bool {
	if !spaceAllowed(row, scopes) {
		return false
	}
	if !scopes.AllowsSensitivity(row.Sensitivity) {
		return false
	}
	// Intimate content needs explicit consent no matter how confident the
	// extraction was.
	if row.Sensitivity == model.SensitivityIntimate && row.ApprovalStatus != model.ApprovalApproved {
		return false
	}
	if len(filter.PredicatePatterns) > 0 && !matchesAny(row.Predicate, filter.PredicatePatterns) {
		return false
	}
	return true
}

func spaceAllowed(row model.RetrievalIndexRow, scopes model.RequesterScopes) bool {
	switch row.Space {
	case model.SpacePrivate:
		// Private rows are keyed to their tenant's subject; the access
		// layer encodes ownership in the requester's subject id.
		return scopes.SubjectID != "" && row.TenantID == scopes.TenantID
	case model.SpaceRelationship:
		if row.RelationshipID == "" {
			return true
		}
		for _, r := range scopes.RelationshipIDs {
			if r == row.RelationshipID {
				return true
			}
		}
		return false
	default: // user/tenant-wide
		return scopes.TenantID == "" || scopes.TenantID == row.TenantID
	}
}

// matchesAny implements the predicate pattern filter: "goal.*" matches the
// namespace, anything else matches exactly.
func matchesAny(predicate string, patterns []string) bool {
	for _, p := range patterns {
		if ns, ok := strings.CutSuffix(p, ".*"); ok {
			if registry.Namespace(predicate) == ns {
				return true
			}
			continue
		}
		if predicate == p {
			return true
		}
	}
	return false
}

func toHit(s scoredRow) model.SearchHit {
	title, snippet, _ := strings.Cut(s.row.Text, ": ")
	return model.SearchHit{
		ID:                  s.row.EntityID,
		EntityType:          s.row.EntityType,
		Title:               title,
		Snippet:             snippet,
		Score:               s.score,
		Predicate:           s.row.Predicate,
		ValueText:           snippet,
		Confidence:          s.row.Confidence,
		Salience:            s.row.Salience,
		OccurredAt:          s.row.OccurredAt,
		ScopeRelationshipID: s.row.RelationshipID,
	}
}
