package model

// RetrievalIndexRow is the denormalized, access-filter-ready projection of a
// retrievable entity. It carries its own copy of the provenance fields so a
// stale source immediately shadows the row without touching the entity.
type RetrievalIndexRow struct {
	TenantID string `json:"tenantId"`
	ID       string `json:"id"`

	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`

	// Access control, pre-computed for filtering.
	Space          MemorySpace `json:"space"`
	RelationshipID string      `json:"relationshipId,omitempty"`
	Sensitivity    Sensitivity `json:"sensitivity"`

	// For claims
	PredicateNamespace string          `json:"predicateNamespace,omitempty"`
	Predicate          string          `json:"predicate,omitempty"`
	ApprovalStatus     ApprovalStatus  `json:"approvalStatus,omitempty"`
	LifecycleStatus    LifecycleStatus `json:"lifecycleStatus,omitempty"`

	// Searchable content
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding,omitempty"`

	// Ranking signals
	Salience   float64 `json:"salience,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	OccurredAt int64   `json:"occurredAt"`

	// Deletion guarantee
	SourceRevisionIDs []string `json:"sourceRevisionIds"`
	SourceVersion     string   `json:"sourceVersion"`
	Stale             bool     `json:"stale"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// RetrievalFilter narrows a retrieval query. The zero value means the
// default eligibility rules only.
type RetrievalFilter struct {
	EntityTypes       []string    `json:"entityTypes,omitempty"`
	PredicatePatterns []string    `json:"predicatePatterns,omitempty"` // e.g. "goal.*"
	RelationshipID    string      `json:"relationshipId,omitempty"`
	Space             MemorySpace `json:"space,omitempty"`
	MinConfidence     float64     `json:"minConfidence,omitempty"`
	MinSalience       float64     `json:"minSalience,omitempty"`
	// IncludeStale overrides the staleness exclusion. Audit/debug only.
	IncludeStale bool `json:"includeStale,omitempty"`
	Limit        int  `json:"limit,omitempty"`
}

// SearchHit is one ranked retrieval result.
type SearchHit struct {
	ID         string  `json:"id"`
	EntityType string  `json:"type"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`

	// Claim-specific
	Predicate           string  `json:"predicate,omitempty"`
	ValueText           string  `json:"valueText,omitempty"`
	Confidence          float64 `json:"confidence,omitempty"`
	Salience            float64 `json:"salience,omitempty"`
	ScopeRelationshipID string  `json:"scopeRelationshipId,omitempty"`
	OccurredAt          int64   `json:"occurredAt,omitempty"`
}
