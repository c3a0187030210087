// Package model defines the core data types of the engram memory engine:
// claims, predicates, retrieval projections, and session working-set state.
package model

import (
	"encoding/json"
	"fmt"
)

// ApprovalStatus records whether the user consented to storing a claim.
type ApprovalStatus string

const (
	ApprovalAuto     ApprovalStatus = "auto"
	ApprovalProposed ApprovalStatus = "proposed"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// LifecycleStatus records whether a claim is the current version.
type LifecycleStatus string

const (
	LifecycleActive     LifecycleStatus = "active"
	LifecycleSuperseded LifecycleStatus = "superseded"
	LifecycleRetracted  LifecycleStatus = "retracted"
)

// ClaimSource records how the belief was learned.
type ClaimSource string

const (
	SourceUserStated ClaimSource = "user_stated"
	SourceObserved   ClaimSource = "observed"
	SourceInferred   ClaimSource = "inferred"
	SourceImported   ClaimSource = "imported"
)

// WorldTag keeps roleplay and hypotheticals out of the real profile.
type WorldTag string

const (
	WorldReal         WorldTag = "real"
	WorldRoleplay     WorldTag = "roleplay"
	WorldHypothetical WorldTag = "hypothetical"
)

// Claim is a versioned, provenance-tracked belief about a subject entity.
// Claims are never physically deleted; history is preserved through the
// supersession chain.
type Claim struct {
	TenantID string       `json:"tenantId"`
	ID       string       `json:"id"`
	Access   AccessPolicy `json:"-"`

	// Subject (what this claim is about)
	SubjectType string `json:"subjectType"`
	SubjectID   string `json:"subjectId"`

	// Scope (empty = global, else relationship-scoped)
	ScopeRelationshipID string `json:"scopeRelationshipId,omitempty"`

	// Predicate and value
	Predicate string     `json:"predicate"` // namespaced: "preference.food"
	Value     ClaimValue `json:"-"`
	ValueKey  string     `json:"valueKey"`
	ValueText string     `json:"valueText"`

	// Predicate-specific payload, validated against the registry schema.
	Fields map[string]any `json:"fields,omitempty"`

	// Confidence and evidence
	Confidence      float64  `json:"confidence"`
	EvidenceTurnIDs []string `json:"evidenceTurnIds"`

	// Temporal validity: ValidTo == 0 means currently valid.
	ValidFrom int64 `json:"validFrom"`
	ValidTo   int64 `json:"validTo,omitempty"`

	// Lifecycle and approval
	ApprovalStatus  ApprovalStatus  `json:"approvalStatus"`
	LifecycleStatus LifecycleStatus `json:"lifecycleStatus"`
	SupersedesID    string          `json:"supersedesId,omitempty"`
	LastVerifiedAt  int64           `json:"lastVerifiedAt,omitempty"`

	// Provenance
	Source   ClaimSource `json:"source"`
	WorldTag WorldTag    `json:"worldTag,omitempty"`

	// Deletion guarantee (derived data tracking)
	SourceRevisionIDs []string `json:"sourceRevisionIds"`
	SourceVersion     string   `json:"sourceVersion"`
	Stale             bool     `json:"stale"`

	// Ranking
	Salience float64 `json:"salience,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// MarshalJSON emits the typed value as its kind-tagged envelope and the
// access policy in its wire form, so reads round-trip what ingestion
// accepts.
func (c Claim) MarshalJSON() ([]byte, error) {
	type plain Claim
	out := struct {
		plain
		Value  *ValueEnvelope  `json:"value,omitempty"`
		Access json.RawMessage `json:"access,omitempty"`
	}{plain: plain(c)}

	if c.Value != nil {
		env := EncodeValue(c.Value)
		out.Value = &env
	}
	if c.Access != nil {
		raw, err := MarshalAccess(c.Access)
		if err != nil {
			return nil, err
		}
		out.Access = raw
	}
	return json.Marshal(out)
}

// SubjectKey returns the cardinality key: claims sharing it are serialized
// and, for single-cardinality predicates, at most one may be active.
func (c *Claim) SubjectKey() string {
	return SubjectKey(c.SubjectType, c.SubjectID, c.Predicate, c.ScopeRelationshipID)
}

// SubjectKey builds the (subjectType, subjectId, predicate, scope) key.
func SubjectKey(subjectType, subjectID, predicate, scope string) string {
	return subjectType + "\x00" + subjectID + "\x00" + predicate + "\x00" + scope
}

// Candidate is what the extraction pipeline submits to Propose.
type Candidate struct {
	TenantID            string         `json:"tenantId"`
	SubjectType         string         `json:"subjectType"`
	SubjectID           string         `json:"subjectId"`
	ScopeRelationshipID string         `json:"scopeRelationshipId,omitempty"`
	Predicate           string         `json:"predicate"`
	Value               ClaimValue     `json:"-"`
	Fields              map[string]any `json:"fields,omitempty"`
	Confidence          float64        `json:"confidence"`
	Salience            float64        `json:"salience,omitempty"`
	EvidenceTurnIDs     []string       `json:"evidenceTurnIds"`
	OccurredAt          int64          `json:"occurredAt"`
	Source              ClaimSource    `json:"source,omitempty"`
	WorldTag            WorldTag       `json:"worldTag,omitempty"`
	Access              AccessPolicy   `json:"-"`
}

// ValidateUnit checks that a unit-interval signal is within [0,1].
func ValidateUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %v out of range [0,1]", name, v)
	}
	return nil
}

// PredicateCardinality controls how many active claims a subject may hold
// for one predicate.
type PredicateCardinality string

const (
	CardinalitySingle PredicateCardinality = "single"
	CardinalityMulti  PredicateCardinality = "multi"
)

// Sensitivity levels within relationship space.
type Sensitivity string

const (
	SensitivityNormal   Sensitivity = "normal"
	SensitivityIntimate Sensitivity = "intimate"
)

// FieldSpec constrains one entry of a claim's Fields bag.
type FieldSpec struct {
	Kind     ValueKind `json:"kind"`
	Required bool      `json:"required,omitempty"`
}

// PredicateDef is the static schema for a predicate namespace. Definitions
// are registered during init and immutable afterwards.
type PredicateDef struct {
	Predicate   string `json:"predicate"` // e.g. "preference.food"
	Namespace   string `json:"namespace"` // e.g. "preference"
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`

	// Value constraints
	ValueKind          ValueKind `json:"valueKind"`
	AllowedEntityTypes []string  `json:"allowedEntityTypes,omitempty"`

	// Free-form field bag schema; nil means no extra fields accepted.
	FieldSchema map[string]FieldSpec `json:"fieldSchema,omitempty"`

	Cardinality PredicateCardinality `json:"cardinality"`

	// Defaults
	DefaultConfidence  float64        `json:"defaultConfidence"`
	DefaultSensitivity Sensitivity    `json:"defaultSensitivity"`
	DefaultApproval    ApprovalStatus `json:"defaultApproval"`

	// Plugin info
	PluginSource string `json:"source"` // "core", "companion", ...
}
