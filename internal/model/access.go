package model

// MemorySpace is one of the three spaces memories live in.
type MemorySpace string

const (
	SpaceUser         MemorySpace = "user"
	SpaceRelationship MemorySpace = "relationship"
	SpacePrivate      MemorySpace = "private"
)

// AccessPolicy controls who can read an entity. It is a closed sum type:
// one variant per visibility kind, each carrying its own capability check.
type AccessPolicy interface {
	PolicyKind() string
	// Space derives the memory space the retrieval index files the entity
	// under, so queries never re-derive authorization.
	Space() MemorySpace
	// Allows reports whether a requester holding the given scopes may read.
	Allows(s RequesterScopes) bool
}

// RequesterScopes is supplied by the access layer on every query. The core
// never resolves identity itself.
type RequesterScopes struct {
	TenantID        string
	SubjectID       string
	RelationshipIDs []string
	// MaxSensitivity gates intimate content; empty means normal only.
	MaxSensitivity Sensitivity
}

func (s RequesterScopes) hasRelationship(id string) bool {
	for _, r := range s.RelationshipIDs {
		if r == id {
			return true
		}
	}
	return false
}

// AllowsSensitivity reports whether the requester may read rows at the
// given sensitivity level.
func (s RequesterScopes) AllowsSensitivity(level Sensitivity) bool {
	if level == SensitivityIntimate {
		return s.MaxSensitivity == SensitivityIntimate
	}
	return true
}

// TenantAccess: anyone in the tenant (admin use).
type TenantAccess struct {
	TenantID string `json:"tenantId"`
}

func (a TenantAccess) PolicyKind() string { return "tenant" }
func (a TenantAccess) Space() MemorySpace { return SpaceUser }
func (a TenantAccess) Allows(s RequesterScopes) bool { return s.TenantID == a.TenantID }

// PrivateAccess: only the subject (owner-only).
type PrivateAccess struct {
	SubjectID string `json:"subjectId"`
}

func (a PrivateAccess) PolicyKind() string { return "private" }
func (a PrivateAccess) Space() MemorySpace { return SpacePrivate }
func (a PrivateAccess) Allows(s RequesterScopes) bool { return s.SubjectID == a.SubjectID }

// SharedAccess: a specific set of subjects.
type SharedAccess struct {
	SubjectIDs []string `json:"subjectIds"`
}

func (a SharedAccess) PolicyKind() string { return "shared" }
func (a SharedAccess) Space() MemorySpace { return SpaceUser }
func (a SharedAccess) Allows(s RequesterScopes) bool {
	for _, id := range a.SubjectIDs {
		if id == s.SubjectID {
			return true
		}
	}
	return false
}

// RelationshipAccess: participants in a relationship.
type RelationshipAccess struct {
	RelationshipID string `json:"relationshipId"`
}

func (a RelationshipAccess) PolicyKind() string { return "relationship" }
func (a RelationshipAccess) Space() MemorySpace { return SpaceRelationship }
func (a RelationshipAccess) Allows(s RequesterScopes) bool {
	return s.hasRelationship(a.RelationshipID)
}

// PublicAccess: anyone (rare, for system entities).
type PublicAccess struct{}

func (a PublicAccess) PolicyKind() string { return "public" }
func (a PublicAccess) Space() MemorySpace { return SpaceUser }
func (a PublicAccess) Allows(RequesterScopes) bool { return true }

// RelationshipID returns the relationship an access policy scopes to, or
// empty when the policy is not relationship-scoped.
func RelationshipID(p AccessPolicy) string {
	if rel, ok := p.(RelationshipAccess); ok {
		return rel.RelationshipID
	}
	return ""
}
