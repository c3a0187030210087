package model

import (
	"encoding/json"
	"fmt"
)

type accessEnvelope struct {
	Kind           string   `json:"kind"`
	TenantID       string   `json:"tenantId,omitempty"`
	SubjectID      string   `json:"subjectId,omitempty"`
	SubjectIDs     []string `json:"subjectIds,omitempty"`
	RelationshipID string   `json:"relationshipId,omitempty"`
}

// MarshalAccess encodes an access policy as kind-tagged JSON.
func MarshalAccess(p AccessPolicy) ([]byte, error) {
	var env accessEnvelope
	switch a := p.(type) {
	case TenantAccess:
		env = accessEnvelope{Kind: "tenant", TenantID: a.TenantID}
	case PrivateAccess:
		env = accessEnvelope{Kind: "private", SubjectID: a.SubjectID}
	case SharedAccess:
		env = accessEnvelope{Kind: "shared", SubjectIDs: a.SubjectIDs}
	case RelationshipAccess:
		env = accessEnvelope{Kind: "relationship", RelationshipID: a.RelationshipID}
	case PublicAccess:
		env = accessEnvelope{Kind: "public"}
	default:
		return nil, fmt.Errorf("unknown access policy %T", p)
	}
	return json.Marshal(env)
}

// UnmarshalAccess decodes a kind-tagged access policy.
func UnmarshalAccess(data []byte) (AccessPolicy, error) {
	var env accessEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode access policy: %w", err)
	}
	switch env.Kind {
	case "tenant":
		return TenantAccess{TenantID: env.TenantID}, nil
	case "private":
		return PrivateAccess{SubjectID: env.SubjectID}, nil
	case "shared":
		return SharedAccess{SubjectIDs: env.SubjectIDs}, nil
	case "relationship":
		return RelationshipAccess{RelationshipID: env.RelationshipID}, nil
	case "public":
		return PublicAccess{}, nil
	default:
		return nil, fmt.Errorf("unknown access policy kind %q", env.Kind)
	}
}
