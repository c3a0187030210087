package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind identifies a ClaimValue variant.
type ValueKind string

const (
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBoolean   ValueKind = "boolean"
	KindDate      ValueKind = "date"
	KindEntityRef ValueKind = "entity_ref"
)

// DatePrecision qualifies how precise a date value is.
type DatePrecision string

const (
	PrecisionDay     DatePrecision = "day"
	PrecisionMonth   DatePrecision = "month"
	PrecisionYear    DatePrecision = "year"
	PrecisionUnknown DatePrecision = "unknown"
)

// ClaimValue is the tagged value union for claims. It is a sealed sum type:
// the only implementations live in this package, and every consumer switches
// exhaustively over them (enforced by Key/Text below plus tests).
type ClaimValue interface {
	Kind() ValueKind
	// Key returns the canonical equality key for this value. Equal values
	// always produce the same key; values of different kinds can never
	// collide because every key is prefixed with its kind.
	Key() string
	// Text returns a human-readable rendering of the value.
	Text() string
}

// StringValue holds a free-text value.
type StringValue struct {
	Value string `json:"value"`
}

func (v StringValue) Kind() ValueKind { return KindString }
func (v StringValue) Key() string {
	return "string:" + strings.ToLower(strings.TrimSpace(v.Value))
}
func (v StringValue) Text() string { return v.Value }

// NumberValue holds a numeric value with an optional unit.
type NumberValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

func (v NumberValue) Kind() ValueKind { return KindNumber }
func (v NumberValue) Key() string {
	// 'g' with -1 precision is the shortest exact representation, so the
	// same float always yields the same key.
	return "number:" + strconv.FormatFloat(v.Value, 'g', -1, 64) + ":" + strings.ToLower(v.Unit)
}
func (v NumberValue) Text() string {
	s := strconv.FormatFloat(v.Value, 'g', -1, 64)
	if v.Unit != "" {
		return s + " " + v.Unit
	}
	return s
}

// BooleanValue holds a true/false value.
type BooleanValue struct {
	Value bool `json:"value"`
}

func (v BooleanValue) Kind() ValueKind { return KindBoolean }
func (v BooleanValue) Key() string { return "boolean:" + strconv.FormatBool(v.Value) }
func (v BooleanValue) Text() string { return strconv.FormatBool(v.Value) }

// DateValue holds an ISO-8601 date string with a precision qualifier.
type DateValue struct {
	Value     string        `json:"value"`
	Precision DatePrecision `json:"precision"`
}

func (v DateValue) Kind() ValueKind { return KindDate }
func (v DateValue) Key() string {
	return "date:" + strings.TrimSpace(v.Value) + ":" + string(v.Precision)
}
func (v DateValue) Text() string { return v.Value }

// EntityRefValue points at another entity.
type EntityRefValue struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

func (v EntityRefValue) Kind() ValueKind { return KindEntityRef }
func (v EntityRefValue) Key() string {
	return "entity_ref:" + v.EntityType + ":" + v.EntityID
}
func (v EntityRefValue) Text() string { return v.EntityType + "/" + v.EntityID }

// ValueKey derives the canonical dedup/merge key for a value. It is pure and
// total over the union: a nil value is the empty key, everything else
// delegates to the variant.
func ValueKey(v ClaimValue) string {
	if v == nil {
		return ""
	}
	return v.Key()
}

// ValueEnvelope is the wire form of a ClaimValue: the kind tag plus the
// variant payload, flattened.
type ValueEnvelope struct {
	Kind       ValueKind     `json:"kind"`
	Value      any           `json:"value,omitempty"`
	Unit       string        `json:"unit,omitempty"`
	Precision  DatePrecision `json:"precision,omitempty"`
	EntityType string        `json:"entityType,omitempty"`
	EntityID   string        `json:"entityId,omitempty"`
}

// EncodeValue converts a ClaimValue into its tagged wire envelope.
func EncodeValue(v ClaimValue) ValueEnvelope {
	switch val := v.(type) {
	case StringValue:
		return ValueEnvelope{Kind: KindString, Value: val.Value}
	case NumberValue:
		return ValueEnvelope{Kind: KindNumber, Value: val.Value, Unit: val.Unit}
	case BooleanValue:
		return ValueEnvelope{Kind: KindBoolean, Value: val.Value}
	case DateValue:
		return ValueEnvelope{Kind: KindDate, Value: val.Value, Precision: val.Precision}
	case EntityRefValue:
		return ValueEnvelope{Kind: KindEntityRef, EntityType: val.EntityType, EntityID: val.EntityID}
	default:
		return ValueEnvelope{}
	}
}

// DecodeValue converts a tagged envelope back into a ClaimValue.
func DecodeValue(env ValueEnvelope) (ClaimValue, error) {
	switch env.Kind {
	case KindString:
		s, ok := env.Value.(string)
		if !ok {
			return nil, fmt.Errorf("string value: expected string payload, got %T", env.Value)
		}
		return StringValue{Value: s}, nil
	case KindNumber:
		switch n := env.Value.(type) {
		case float64:
			return NumberValue{Value: n, Unit: env.Unit}, nil
		case int:
			return NumberValue{Value: float64(n), Unit: env.Unit}, nil
		default:
			return nil, fmt.Errorf("number value: expected numeric payload, got %T", env.Value)
		}
	case KindBoolean:
		b, ok := env.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean value: expected bool payload, got %T", env.Value)
		}
		return BooleanValue{Value: b}, nil
	case KindDate:
		s, ok := env.Value.(string)
		if !ok {
			return nil, fmt.Errorf("date value: expected string payload, got %T", env.Value)
		}
		p := env.Precision
		if p == "" {
			p = PrecisionUnknown
		}
		return DateValue{Value: s, Precision: p}, nil
	case KindEntityRef:
		if env.EntityType == "" || env.EntityID == "" {
			return nil, fmt.Errorf("entity_ref value: entityType and entityId required")
		}
		return EntityRefValue{EntityType: env.EntityType, EntityID: env.EntityID}, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", env.Kind)
	}
}
