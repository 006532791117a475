package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy is the conflict resolution strategy bound to a path.
type Strategy string

const (
	StrategyLWW           Strategy = "lww"
	StrategyAccumulative  Strategy = "accumulative"
	StrategyAuthoritative Strategy = "authoritative"
	StrategyPriority      Strategy = "priority"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLWW, StrategyAccumulative, StrategyAuthoritative, StrategyPriority:
		return true
	}
	return false
}

// Vec2 is a two dimensional position value.
type Vec2 struct {
	X float64 `json:"x" msgpack:"x" yaml:"x"`
	Y float64 `json:"y" msgpack:"y" yaml:"y"`
}

// Add returns v translated by dx, dy.
func (v Vec2) Add(dx, dy float64) Vec2 {
	return Vec2{X: v.X + dx, Y: v.Y + dy}
}

// Attribute is a single versioned value stored at a path.
type Attribute struct {
	Value     any       `json:"value"`
	Strategy  Strategy  `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
	Writer    string    `json:"writer"`
	Version   uint64    `json:"version"`
	Priority  float64   `json:"priority,omitempty"`
}

// Entity is an addressable object inside a session.
type Entity struct {
	ID    string               `json:"id"`
	Owner string               `json:"owner,omitempty"`
	Attrs map[string]Attribute `json:"attrs"`
}

// Clone returns a deep copy of the entity. Values are immutable scalars or Vec2.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{ID: e.ID, Owner: e.Owner, Attrs: make(map[string]Attribute, len(e.Attrs))}
	for k, v := range e.Attrs {
		out.Attrs[k] = v
	}
	return out
}

// Normalize coerces decoded attribute values in place. Values outside the
// closed value set are left as they are.
func (e *Entity) Normalize() {
	for attr, a := range e.Attrs {
		if v, err := NormalizeValue(a.Value); err == nil {
			a.Value = v
			e.Attrs[attr] = a
		}
	}
}

// JoinPath builds a full path from an entity id and an attribute path.
func JoinPath(entityID, attr string) string {
	return entityID + "." + attr
}

// SplitPath splits a full path into entity id and attribute path.
func SplitPath(path string) (entityID, attr string, err error) {
	entityID, attr, ok := strings.Cut(path, ".")
	if !ok || entityID == "" || attr == "" {
		return "", "", fmt.Errorf("invalid path %q", path)
	}
	return entityID, attr, nil
}

// NormalizeValue coerces decoded wire values into the closed value set:
// float64, string, bool and Vec2.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("value is required")
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("value is not finite")
		}
		return t, nil
	case float32:
		return NormalizeValue(float64(t))
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case string, bool, Vec2:
		return t, nil
	case map[string]any:
		x, okX := t["x"]
		y, okY := t["y"]
		if !okX || !okY || len(t) != 2 {
			return nil, fmt.Errorf("unsupported object value")
		}
		fx, err := NormalizeValue(x)
		if err != nil {
			return nil, err
		}
		fy, err := NormalizeValue(y)
		if err != nil {
			return nil, err
		}
		nx, okX := fx.(float64)
		ny, okY := fy.(float64)
		if !okX || !okY {
			return nil, fmt.Errorf("vector components must be numeric")
		}
		return Vec2{X: nx, Y: ny}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Number returns v as float64 when it is numeric.
func Number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
