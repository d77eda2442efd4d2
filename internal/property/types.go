// Package property implements the typed, validated, persisted
// per-container key-value map (component P). It generalizes the
// "variant set" design note in the daemon's own design notes: a
// tagged-union value type plus a registry keyed by name, rather than
// one Go type per property — the shape original_source/property.cpp's
// TVariantSet/TPropertySet split takes in C++.
package property

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/portod/portod/internal/perrors"
)

// ValueType tags which field of Value is meaningful.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeInt64
	TypeUint64
	TypeString
	TypeStringList
	TypeUintMap
)

// Value is the tagged-union carrier for every property/data value.
type Value struct {
	Type ValueType
	B    bool
	I    int64
	U    uint64
	S    string
	L    []string
	M    map[string]uint64
}

func Bool(v bool) Value             { return Value{Type: TypeBool, B: v} }
func Int64(v int64) Value           { return Value{Type: TypeInt64, I: v} }
func Uint64(v uint64) Value         { return Value{Type: TypeUint64, U: v} }
func String(v string) Value         { return Value{Type: TypeString, S: v} }
func StringList(v []string) Value   { return Value{Type: TypeStringList, L: v} }
func UintMap(v map[string]uint64) Value { return Value{Type: TypeUintMap, M: v} }

// ToString renders a Value the way it is persisted to the Kv-Store
// and shown to clients — a stable, round-trippable encoding.
func (v Value) ToString() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.B)
	case TypeInt64:
		return strconv.FormatInt(v.I, 10)
	case TypeUint64:
		return strconv.FormatUint(v.U, 10)
	case TypeString:
		return v.S
	case TypeStringList:
		return strings.Join(v.L, ";")
	case TypeUintMap:
		parts := make([]string, 0, len(v.M))
		keys := make([]string, 0, len(v.M))
		for k := range v.M {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%d", k, v.M[k]))
		}
		return strings.Join(parts, ";")
	default:
		return ""
	}
}

// FromString parses s according to t, the inverse of ToString.
func FromString(t ValueType, s string) (Value, error) {
	switch t {
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, perrors.New(perrors.InvalidValue, "not a bool: %q", s)
		}
		return Bool(b), nil
	case TypeInt64:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, perrors.New(perrors.InvalidValue, "not an int64: %q", s)
		}
		return Int64(i), nil
	case TypeUint64:
		u, err := parseUintWithSuffix(s)
		if err != nil {
			return Value{}, perrors.New(perrors.InvalidValue, "not a uint64: %q", s)
		}
		return Uint64(u), nil
	case TypeString:
		return String(s), nil
	case TypeStringList:
		if s == "" {
			return StringList(nil), nil
		}
		return StringList(strings.Split(s, ";")), nil
	case TypeUintMap:
		m := map[string]uint64{}
		if s == "" {
			return UintMap(m), nil
		}
		for _, part := range strings.Split(s, ";") {
			kv := strings.SplitN(part, ":", 2)
			if len(kv) != 2 {
				return Value{}, perrors.New(perrors.InvalidValue, "malformed map entry: %q", part)
			}
			u, err := parseUintWithSuffix(kv[1])
			if err != nil {
				return Value{}, perrors.New(perrors.InvalidValue, "malformed map value: %q", part)
			}
			m[kv[0]] = u
		}
		return UintMap(m), nil
	default:
		return Value{}, perrors.New(perrors.Unknown, "unknown value type %d", t)
	}
}

// parseUintWithSuffix accepts plain integers plus the unit suffixes
// (k/m/g, case-insensitive, binary powers) that UNIT_SUFFIX properties
// like memory_limit use, e.g. "100M" == 100*1<<20.
func parseUintWithSuffix(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	mult := uint64(1)
	last := s[len(s)-1]
	numeric := s
	switch last {
	case 'k', 'K':
		mult = 1 << 10
		numeric = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		numeric = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		numeric = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, err
	}
	return v * mult, nil
}
