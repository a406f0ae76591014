package param

import (
	"fmt"
	"slices"
	"strings"
)

// Choice describes how many values a property admits.
type Choice uint8

const (
	ChoiceNone Choice = iota
	ChoiceEnum
	ChoiceRange
)

// Value is a single property value. For ChoiceNone only Default is used; for
// ChoiceEnum Values lists the alternatives (Default is the preferred one); for
// ChoiceRange the closed interval [Min, Max] is admitted.
type Value struct {
	Choice  Choice  `json:"choice,omitempty" yaml:"choice,omitempty" msgpack:"c"`
	Default int64   `json:"default" yaml:"default" msgpack:"d"`
	Values  []int64 `json:"values,omitempty" yaml:"values,omitempty" msgpack:"v"`
	Min     int64   `json:"min,omitempty" yaml:"min,omitempty" msgpack:"lo"`
	Max     int64   `json:"max,omitempty" yaml:"max,omitempty" msgpack:"hi"`
}

// Fixed returns a single-valued property.
func Fixed(v int64) Value {
	return Value{Choice: ChoiceNone, Default: v}
}

// Enum returns an enumeration whose preferred value is def.
func Enum(def int64, alts ...int64) Value {
	vals := []int64{def}
	for _, a := range alts {
		if !slices.Contains(vals, a) {
			vals = append(vals, a)
		}
	}
	return Value{Choice: ChoiceEnum, Default: def, Values: vals}.normalize()
}

// Range returns the closed interval [lo, hi] with preferred value def.
func Range(def, lo, hi int64) Value {
	return Value{Choice: ChoiceRange, Default: def, Min: lo, Max: hi}.normalize()
}

// IsFixed reports whether v admits exactly one value.
func (v Value) IsFixed() bool {
	return v.Choice == ChoiceNone
}

// Contains reports whether x is admitted by v.
func (v Value) Contains(x int64) bool {
	switch v.Choice {
	case ChoiceEnum:
		return slices.Contains(v.Values, x)
	case ChoiceRange:
		return x >= v.Min && x <= v.Max
	}
	return x == v.Default
}

func (v Value) String() string {
	switch v.Choice {
	case ChoiceEnum:
		parts := make([]string, len(v.Values))
		for i, x := range v.Values {
			parts[i] = fmt.Sprint(x)
		}
		return fmt.Sprintf("enum(%d; %s)", v.Default, strings.Join(parts, ","))
	case ChoiceRange:
		return fmt.Sprintf("range(%d; %d..%d)", v.Default, v.Min, v.Max)
	}
	return fmt.Sprint(v.Default)
}

// normalize collapses degenerate enumerations and ranges into fixed values.
func (v Value) normalize() Value {
	switch v.Choice {
	case ChoiceEnum:
		if len(v.Values) == 0 {
			return Fixed(v.Default)
		}
		if !slices.Contains(v.Values, v.Default) {
			v.Default = v.Values[0]
		}
		if len(v.Values) == 1 {
			return Fixed(v.Values[0])
		}
	case ChoiceRange:
		if v.Min > v.Max {
			v.Min, v.Max = v.Max, v.Min
		}
		v.Default = clamp(v.Default, v.Min, v.Max)
		if v.Min == v.Max {
			return Fixed(v.Min)
		}
	}
	return v
}

func (v Value) clone() Value {
	v.Values = slices.Clone(v.Values)
	return v
}

func (v Value) equal(w Value) bool {
	return v.Choice == w.Choice && v.Default == w.Default &&
		v.Min == w.Min && v.Max == w.Max && slices.Equal(v.Values, w.Values)
}

func (v Value) fixate() int64 {
	switch v.Choice {
	case ChoiceEnum:
		if slices.Contains(v.Values, v.Default) {
			return v.Default
		}
		return v.Values[0]
	case ChoiceRange:
		return clamp(v.Default, v.Min, v.Max)
	}
	return v.Default
}

// intersect returns the values admitted by both a and b. The preference of a
// wins over the preference of b whenever it survives the intersection.
func intersect(a, b Value) (Value, bool) {
	switch {
	case a.Choice == ChoiceNone:
		if !b.Contains(a.Default) {
			return Value{}, false
		}
		return Fixed(a.Default), true
	case b.Choice == ChoiceNone:
		if !a.Contains(b.Default) {
			return Value{}, false
		}
		return Fixed(b.Default), true
	case a.Choice == ChoiceRange && b.Choice == ChoiceRange:
		lo, hi := max(a.Min, b.Min), min(a.Max, b.Max)
		if lo > hi {
			return Value{}, false
		}
		def := a.Default
		if def < lo || def > hi {
			def = clamp(b.Default, lo, hi)
		}
		return Range(def, lo, hi), true
	}

	// At least one side is an enumeration: keep the enumerated values the other
	// side admits, in enumeration order.
	enum, other := a, b
	if a.Choice != ChoiceEnum {
		enum, other = b, a
	}
	var vals []int64
	for _, x := range enum.Values {
		if other.Contains(x) {
			vals = append(vals, x)
		}
	}
	if len(vals) == 0 {
		return Value{}, false
	}
	def := vals[0]
	switch {
	case slices.Contains(vals, a.Default):
		def = a.Default
	case slices.Contains(vals, b.Default):
		def = b.Default
	}
	return Value{Choice: ChoiceEnum, Default: def, Values: vals}.normalize(), true
}

func clamp(x, lo, hi int64) int64 {
	return max(lo, min(x, hi))
}
