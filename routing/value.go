// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"strconv"
)

// ValueKind discriminates the variants of Value.
type ValueKind byte

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindMap
)

// Value is a small tagged-variant type for subscriber metadata and
// filter constraints. Matching stays type-safe without reflection.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
	m    map[string]Value
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }

func MapValue(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Equal reports deep equality across the same variant. Values of
// different kinds never compare equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, val := range v.m {
			other, ok := o.m[k]
			if !ok || !val.Equal(other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MatchString compares the value against a string representation, used
// when matching filter constraints against envelope tags.
func (v Value) MatchString(s string) bool {
	switch v.kind {
	case KindString:
		return v.s == s
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		return err == nil && n == v.i
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && f == v.f
	case KindBool:
		b, err := strconv.ParseBool(s)
		return err == nil && b == v.b
	default:
		return false
	}
}

// String renders the value for logging and diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap:
		return "map[" + strconv.Itoa(len(v.m)) + "]"
	default:
		return ""
	}
}
