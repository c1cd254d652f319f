// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package value implements the Silicon Heaven dynamic value model: a tagged
// union type shared by the ChainPack and CPON codecs, with an optional
// side-car Meta map carried on every value.
package value

import (
	"fmt"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind byte

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindInt
	KindUInt
	KindDouble
	KindDecimal
	KindBytes
	KindString
	KindDateTime
	KindList
	KindMap
	KindIMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindUInt:
		return "UInt"
	case KindDouble:
		return "Double"
	case KindDecimal:
		return "Decimal"
	case KindBytes:
		return "Bytes"
	case KindString:
		return "String"
	case KindDateTime:
		return "DateTime"
	case KindList:
		return "List"
	case KindMap:
		return "Map"
	case KindIMap:
		return "IMap"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Decimal is an exact decimal represented as a signed mantissa and a signed
// power-of-ten exponent, value = Mantissa * 10^Exponent. Precision is bounded
// by the field widths: the mantissa is an int64 and the exponent an int8, so
// values needing more digits or a wider exponent are not representable.
// Within those bounds no precision is lost converting to or from either
// codec (see decimal_rexp in the Python reference implementation).
type Decimal struct {
	Mantissa int64
	Exponent int8
}

// DateTime is an absolute instant with millisecond precision and an explicit
// UTC offset recorded in 15-minute units, as used on the wire.
type DateTime struct {
	// UnixMilli is milliseconds since the Unix epoch (not the SHV epoch used
	// on the wire; the codec packages translate at the boundary).
	UnixMilli int64
	// OffsetMin is the UTC offset in minutes. The ChainPack encoding stores
	// it in 15-minute units and accepts [-945, 945] (i.e. [-63, 63] units);
	// an offset that is not a multiple of 15 is truncated toward zero there.
	OffsetMin int
}

// Time returns t as a time.Time in its recorded offset's fixed zone.
func (t DateTime) Time() time.Time {
	loc := time.FixedZone("", t.OffsetMin*60)
	return time.UnixMilli(t.UnixMilli).In(loc)
}

// DateTimeFromTime constructs a DateTime from a time.Time, preserving its
// zone offset in whole minutes; the offset is not rounded to 15 minutes.
func DateTimeFromTime(t time.Time) DateTime {
	_, offSec := t.Zone()
	return DateTime{UnixMilli: t.UnixMilli(), OffsetMin: offSec / 60}
}

// Meta is the optional side-car attached to any Value: an integer-keyed map
// (used for RPC message tags) plus a string-keyed map of attributes. An empty
// Meta (both maps nil or empty) is indistinguishable from an absent Meta.
type Meta struct {
	IMap map[int]Value
	Map  map[string]Value
}

// IsEmpty reports whether m carries no attributes at all.
func (m *Meta) IsEmpty() bool {
	return m == nil || (len(m.IMap) == 0 && len(m.Map) == 0)
}

// Clone returns a deep copy of m.
func (m *Meta) Clone() *Meta {
	if m.IsEmpty() {
		return nil
	}
	out := &Meta{}
	if len(m.IMap) > 0 {
		out.IMap = make(map[int]Value, len(m.IMap))
		for k, v := range m.IMap {
			out.IMap[k] = v.Clone()
		}
	}
	if len(m.Map) > 0 {
		out.Map = make(map[string]Value, len(m.Map))
		for k, v := range m.Map {
			out.Map[k] = v.Clone()
		}
	}
	return out
}

// EnsureIMap returns m.IMap, allocating it if necessary. m must not be nil.
func (m *Meta) EnsureIMap() map[int]Value {
	if m.IMap == nil {
		m.IMap = map[int]Value{}
	}
	return m.IMap
}

// GetInt returns the IMap entry for key as an int with ok reporting presence
// and correct type.
func (m *Meta) GetInt(key int) (int64, bool) {
	if m == nil || m.IMap == nil {
		return 0, false
	}
	v, ok := m.IMap[key]
	if !ok || (v.Kind != KindInt && v.Kind != KindUInt) {
		return 0, false
	}
	return v.AsInt(), true
}

// GetStringAt returns the IMap entry for key as a string with ok reporting
// presence and correct type.
func (m *Meta) GetStringAt(key int) (string, bool) {
	if m == nil || m.IMap == nil {
		return "", false
	}
	v, ok := m.IMap[key]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

func metaEqual(a, b *Meta) bool {
	ae, be := a.IsEmpty(), b.IsEmpty()
	if ae != be {
		return false
	}
	if ae {
		return true
	}
	if len(a.IMap) != len(b.IMap) || len(a.Map) != len(b.Map) {
		return false
	}
	for k, av := range a.IMap {
		bv, ok := b.IMap[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	for k, av := range a.Map {
		bv, ok := b.Map[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// Value is a single Silicon Heaven dynamic value: a tagged union over the
// variants in Kind, with an optional Meta attachment. The zero Value is
// KindInvalid; use the constructor functions below to build valid values.
//
// Only the fields relevant to Kind are meaningful; others are ignored by
// Equal, Clone, and the codecs.
type Value struct {
	Kind Kind
	Meta *Meta

	Bool     bool
	Int      int64
	UInt     uint64
	Double   float64
	Decimal  Decimal
	Bytes    []byte
	Str      string
	DateTime DateTime
	List     []Value
	Map      map[string]Value
	IMap     map[int]Value
}

// Null is the SHV null value.
var Null = Value{Kind: KindNull}

func NewBool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func NewInt(i int64) Value         { return Value{Kind: KindInt, Int: i} }
func NewUInt(u uint64) Value       { return Value{Kind: KindUInt, UInt: u} }
func NewDouble(d float64) Value    { return Value{Kind: KindDouble, Double: d} }
func NewDecimal(d Decimal) Value   { return Value{Kind: KindDecimal, Decimal: d} }
func NewBytes(b []byte) Value      { return Value{Kind: KindBytes, Bytes: b} }
func NewString(s string) Value     { return Value{Kind: KindString, Str: s} }
func NewDateTime(t DateTime) Value { return Value{Kind: KindDateTime, DateTime: t} }
func NewList(vs []Value) Value     { return Value{Kind: KindList, List: vs} }

func NewMap(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: KindMap, Map: m}
}

func NewIMap(m map[int]Value) Value {
	if m == nil {
		m = map[int]Value{}
	}
	return Value{Kind: KindIMap, IMap: m}
}

// IsNull reports whether v is Null (ignoring Meta).
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsValid reports whether v carries a recognized Kind.
func (v Value) IsValid() bool { return v.Kind != KindInvalid }

// AsInt returns v's numeric payload widened to int64, regardless of whether
// it is stored as Int or UInt. It panics if v is not a number.
func (v Value) AsInt() int64 {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindUInt:
		return int64(v.UInt)
	default:
		panic(fmt.Sprintf("value: AsInt on %v", v.Kind))
	}
}

// WithMeta returns a copy of v with its Meta replaced.
func (v Value) WithMeta(m *Meta) Value {
	v.Meta = m
	return v
}

// MetaIMapInt returns the integer-keyed Meta attribute at key as an int64.
func (v Value) MetaIMapInt(key int) (int64, bool) { return v.Meta.GetInt(key) }

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	out := v
	out.Meta = v.Meta.Clone()
	switch v.Kind {
	case KindBytes:
		if v.Bytes != nil {
			out.Bytes = append([]byte(nil), v.Bytes...)
		}
	case KindList:
		if v.List != nil {
			out.List = make([]Value, len(v.List))
			for i, e := range v.List {
				out.List[i] = e.Clone()
			}
		}
	case KindMap:
		if v.Map != nil {
			out.Map = make(map[string]Value, len(v.Map))
			for k, e := range v.Map {
				out.Map[k] = e.Clone()
			}
		}
	case KindIMap:
		if v.IMap != nil {
			out.IMap = make(map[int]Value, len(v.IMap))
			for k, e := range v.IMap {
				out.IMap[k] = e.Clone()
			}
		}
	}
	return out
}

// Equal reports whether v and w are structurally equal: same Kind, payload,
// and Meta. Maps are compared without regard to iteration order.
func (v Value) Equal(w Value) bool {
	if v.Kind != w.Kind {
		return false
	}
	if !metaEqual(v.Meta, w.Meta) {
		return false
	}
	switch v.Kind {
	case KindInvalid, KindNull:
		return true
	case KindBool:
		return v.Bool == w.Bool
	case KindInt:
		return v.Int == w.Int
	case KindUInt:
		return v.UInt == w.UInt
	case KindDouble:
		return v.Double == w.Double
	case KindDecimal:
		return v.Decimal == w.Decimal
	case KindBytes:
		return string(v.Bytes) == string(w.Bytes)
	case KindString:
		return v.Str == w.Str
	case KindDateTime:
		return v.DateTime == w.DateTime
	case KindList:
		if len(v.List) != len(w.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(w.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(w.Map) {
			return false
		}
		for k, vv := range v.Map {
			wv, ok := w.Map[k]
			if !ok || !vv.Equal(wv) {
				return false
			}
		}
		return true
	case KindIMap:
		if len(v.IMap) != len(w.IMap) {
			return false
		}
		for k, vv := range v.IMap {
			wv, ok := w.IMap[k]
			if !ok || !vv.Equal(wv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders v for debugging. It is not a codec and its output is not
// parseable.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindUInt:
		return fmt.Sprintf("%du", v.UInt)
	case KindDouble:
		return fmt.Sprintf("%g", v.Double)
	case KindDecimal:
		return fmt.Sprintf("%de%d", v.Decimal.Mantissa, v.Decimal.Exponent)
	case KindBytes:
		return fmt.Sprintf("b[%d bytes]", len(v.Bytes))
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindDateTime:
		return v.DateTime.Time().Format(time.RFC3339Nano)
	case KindList:
		return fmt.Sprintf("[%d items]", len(v.List))
	case KindMap:
		return fmt.Sprintf("{%d entries}", len(v.Map))
	case KindIMap:
		return fmt.Sprintf("i{%d entries}", len(v.IMap))
	default:
		return "<invalid>"
	}
}
