// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package value_test

import (
	"testing"

	"github.com/shvgo/broker/value"
)

func TestEqualAndClone(t *testing.T) {
	v := value.NewList([]value.Value{
		value.NewInt(1),
		value.NewString("hi"),
		value.NewMap(map[string]value.Value{"a": value.NewBool(true)}),
	}).WithMeta(&value.Meta{IMap: map[int]value.Value{1: value.NewInt(42)}})

	c := v.Clone()
	if !v.Equal(c) {
		t.Fatalf("clone not equal to original")
	}

	c.List[0] = value.NewInt(99)
	if v.List[0].Equal(c.List[0]) {
		t.Fatalf("clone shares backing storage with original")
	}
}

func TestMetaGetInt(t *testing.T) {
	m := &value.Meta{}
	if _, ok := m.GetInt(3); ok {
		t.Fatalf("expected no value for empty meta")
	}
	m.EnsureIMap()[3] = value.NewInt(7)
	got, ok := m.GetInt(3)
	if !ok || got != 7 {
		t.Fatalf("GetInt(3) = %v, %v; want 7, true", got, ok)
	}
}

func TestAsIntPanicsOnNonNumber(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for AsInt on a string value")
		}
	}()
	value.NewString("x").AsInt()
}

func TestDateTimeRoundTrip(t *testing.T) {
	dt := value.DateTimeFromTime(value.DateTime{UnixMilli: 1700000000000, OffsetMin: 120}.Time())
	if dt.UnixMilli != 1700000000000 {
		t.Fatalf("UnixMilli round trip: got %d", dt.UnixMilli)
	}
}
