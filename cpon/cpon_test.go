// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpon_test

import (
	"testing"

	"github.com/shvgo/broker/cpon"
	"github.com/shvgo/broker/value"
)

func roundTrip(t *testing.T, v value.Value) value.Value {
	t.Helper()
	s, err := cpon.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := cpon.Unmarshal(s)
	if err != nil {
		t.Fatalf("Unmarshal(%q): %v", s, err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []value.Value{
		value.Null,
		value.NewBool(true),
		value.NewInt(-42),
		value.NewUInt(42),
		value.NewDouble(1.5),
		value.NewDouble(0),
		value.NewDouble(-2.5),
		value.NewDecimal(value.Decimal{Mantissa: 314, Exponent: -2}),
		value.NewDecimal(value.Decimal{Mantissa: 25, Exponent: 0}),
		value.NewDecimal(value.Decimal{Mantissa: 25, Exponent: 3}),
		value.NewDecimal(value.Decimal{Mantissa: -7, Exponent: -4}),
		value.NewString("hi \"there\"\n"),
		value.NewBytes([]byte("abc")),
	}
	for _, want := range cases {
		got := roundTrip(t, want)
		if !got.Equal(want) {
			t.Errorf("round trip mismatch: want %v got %v", want, got)
		}
	}
}

func TestRoundTripContainers(t *testing.T) {
	want := value.NewList([]value.Value{
		value.NewInt(1),
		value.NewMap(map[string]value.Value{"k": value.NewString("v")}),
		value.NewIMap(map[int]value.Value{2: value.NewBool(false)}),
	})
	got := roundTrip(t, want)
	if !got.Equal(want) {
		t.Errorf("round trip mismatch: want %v got %v", want, got)
	}
}

func TestSkipsComments(t *testing.T) {
	got, err := cpon.Unmarshal("/* comment */ 1 // trailing\n")
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(value.NewInt(1)) {
		t.Errorf("got %v, want 1", got)
	}
}

func TestNumberGrammar(t *testing.T) {
	cases := map[string]value.Value{
		"0x1F":  value.NewInt(31),
		"10u":   value.NewUInt(10),
		"1.5":   value.NewDecimal(value.Decimal{Mantissa: 15, Exponent: -1}),
		"1.5p2": value.NewDouble(6),
	}
	for src, want := range cases {
		got, err := cpon.Unmarshal(src)
		if err != nil {
			t.Fatalf("Unmarshal(%q): %v", src, err)
		}
		if !got.Equal(want) {
			t.Errorf("Unmarshal(%q) = %v, want %v", src, got, want)
		}
	}
}

func TestExponentNumberParses(t *testing.T) {
	got, err := cpon.Unmarshal("2e3")
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := value.NewDecimal(value.Decimal{Mantissa: 2, Exponent: 3})
	if !got.Equal(want) {
		t.Fatalf("2e3 parsed as %v, want %v", got, want)
	}
	got, err = cpon.Unmarshal("1.5e-2")
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want = value.NewDecimal(value.Decimal{Mantissa: 15, Exponent: -3})
	if !got.Equal(want) {
		t.Fatalf("1.5e-2 parsed as %v, want %v", got, want)
	}
}
