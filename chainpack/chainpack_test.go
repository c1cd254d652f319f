// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chainpack_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shvgo/broker/chainpack"
	"github.com/shvgo/broker/value"
)

func roundTrip(t *testing.T, v value.Value) value.Value {
	t.Helper()
	data, err := chainpack.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := chainpack.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []value.Value{
		value.Null,
		value.NewBool(true),
		value.NewBool(false),
		value.NewInt(-12345),
		value.NewInt(0),
		value.NewUInt(98765),
		value.NewDouble(3.5),
		value.NewDecimal(value.Decimal{Mantissa: 125, Exponent: -2}),
		value.NewBytes([]byte{0, 1, 2, 0xff}),
		value.NewString("hello, world"),
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
		value.NewMap(map[string]value.Value{"a": value.NewString("x")}),
		value.NewIMap(map[int]value.Value{1: value.NewBool(true)}),
	})
	got := roundTrip(t, want)
	if !got.Equal(want) {
		t.Errorf("round trip mismatch: want %v got %v", want, got)
	}
}

func TestRoundTripContainersStructural(t *testing.T) {
	want := value.NewMap(map[string]value.Value{
		"list": value.NewList([]value.Value{value.NewInt(1), value.NewInt(2)}),
		"imap": value.NewIMap(map[int]value.Value{3: value.NewString("z")}),
	}).WithMeta(&value.Meta{IMap: map[int]value.Value{1: value.NewInt(42)}})
	got := roundTrip(t, want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripMeta(t *testing.T) {
	want := value.NewInt(7).WithMeta(&value.Meta{
		IMap: map[int]value.Value{8: value.NewInt(1)},
		Map:  map[string]value.Value{"tag": value.NewString("x")},
	})
	got := roundTrip(t, want)
	if !got.Equal(want) {
		t.Errorf("round trip mismatch on meta: want %v got %v", want, got)
	}
}

func TestRoundTripDateTime(t *testing.T) {
	for _, off := range []int{0, 60, -120, 945} {
		dt := value.DateTime{UnixMilli: 1700000000123, OffsetMin: off}
		want := value.NewDateTime(dt)
		got := roundTrip(t, want)
		if !got.Equal(want) {
			t.Errorf("offset %d: want %+v got %+v", off, want.DateTime, got.DateTime)
		}
	}
}

// TestRoundTripDateTimePreEpoch pins the pre-2018-02-02 behavior: instants
// before the wire epoch encode as negative offsets and must survive a round
// trip, which older encoders got wrong.
func TestRoundTripDateTimePreEpoch(t *testing.T) {
	cases := []value.DateTime{
		{UnixMilli: 1483228800000, OffsetMin: 0},    // 2017-01-01T00:00:00Z
		{UnixMilli: 1483228800123, OffsetMin: 60},   // same day, with msec and offset
		{UnixMilli: 0, OffsetMin: 0},                // the Unix epoch itself
		{UnixMilli: -86400000, OffsetMin: 0},        // 1969-12-31
		{UnixMilli: 1517529599999, OffsetMin: -480}, // 1ms before the wire epoch
	}
	for _, dt := range cases {
		want := value.NewDateTime(dt)
		got := roundTrip(t, want)
		if !got.Equal(want) {
			t.Errorf("pre-epoch %+v: got %+v", dt, got.DateTime)
		}
	}
}

func TestUintDataHelpersAgreeWithWriter(t *testing.T) {
	for _, n := range []uint64{0, 1, 63, 64, 8191, 1 << 20, 1 << 40} {
		data := chainpack.PackUintData(n)
		got, consumed, err := chainpack.UnpackUintData(data)
		if err != nil {
			t.Fatalf("UnpackUintData(%d): %v", n, err)
		}
		if got != n || consumed != len(data) {
			t.Errorf("UnpackUintData(%d) = %d, %d; want %d, %d", n, got, consumed, n, len(data))
		}
	}
}
