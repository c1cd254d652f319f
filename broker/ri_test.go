// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"testing"

	"github.com/shvgo/broker/value"
)

func TestParseRI(t *testing.T) {
	tests := []struct {
		in   string
		want RI
	}{
		{"a/b", RI{Path: "a/b", Method: "*", Signal: "*"}},
		{"a/b:get", RI{Path: "a/b", Method: "get", Signal: "*"}},
		{"a/b::chng", RI{Path: "a/b", Method: "get", Signal: "chng"}},
	}
	for _, tc := range tests {
		if got := ParseRI(tc.in); got != tc.want {
			t.Errorf("ParseRI(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestRIString(t *testing.T) {
	tests := []struct {
		ri   RI
		want string
	}{
		{RI{Path: "a/b", Method: "*", Signal: "*"}, "a/b"},
		{RI{Path: "a/b", Method: "get", Signal: "*"}, "a/b:get"},
		{RI{Path: "a/b", Method: "get", Signal: "chng"}, "a/b::chng"},
	}
	for _, tc := range tests {
		if got := tc.ri.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.ri, got, tc.want)
		}
	}
}

func TestMatchDoubleStarWildcard(t *testing.T) {
	ri := RI{Path: "a/**", Method: "*", Signal: "*"}
	tests := []struct {
		path string
		want bool
	}{
		{"a/b/c", true},
		{"a/b", true},
		{"a", true}, // a trailing "**" also matches zero further segments
		{"ax", false},
	}
	for _, tc := range tests {
		if got := ri.Match(tc.path, "anything", ""); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestMatchMethodAndSignal(t *testing.T) {
	ri := RI{Path: "shv/device", Method: "get", Signal: "chng"}
	if !ri.Match("shv/device", "get", "chng") {
		t.Errorf("expected exact method+signal match")
	}
	if ri.Match("shv/device", "set", "chng") {
		t.Errorf("expected method mismatch to fail")
	}
	if ri.Match("shv/other", "get", "chng") {
		t.Errorf("expected path mismatch to fail")
	}
}

func TestTailPattern(t *testing.T) {
	tests := []struct {
		path, pattern string
		wantTail      string
		wantOK        bool
	}{
		{"a", "a/b/c", "b/c", true},
		{"a/b/c", "a/b/c", "", false},
		{"a", "a/**", "**", true},
	}
	for _, tc := range tests {
		tail, ok := TailPattern(tc.path, tc.pattern)
		if tail != tc.wantTail || ok != tc.wantOK {
			t.Errorf("TailPattern(%q, %q) = %q, %v; want %q, %v", tc.path, tc.pattern, tail, ok, tc.wantTail, tc.wantOK)
		}
	}
}

func TestRIRelativeTo(t *testing.T) {
	ri := RI{Path: "a/**", Method: "get", Signal: "*"}
	got, ok := ri.RelativeTo("a")
	want := RI{Path: "**", Method: "get", Signal: "*"}
	if !ok || got != want {
		t.Errorf("RelativeTo(a) = %+v, %v; want %+v, true", got, ok, want)
	}

	got2, ok2 := ri.RelativeTo("")
	if !ok2 || got2 != ri {
		t.Errorf("RelativeTo(\"\") = %+v, %v; want %+v, true", got2, ok2, ri)
	}
}

func TestSubscriptionRI(t *testing.T) {
	got, err := subscriptionRI(value.NewString("a/**:get:chng"))
	if err != nil || got != (RI{Path: "a/**", Method: "get", Signal: "chng"}) {
		t.Errorf("string form = %+v, %v", got, err)
	}

	got, err = subscriptionRI(value.NewMap(map[string]value.Value{
		"path":   value.NewString("test/device/**"),
		"method": value.NewString("*"),
	}))
	if err != nil || got != (RI{Path: "test/device/**", Method: "*", Signal: "chng"}) {
		t.Errorf("map form with signal omitted = %+v, %v; want signal chng", got, err)
	}

	got, err = subscriptionRI(value.NewMap(nil))
	if err != nil || got != (RI{Path: "*", Method: "*", Signal: "*"}) {
		t.Errorf("empty map form = %+v, %v; want wildcards", got, err)
	}

	if _, err = subscriptionRI(value.NewInt(3)); err == nil {
		t.Errorf("expected error for non-string, non-map parameter")
	}
}
