// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc_test

import (
	"testing"

	"github.com/shvgo/broker/rpc"
	"github.com/shvgo/broker/value"
)

func TestRequestResponseTypes(t *testing.T) {
	req := rpc.NewRequest("test/path", "get", value.NewInt(1), 7, []int64{3, 4}, "alice")
	if got := req.Type(); got != rpc.TypeRequest {
		t.Fatalf("Type() = %v, want TypeRequest", got)
	}
	if id, ok := req.RequestID(); !ok || id != 7 {
		t.Fatalf("RequestID() = %v, %v; want 7, true", id, ok)
	}
	if got := req.CallerIDs(); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("CallerIDs() = %v, want [3 4]", got)
	}

	resp, err := req.MakeResponse(value.NewString("ok"), nil)
	if err != nil {
		t.Fatalf("MakeResponse: %v", err)
	}
	if got := resp.Type(); got != rpc.TypeResponse {
		t.Fatalf("Type() = %v, want TypeResponse", got)
	}
	if id, ok := resp.RequestID(); !ok || id != 7 {
		t.Fatalf("response RequestID() = %v, %v; want 7, true", id, ok)
	}
	if got := resp.Result(); !got.Equal(value.NewString("ok")) {
		t.Fatalf("Result() = %v, want ok", got)
	}
}

func TestErrorResponse(t *testing.T) {
	req := rpc.NewRequest("x", "y", value.Null, 1, nil, "")
	resp, err := req.MakeResponse(value.Null, rpc.NewError(rpc.ErrMethodNotFound, "nope"))
	if err != nil {
		t.Fatalf("MakeResponse: %v", err)
	}
	if got := resp.Type(); got != rpc.TypeResponseError {
		t.Fatalf("Type() = %v, want TypeResponseError", got)
	}
	e := resp.Error()
	if e == nil || e.Code != rpc.ErrMethodNotFound || e.Message != "nope" {
		t.Fatalf("Error() = %+v, want {MethodNotFound nope}", e)
	}
}

func TestCallerIDStack(t *testing.T) {
	m := rpc.New()
	m.PushCallerID(1)
	m.PushCallerID(2)
	if got := m.CallerIDs(); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("CallerIDs() = %v, want [2 1]", got)
	}
	id, ok := m.PopCallerID()
	if !ok || id != 2 {
		t.Fatalf("PopCallerID() = %v, %v; want 2, true", id, ok)
	}
	if got := m.CallerIDs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("CallerIDs() after pop = %v, want [1]", got)
	}
}

func TestSignalDefaults(t *testing.T) {
	sig := rpc.NewSignal("device/1", "get", "", value.NewInt(5), rpc.Read, "")
	if got := sig.Type(); got != rpc.TypeSignal {
		t.Fatalf("Type() = %v, want TypeSignal", got)
	}
	if got := sig.SignalName(); got != "chng" {
		t.Fatalf("SignalName() = %q, want chng", got)
	}
	if got := sig.Method(); got != "get" {
		t.Fatalf("Method() = %q, want get", got)
	}
}

func TestChainPackCponRoundTrip(t *testing.T) {
	req := rpc.NewRequest("a/b", "get", value.NewInt(1), 5, nil, "")
	cp, err := req.ToChainPack()
	if err != nil {
		t.Fatalf("ToChainPack: %v", err)
	}
	got, err := rpc.FromChainPack(cp)
	if err != nil {
		t.Fatalf("FromChainPack: %v", err)
	}
	if got.Path() != "a/b" || got.Method() != "get" {
		t.Fatalf("round trip mismatch: path=%q method=%q", got.Path(), got.Method())
	}

	cpon, err := req.ToCpon()
	if err != nil {
		t.Fatalf("ToCpon: %v", err)
	}
	got2, err := rpc.FromCpon(cpon)
	if err != nil {
		t.Fatalf("FromCpon: %v", err)
	}
	if got2.Path() != "a/b" || got2.Method() != "get" {
		t.Fatalf("cpon round trip mismatch: path=%q method=%q", got2.Path(), got2.Method())
	}
}

func TestRequestIDRolloverMonotonic(t *testing.T) {
	prev := rpc.NextRequestID()
	for i := 0; i < 100; i++ {
		next := rpc.NextRequestID()
		if next <= prev {
			t.Fatalf("NextRequestID not monotonic: %d then %d", prev, next)
		}
		prev = next
	}
}
