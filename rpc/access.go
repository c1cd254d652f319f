// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

// Access is a method access level, ordered from least to most privileged.
type Access int

const (
	Browse       Access = 1
	Read         Access = 8
	Write        Access = 16
	Command      Access = 24
	Config       Access = 32
	Service      Access = 40
	SuperService Access = 48
	Devel        Access = 56
	Admin        Access = 63
)

var accessStrings = map[Access]string{
	Browse:       "bws",
	Read:         "rd",
	Write:        "wr",
	Command:      "cmd",
	Config:       "cfg",
	Service:      "srv",
	SuperService: "ssrv",
	Devel:        "dev",
	Admin:        "su",
}

var accessFromString = func() map[string]Access {
	m := make(map[string]Access, len(accessStrings))
	for k, v := range accessStrings {
		m[v] = k
	}
	return m
}()

// String renders a the short access-level token used on the wire.
func (a Access) String() string {
	if s, ok := accessStrings[a]; ok {
		return s
	}
	return "bws"
}

// AccessFromString parses a short access-level token, defaulting to Browse
// for unrecognized input (matches RpcAccess.fromstr's permissive fallback).
func AccessFromString(s string) Access {
	if a, ok := accessFromString[s]; ok {
		return a
	}
	return Browse
}
