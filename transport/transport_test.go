// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"net/url"
	"testing"
)

func TestParseOptions(t *testing.T) {
	u, err := url.Parse("tcp://localhost:3755?user=alice&password=secret&devid=dev1&devmount=shv/dev1&baudrate=115200&ca=/etc/ca.pem")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	opts := ParseOptions(u)
	want := Options{
		User:        "alice",
		Password:    "secret",
		DeviceID:    "dev1",
		DeviceMount: "shv/dev1",
		BaudRate:    115200,
		CAFile:      "/etc/ca.pem",
	}
	if opts != want {
		t.Errorf("ParseOptions = %+v, want %+v", opts, want)
	}
}

func TestParseOptionsDefaults(t *testing.T) {
	u, _ := url.Parse("unix:///tmp/shv.sock")
	opts := ParseOptions(u)
	if opts != (Options{}) {
		t.Errorf("ParseOptions = %+v, want zero value", opts)
	}
}

func TestWithDefaultPort(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com", "example.com:3755"},
		{"example.com:4000", "example.com:4000"},
		{"[::]", "[::]:3755"},
		{"[::1]:4000", "[::1]:4000"},
	}
	for _, tc := range tests {
		if got := withDefaultPort(tc.in); got != tc.want {
			t.Errorf("withDefaultPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDialUnsupportedScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "bogus://host"); err == nil {
		t.Errorf("expected error for unsupported scheme")
	}
}
