// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/shvgo/broker/rpc"
)

func TestRoleAccessLevel(t *testing.T) {
	r := Role{Access: map[string]StringList{
		"rd": {"a/**"},
		"wr": {"a/b:set"},
	}}
	lvl, ok := r.AccessLevel("a/c", "get")
	if !ok || lvl != rpc.Read {
		t.Fatalf("AccessLevel(a/c,get) = %v, %v; want Read, true", lvl, ok)
	}
	lvl, ok = r.AccessLevel("a/b", "set")
	if !ok || lvl != rpc.Write {
		t.Fatalf("AccessLevel(a/b,set) = %v, %v; want Write, true", lvl, ok)
	}
	if _, ok := r.AccessLevel("other", "get"); ok {
		t.Fatalf("expected no match for unrelated path")
	}
}

func TestConfigAccessLevelPicksHighest(t *testing.T) {
	cfg := &Config{
		Roles: map[string]Role{
			"reader": {Access: map[string]StringList{"rd": {"a/**"}}},
			"writer": {Access: map[string]StringList{"wr": {"a/**"}}},
		},
	}
	lvl, ok := cfg.AccessLevel([]string{"reader", "writer"}, "a/b", "get")
	if !ok || lvl != rpc.Write {
		t.Fatalf("AccessLevel = %v, %v; want Write, true", lvl, ok)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{
		Users: map[string]User{"alice": {Roles: StringList{"missing"}}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for dangling role reference")
	}

	cfg2 := &Config{
		Roles: map[string]Role{"ok": {}},
		Users: map[string]User{"alice": {Roles: StringList{"ok"}}},
	}
	if err := cfg2.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg3 := &Config{
		Users: map[string]User{"bob": {Password: "a", SHA1Pass: "b"}},
	}
	if err := cfg3.Validate(); err == nil {
		t.Fatalf("expected error for conflicting credentials")
	}

	cfg4 := &Config{
		Roles: map[string]Role{"bad": {Access: map[string]StringList{"root": {"**"}}}},
	}
	if err := cfg4.Validate(); err == nil {
		t.Fatalf("expected error for unknown access level token")
	}
}

// TestConfigDecodeTOML exercises the documented schema end to end, including
// the string-or-array form of role assignments.
func TestConfigDecodeTOML(t *testing.T) {
	const src = `
name = "testbroker"
listen = ["tcp://[::]:3755"]

[[connect]]
url = "tcp://other:3755"
role = "link"
mountPoint = "up"
subscriptions = ["**:*:*"]

[user.admin]
password = "admin!123"
role = "su"

[user.device]
sha1pass = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
role = ["device", "browse"]

[role.su.access]
su = ["**:*:*"]

[role.link.access]
rd = ["**:*:*"]

[role.device]
mountPoints = ["test/*"]
[role.device.access]
wr = ["test/**:*:*"]

[role.browse.access]
bws = ["**:*:*"]

[[autosetup]]
deviceId = ["sensor-*"]
roles = ["device"]
mountPoint = "test/%d%i"
subscriptions = []
`
	var cfg Config
	if _, err := toml.Decode(src, &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Name != "testbroker" || len(cfg.Listen) != 1 {
		t.Errorf("name/listen not decoded: %+v", cfg)
	}
	if got := connectRoles(cfg.Connect[0]); len(got) != 1 || got[0] != "link" {
		t.Errorf("connect role = %v, want [link]", got)
	}
	admin, ok := cfg.UserNamed("admin")
	if !ok || admin.Password != "admin!123" || len(admin.Roles) != 1 || admin.Roles[0] != "su" {
		t.Errorf("user admin = %+v, %v", admin, ok)
	}
	dev, _ := cfg.UserNamed("device")
	if _, typ, ok := dev.credentials(); !ok || typ != LoginSHA1 {
		t.Errorf("device credentials type = %v, %v; want sha1, true", typ, ok)
	}
	if lvl, ok := cfg.AccessLevel([]string{"su"}, "anything/at/all", "get"); !ok || lvl != rpc.Admin {
		t.Errorf("su access = %v, %v; want Admin, true", lvl, ok)
	}
	if !cfg.MountPointAllowed([]string{"device"}, "test/sensor-1") {
		t.Errorf("expected device role to allow mounting under test/")
	}
	if cfg.MountPointAllowed([]string{"device"}, "other/place") {
		t.Errorf("expected device role to reject mounting outside test/")
	}
}

func TestAutosetupGenerateMountPointSimple(t *testing.T) {
	a := Autosetup{MountPoint: "shv/%d"}
	mp, ok := a.GenerateMountPoint(map[string]bool{}, "dev1", User{Name: "alice"})
	if !ok || mp != "shv/dev1" {
		t.Fatalf("GenerateMountPoint = %q, %v; want shv/dev1, true", mp, ok)
	}
}

func TestAutosetupGenerateMountPointAvoidsCollision(t *testing.T) {
	a := Autosetup{MountPoint: "shv/%d%i"}
	existing := map[string]bool{"shv/dev1": true}
	mp, ok := a.GenerateMountPoint(existing, "dev1", User{Name: "alice"})
	if !ok || mp != "shv/dev11" {
		t.Fatalf("GenerateMountPoint = %q, %v; want shv/dev11, true", mp, ok)
	}
}

func TestAutosetupMatchesDeviceIDGlob(t *testing.T) {
	a := Autosetup{DeviceID: StringList{"sensor-*"}}
	if !a.matchesDeviceID("sensor-42") {
		t.Fatalf("expected glob match for sensor-42")
	}
	if a.matchesDeviceID("other") {
		t.Fatalf("expected no match for unrelated device id")
	}
}

func TestAutosetupForFirstMatch(t *testing.T) {
	cfg := &Config{
		Autosetup: []Autosetup{
			{DeviceID: StringList{"sensor-*"}, Roles: StringList{"device"}, MountPoint: "shv/%d"},
		},
	}
	got, ok := cfg.AutosetupFor("sensor-1", []string{"device"})
	if !ok || got.MountPoint != "shv/%d" {
		t.Fatalf("AutosetupFor = %+v, %v; want mountPoint shv/%%d, true", got, ok)
	}
	if _, ok := cfg.AutosetupFor("sensor-1", []string{"other"}); ok {
		t.Fatalf("expected no match for unrelated role")
	}
}
