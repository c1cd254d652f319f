// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/shvgo/broker/rpc"
)

// LoginType identifies the password format a User expects.
type LoginType string

// Wire tokens for login.type, exactly as they appear in the protocol.
const (
	LoginPlain LoginType = "PLAIN"
	LoginSHA1  LoginType = "SHA1"
	LoginToken LoginType = "TOKEN"
)

// StringList is a []string that also decodes from a bare TOML string, for
// the config keys (role, mountPoints, deviceId) documented as "string or
// array".
type StringList []string

// UnmarshalTOML implements toml.Unmarshaler.
func (s *StringList) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		*s = StringList{t}
		return nil
	case []any:
		out := make(StringList, 0, len(t))
		for _, e := range t {
			str, ok := e.(string)
			if !ok {
				return fmt.Errorf("broker: expected string, got %T", e)
			}
			out = append(out, str)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("broker: expected string or array of strings, got %T", v)
	}
}

// Role is a named bundle of mount-point patterns and access rules shared by
// one or more Users or Connects, mirroring RpcBrokerConfig.Role. Access maps
// a level token (bws, rd, wr, cmd, cfg, srv, ssrv, dev, su) to the RI
// patterns granted at that level.
type Role struct {
	Name        string                `toml:"-"`
	MountPoints StringList            `toml:"mountPoints"`
	Access      map[string]StringList `toml:"access"`
}

// AccessLevel returns the highest access level this role grants for a call
// to path.method, or (0, false) if no rule matches.
func (r Role) AccessLevel(path, method string) (rpc.Access, bool) {
	best := rpc.Access(0)
	found := false
	for token, ris := range r.Access {
		level, ok := accessToken(token)
		if !ok {
			continue
		}
		if found && level <= best {
			continue
		}
		for _, ri := range ris {
			if ParseRI(ri).Match(path, method, "") {
				best = level
				found = true
				break
			}
		}
	}
	return best, found
}

// accessToken maps a config level token to its Access value, rejecting
// anything outside the documented set (unlike rpc.AccessFromString, which
// is wire-facing and falls back to Browse).
func accessToken(s string) (rpc.Access, bool) {
	switch s {
	case "bws":
		return rpc.Browse, true
	case "rd":
		return rpc.Read, true
	case "wr":
		return rpc.Write, true
	case "cmd":
		return rpc.Command, true
	case "cfg":
		return rpc.Config, true
	case "srv":
		return rpc.Service, true
	case "ssrv":
		return rpc.SuperService, true
	case "dev":
		return rpc.Devel, true
	case "su":
		return rpc.Admin, true
	}
	return 0, false
}

// Autosetup maps a device-id glob to a role set and a mount-point template,
// mirroring RpcBrokerConfig.Autosetup.
type Autosetup struct {
	DeviceID      StringList `toml:"deviceId"`
	Roles         StringList `toml:"roles"`
	MountPoint    string     `toml:"mountPoint"`
	Subscriptions []string   `toml:"subscriptions"`
}

func (a Autosetup) matchesDeviceID(deviceID string) bool {
	for _, pat := range a.DeviceID {
		if ok, _ := filepath.Match(pat, deviceID); ok {
			return true
		}
	}
	return false
}

func (a Autosetup) matchesRoles(roles []string) bool {
	set := make(map[string]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	for _, r := range a.Roles {
		if set[r] {
			return true
		}
	}
	return false
}

// GenerateMountPoint expands the %d/%r/%u/%i/%I/%% template against
// existing mount points, returning the first unused candidate, or ("",
// false) if none could be generated. Ported from
// RpcBrokerConfig.Autosetup.generate_mount_point.
func (a Autosetup) GenerateMountPoint(existing map[string]bool, deviceID string, user User) (string, bool) {
	if a.MountPoint == "" {
		return "", false
	}
	for i := 0; ; i++ {
		res, constLen := a.expand(deviceID, user, i)
		generateNew := false
		for mnt := range existing {
			if mnt == res || strings.HasPrefix(res, mnt+"/") {
				if constLen < 0 || len(mnt) < constLen {
					return "", false
				}
				generateNew = true
			}
		}
		if !generateNew {
			return res, true
		}
		if i > 1<<20 {
			return "", false // bound against a pathological template
		}
	}
}

func (a Autosetup) expand(deviceID string, user User, i int) (string, int) {
	var res strings.Builder
	constLen := -1
	mp := a.MountPoint
	for {
		r, rest, found := strings.Cut(mp, "%")
		res.WriteString(r)
		if !found {
			break
		}
		if rest == "" {
			res.WriteString("%")
			break
		}
		switch rest[0] {
		case 'd':
			res.WriteString(deviceID)
		case 'r':
			res.WriteString(strings.Join(user.Roles, "-"))
		case 'u':
			res.WriteString(user.Name)
		case 'i':
			if constLen < 0 {
				constLen = res.Len()
			}
			if i != 0 {
				fmt.Fprintf(&res, "%d", i)
			}
		case 'I':
			if constLen < 0 {
				constLen = res.Len()
			}
			fmt.Fprintf(&res, "%d", i)
		case '%':
			res.WriteString("%")
		default:
			res.WriteString("%" + string(rest[0]))
		}
		mp = rest[1:]
	}
	return res.String(), constLen
}

// User is a statically configured login identity, mirroring
// RpcBrokerConfig.User. At most one of Password (plain) or SHA1Pass (40-hex
// SHA1 digest) may be set; a user with neither is connect-only and cannot
// complete an interactive login.
type User struct {
	Name     string     `toml:"-"`
	Password string     `toml:"password"`
	SHA1Pass string     `toml:"sha1pass"`
	Roles    StringList `toml:"role"`
}

// credentials returns the reference password and its stored format, with ok
// false for a connect-only user.
func (u User) credentials() (password string, typ LoginType, ok bool) {
	switch {
	case u.SHA1Pass != "":
		return u.SHA1Pass, LoginSHA1, true
	case u.Password != "":
		return u.Password, LoginPlain, true
	}
	return "", "", false
}

// Connect describes an outbound peer connection this broker maintains,
// mirroring RpcBrokerConfig.Connect.
type Connect struct {
	URL           string     `toml:"url"`
	Roles         StringList `toml:"role"`
	MountPoint    string     `toml:"mountPoint"`
	Subscriptions []string   `toml:"subscriptions"`
}

// Config is the top-level broker configuration, decoded from TOML.
type Config struct {
	Name      string          `toml:"name"`
	Listen    []string        `toml:"listen"`
	Connect   []Connect       `toml:"connect"`
	Users     map[string]User `toml:"user"`
	Roles     map[string]Role `toml:"role"`
	Autosetup []Autosetup     `toml:"autosetup"`
}

// LoadConfig reads and validates a broker configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("broker: config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UserNamed returns cfg's User named name with Name and the default role
// populated.
func (cfg *Config) UserNamed(name string) (User, bool) {
	u, ok := cfg.Users[name]
	if !ok {
		return User{}, false
	}
	u.Name = name
	if len(u.Roles) == 0 {
		u.Roles = StringList{"default"}
	}
	return u, true
}

// RoleNamed returns cfg's Role named name with Name populated.
func (cfg *Config) RoleNamed(name string) (Role, bool) {
	r, ok := cfg.Roles[name]
	if ok {
		r.Name = name
	}
	return r, ok
}

// AccessLevel returns the highest access level granted to any of the named
// roles for a call to path.method.
func (cfg *Config) AccessLevel(roles []string, path, method string) (rpc.Access, bool) {
	best := rpc.Access(0)
	found := false
	for _, name := range roles {
		r, ok := cfg.RoleNamed(name)
		if !ok {
			continue
		}
		if lvl, ok := r.AccessLevel(path, method); ok && (!found || lvl > best) {
			best, found = lvl, true
		}
	}
	return best, found
}

// MountPointAllowed reports whether any of the named roles' mountPoints
// globs permits mounting at mountPoint, per the config.login mount-point
// restriction of the reference broker.
func (cfg *Config) MountPointAllowed(roles []string, mountPoint string) bool {
	for _, name := range roles {
		r, ok := cfg.RoleNamed(name)
		if !ok {
			continue
		}
		for _, pat := range r.MountPoints {
			if ok, _ := filepath.Match(pat, mountPoint); ok {
				return true
			}
		}
	}
	return false
}

// AutosetupFor returns the first Autosetup whose role set intersects roles
// and whose device-id glob matches deviceID, mirroring User.Role._autosetup.
func (cfg *Config) AutosetupFor(deviceID string, roles []string) (Autosetup, bool) {
	for _, a := range cfg.Autosetup {
		if a.matchesRoles(roles) && a.matchesDeviceID(deviceID) {
			return a, true
		}
	}
	return Autosetup{}, false
}

// connectRoles returns c's role list, defaulting to ["default"].
func connectRoles(c Connect) []string {
	if len(c.Roles) == 0 {
		return []string{"default"}
	}
	return c.Roles
}

// Validate reports a descriptive error for any dangling role reference,
// conflicting credentials, or unknown access-level token, matching the
// broker's fail-fast startup behavior.
func (cfg *Config) Validate() error {
	for _, uname := range sortedKeys(cfg.Users) {
		u := cfg.Users[uname]
		if u.Password != "" && u.SHA1Pass != "" {
			return fmt.Errorf("broker: user %q has both password and sha1pass", uname)
		}
		for _, r := range u.Roles {
			if _, ok := cfg.Roles[r]; !ok {
				return fmt.Errorf("broker: user %q references undefined role %q", uname, r)
			}
		}
	}
	for i, c := range cfg.Connect {
		if c.URL == "" {
			return fmt.Errorf("broker: connect[%d] missing url", i)
		}
		for _, r := range c.Roles {
			if _, ok := cfg.Roles[r]; !ok {
				return fmt.Errorf("broker: connect[%d] references undefined role %q", i, r)
			}
		}
	}
	for _, rname := range sortedKeys(cfg.Roles) {
		for token := range cfg.Roles[rname].Access {
			if _, ok := accessToken(token); !ok {
				return fmt.Errorf("broker: role %q grants unknown access level %q", rname, token)
			}
		}
	}
	return nil
}

// sortedKeys returns m's keys in sorted order, for deterministic validation
// and log output.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
