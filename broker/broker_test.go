// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"

	"github.com/shvgo/broker/frame"
	"github.com/shvgo/broker/rpc"
	"github.com/shvgo/broker/value"
)

// newTestBroker builds a Broker with a single plain-text user, sufficient
// to exercise the hello/login handshake without a TOML file on disk.
func newTestBroker() *Broker {
	cfg := &Config{
		Users: map[string]User{
			"alice": {Password: "secret", Roles: StringList{"admin"}},
		},
		Roles: map[string]Role{
			"admin": {Access: map[string]StringList{"dev": {"**:*:*"}}},
		},
	}
	return New(cfg, zerolog.Nop(), nil)
}

// TestPeerLifecycleLeavesNoGoroutines drives a peer through hello, login,
// and disconnect over an in-memory pipe, verifying that the broker leaves
// no goroutines running once the peer's connection closes: neither its
// read loop nor a watchdog ping should survive the peer.
func TestPeerLifecycleLeavesNoGoroutines(t *testing.T) {
	defer leaktest.Check(t)()

	b := newTestBroker()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	p := newPeer(b, serverConn, frame.Block{})
	b.registerPeer(p)
	done := make(chan struct{})
	go func() { p.run(); close(done) }()

	client := &testClient{conn: clientConn, reader: bufio.NewReader(clientConn)}
	defer client.close()

	helloResp := client.call(t, rpc.NewRequest("", "hello", value.Null, 1, nil, ""))
	if helloResp.Type() != rpc.TypeResponse {
		t.Fatalf("hello response type = %v, want TypeResponse", helloResp.Type())
	}
	nonce := helloResp.Result().Map["nonce"].Str
	if nonce == "" {
		t.Fatalf("hello response carried no nonce")
	}

	loginParam := value.NewMap(map[string]value.Value{
		"login": value.NewMap(map[string]value.Value{
			"user":     value.NewString("alice"),
			"password": value.NewString(sha1hex(nonce + sha1hex("secret"))),
			"type":     value.NewString(string(LoginSHA1)),
		}),
	})
	loginResp := client.call(t, rpc.NewRequest("", "login", loginParam, 2, nil, ""))
	if loginResp.Type() != rpc.TypeResponse {
		t.Fatalf("login response type = %v, want TypeResponse", loginResp.Type())
	}
	if !p.Active() {
		t.Fatalf("peer not active after successful login")
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("peer.run did not return after connection close")
	}
}

// TestRequestRoutingAndSignalFanout drives two peers end to end: a device
// logs in with an explicit mount point, a client subscribes below it, then
// a request forwarded through the mount is answered and a change signal is
// fanned back out with the mount prefix restored.
func TestRequestRoutingAndSignalFanout(t *testing.T) {
	cfg := &Config{
		Users: map[string]User{
			"dev": {Password: "d", Roles: StringList{"all"}},
			"cli": {Password: "c", Roles: StringList{"all"}},
		},
		Roles: map[string]Role{
			"all": {
				MountPoints: StringList{"test/*"},
				Access:      map[string]StringList{"su": {"**:*:*"}},
			},
		},
	}
	b := New(cfg, zerolog.Nop(), nil)

	device := dialTestPeer(t, b)
	defer device.close()
	client := dialTestPeer(t, b)
	defer client.close()

	device.login(t, "dev", "d", "test/device")
	client.login(t, "cli", "c", "")

	subParam := value.NewMap(map[string]value.Value{
		"path":   value.NewString("test/device/**"),
		"method": value.NewString("*"),
		"signal": value.NewString("chng"),
	})
	subResp := client.call(t, rpc.NewRequest(".broker/currentClient", "subscribe", subParam, 10, nil, ""))
	if subResp.Type() != rpc.TypeResponse {
		t.Fatalf("subscribe response type = %v", subResp.Type())
	}

	// Forwarded request: the device sees the path relative to its mount and
	// a caller-id stack it must echo back.
	go func() {
		req, err := device.read()
		if err != nil {
			return
		}
		if req.Path() != "track/1" || req.Method() != "get" {
			t.Errorf("forwarded request = %q.%q, want track/1.get", req.Path(), req.Method())
		}
		resp, err := req.MakeResponse(value.NewList([]value.Value{value.NewInt(0)}), nil)
		if err != nil {
			t.Errorf("MakeResponse: %v", err)
			return
		}
		device.write(resp)
	}()

	getResp := client.call(t, rpc.NewRequest("test/device/track/1", "get", value.Null, 11, nil, ""))
	if getResp.Type() != rpc.TypeResponse {
		t.Fatalf("get response type = %v", getResp.Type())
	}
	if rid, _ := getResp.RequestID(); rid != 11 {
		t.Fatalf("get response request id = %d, want 11", rid)
	}
	if ids := getResp.CallerIDs(); len(ids) != 0 {
		t.Fatalf("get response caller ids = %v, want empty", ids)
	}
	want := value.NewList([]value.Value{value.NewInt(0)})
	if !getResp.Result().Equal(want) {
		t.Fatalf("get response result = %v, want %v", getResp.Result(), want)
	}

	device.write(rpc.NewSignal("track/1", "get", "chng",
		value.NewList([]value.Value{value.NewInt(1)}), rpc.Read, ""))
	sig, err := client.read()
	if err != nil {
		t.Fatalf("read signal: %v", err)
	}
	if sig.Type() != rpc.TypeSignal {
		t.Fatalf("signal type = %v", sig.Type())
	}
	if sig.Path() != "test/device/track/1" {
		t.Fatalf("signal path = %q, want test/device/track/1", sig.Path())
	}
}

// TestSlowConsumerDisconnects verifies that a peer whose send queue is full
// is disconnected instead of blocking the router.
func TestSlowConsumerDisconnects(t *testing.T) {
	b := newTestBroker()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	// No writeLoop: the queue can only fill.
	p := newPeer(b, serverConn, frame.Block{})
	msg := rpc.NewSignal("x", "get", "chng", value.Null, rpc.Read, "")
	var failed bool
	for i := 0; i < SendQueueCapacity+1; i++ {
		if err := p.send(msg); err != nil {
			failed = true
			break
		}
	}
	if !failed {
		t.Fatalf("expected send to fail once the queue filled")
	}
}

// testClient is a minimal synchronous SHV client over a raw connection,
// used only to drive the handshake in tests.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

// dialTestPeer connects a testClient to b over an in-memory pipe, with the
// server side registered and running as a real Peer.
func dialTestPeer(t *testing.T, b *Broker) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	p := newPeer(b, serverConn, frame.Block{})
	b.registerPeer(p)
	go p.run()
	return &testClient{conn: clientConn, reader: bufio.NewReader(clientConn)}
}

func (c *testClient) write(msg rpc.Message) error {
	data, err := msg.ToChainPack()
	if err != nil {
		return err
	}
	return (frame.Block{}).WriteFrame(c.conn, data)
}

func (c *testClient) read() (rpc.Message, error) {
	raw, err := (frame.Block{}).ReadFrame(c.reader)
	if err != nil {
		return rpc.Message{}, err
	}
	return rpc.FromChainPack(raw)
}

func (c *testClient) call(t *testing.T, req rpc.Message) rpc.Message {
	t.Helper()
	if err := c.write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := c.read()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

// login performs the hello/login handshake for user, optionally requesting
// an explicit mount point.
func (c *testClient) login(t *testing.T, user, password, mount string) {
	t.Helper()
	helloResp := c.call(t, rpc.NewRequest("", "hello", value.Null, 1, nil, ""))
	nonce := helloResp.Result().Map["nonce"].Str
	loginMap := value.NewMap(map[string]value.Value{
		"user":     value.NewString(user),
		"password": value.NewString(sha1hex(nonce + sha1hex(password))),
		"type":     value.NewString(string(LoginSHA1)),
	})
	param := map[string]value.Value{"login": loginMap}
	if mount != "" {
		param["options"] = value.NewMap(map[string]value.Value{
			"device": value.NewMap(map[string]value.Value{
				"mountPoint": value.NewString(mount),
			}),
		})
	}
	resp := c.call(t, rpc.NewRequest("", "login", value.NewMap(param), 2, nil, ""))
	if resp.Type() != rpc.TypeResponse {
		t.Fatalf("login as %q failed: %v", user, resp.Error())
	}
}

func (c *testClient) close() { c.conn.Close() }
