// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shvgo/broker/frame"
	"github.com/shvgo/broker/rpc"
	"github.com/shvgo/broker/value"
)

// IdleTimeoutLogin bounds how long an unauthenticated connection may sit
// idle before the broker disconnects it, matching
// RpcBroker.Client.IDLE_TIMEOUT_LOGIN's intentionally short grace period.
const IdleTimeoutLogin = 5 * time.Second

// IdleTimeoutDefault bounds how long an authenticated peer may sit idle
// before the broker pings it, and disconnects it if the ping itself times
// out.
const IdleTimeoutDefault = 180 * time.Second

// SendQueueCapacity bounds how many outgoing frames a peer may have queued
// for write before it is treated as a slow consumer. A peer that cannot
// drain its queue fast enough is disconnected rather than allowed to block
// the router, matching §5's "no backpressure that would block the router"
// requirement.
const SendQueueCapacity = 64

// Peer is a single connection to the broker: one client, identified by a
// broker-local caller ID, carrying a login identity, a mount point, and a
// set of active subscriptions.
type Peer struct {
	id      int64
	broker  *Broker
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	framing frame.Framing

	log zerolog.Logger

	out struct {
		sync.Mutex
		w io.Writer
	}
	sendCh chan []byte // bounded outbound queue drained by writeLoop

	mu           sync.Mutex
	user         *User
	roleNames    []string
	deviceID     string
	mountPoint   string
	subs         map[string]RI
	closed       bool
	lastActive   time.Time
	helloNonce   string
	idleTimeout  time.Duration
	pingInFlight bool

	pending map[int64]chan rpc.Message // broker-originated requests to this peer awaiting a response (ping, etc.)
}

func newPeer(b *Broker, conn io.ReadWriteCloser, f frame.Framing) *Peer {
	return newPeerReader(b, conn, bufio.NewReader(conn), f)
}

// newPeerReader builds a Peer over an already-buffered reader, so a caller
// that performed a handshake on the link (the outbound connect path) does
// not lose bytes it buffered past the last handshake frame.
func newPeerReader(b *Broker, conn io.ReadWriteCloser, r *bufio.Reader, f frame.Framing) *Peer {
	p := &Peer{
		broker:      b,
		conn:        conn,
		reader:      r,
		framing:     f,
		subs:        map[string]RI{},
		sendCh:      make(chan []byte, SendQueueCapacity),
		pending:     map[int64]chan rpc.Message{},
		log:         b.log,
		idleTimeout: IdleTimeoutDefault,
	}
	p.out.w = conn
	p.lastActive = time.Now()
	return p
}

// ID returns the broker-assigned caller ID for this peer.
func (p *Peer) ID() int64 { return p.id }

// MountPoint returns the peer's current mount point, or "" if unmounted.
func (p *Peer) MountPoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mountPoint
}

func (p *Peer) setMountPoint(mp string) {
	p.mu.Lock()
	old := p.mountPoint
	p.mountPoint = mp
	p.mu.Unlock()
	if old != "" {
		p.broker.signalMountPointChange(old, false)
	}
	if mp != "" {
		p.broker.signalMountPointChange(mp, true)
		p.log.Info().Int64("client", p.id).Str("mount", mp).Msg("client mounted")
	}
}

// userName returns the name the peer logged in under, or "" before login.
func (p *Peer) userName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil {
		return ""
	}
	return p.user.Name
}

// Active reports whether the peer finished login and its connection is
// still open.
func (p *Peer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user != nil && !p.closed
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

func (p *Peer) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActive)
}

// watchdogTimeout returns the peer's negotiated idle-watchdog timeout.
func (p *Peer) watchdogTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTimeout
}

// resolveLocalPending delivers msg to a broker-locally-originated request
// awaiting a response on this peer (e.g. a watchdog ping), reporting
// whether one was outstanding for reqID.
func (p *Peer) resolveLocalPending(reqID int64, msg rpc.Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[reqID]
	if ok {
		delete(p.pending, reqID)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// sendPing issues a broker-initiated idle-watchdog ping to the peer and
// disconnects it if no response arrives within half its negotiated
// timeout, matching the ping/disconnect policy of §4.5.
func (p *Peer) sendPing() {
	p.mu.Lock()
	if p.pingInFlight {
		p.mu.Unlock()
		return
	}
	p.pingInFlight = true
	// Drawn from the shared rollover counter so a broker-originated id can
	// never collide with a forwarded request's id on the same link.
	id := rpc.NextRequestID()
	ch := make(chan rpc.Message, 1)
	p.pending[id] = ch
	timeout := p.idleTimeout
	p.mu.Unlock()

	req := rpc.NewRequest(".broker/currentClient", "ping", value.Null, id, nil, "")
	if err := p.send(req); err != nil {
		p.shutdown()
		return
	}
	go func() {
		select {
		case <-ch:
			p.mu.Lock()
			p.pingInFlight = false
			p.mu.Unlock()
		case <-time.After(timeout / 2):
			p.mu.Lock()
			_, stillPending := p.pending[id]
			delete(p.pending, id)
			p.pingInFlight = false
			p.mu.Unlock()
			if stillPending {
				p.log.Warn().Int64("client", p.id).Msg("idle watchdog ping timed out")
				p.shutdown()
			}
		}
	}()
}

// send enqueues msg for delivery to the peer, encoded in ChainPack. It
// never blocks: if the peer's send queue is already at SendQueueCapacity,
// the peer is a slow consumer and gets disconnected rather than stalling
// the caller (the router, in the common case), per §5.
func (p *Peer) send(msg rpc.Message) error {
	data, err := msg.ToChainPack()
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return net.ErrClosed
	}
	select {
	case p.sendCh <- data:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		p.log.Warn().Int64("client", p.id).Msg("send queue full, disconnecting slow consumer")
		go p.shutdown()
		return fmt.Errorf("broker: send queue full for client %d", p.id)
	}
}

// writeLoop drains the peer's send queue onto its connection, framed per
// its negotiated Framing. It is the sole writer of the connection, so
// frames are never interleaved even though send() may be called
// concurrently from the router and from this peer's own goroutines (e.g.
// sendPing).
func (p *Peer) writeLoop() {
	for data := range p.sendCh {
		p.out.Lock()
		err := p.framing.WriteFrame(p.out.w, data)
		p.out.Unlock()
		if err != nil {
			p.shutdown()
			return
		}
	}
}

// recv blocks for the next framed message from the peer.
func (p *Peer) recv() (rpc.Message, error) {
	data, err := p.framing.ReadFrame(p.reader)
	if err != nil {
		return rpc.Message{}, err
	}
	return rpc.Decode(data)
}

// run runs the peer's receive loop. It blocks the caller, mirroring
// chirp.Peer.Start's reader-goroutine idiom but run synchronously
// per-connection (the broker's Accept loop is what fans connections out
// across goroutines).
func (p *Peer) run() {
	defer p.shutdown()
	for {
		msg, err := p.recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.log.Debug().Int64("client", p.id).Err(err).Msg("peer read failed")
			}
			return
		}
		p.touch()
		if err := p.handleMessage(msg); err != nil {
			p.log.Warn().Int64("client", p.id).Err(err).Msg("message handling failed")
		}
	}
}

func (p *Peer) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.sendCh)
	p.mu.Unlock()
	p.conn.Close()
	p.broker.removePeer(p)
}

// handleMessage dispatches an inbound message: requests are routed (either
// handled locally or forwarded to a mounted peer with the caller-id stack
// pushed), responses are routed back along the caller-id stack, and
// signals from a mounted peer are rewritten onto the broker's namespace
// and fanned out to subscribers.
func (p *Peer) handleMessage(msg rpc.Message) error {
	switch msg.Type() {
	case rpc.TypeRequest, rpc.TypeRequestAbort:
		if !p.Active() {
			// Before login only the handshake methods exist, both on the
			// empty path.
			if msg.Path() == "" && msg.Method() == "hello" {
				return p.handleHello(msg)
			}
			if msg.Path() == "" && msg.Method() == "login" {
				return p.handleLogin(msg)
			}
			return p.broker.respondError(p, msg, rpc.ErrLoginRequired, "Use hello and login methods")
		}
		return p.broker.routeRequest(p, msg)
	case rpc.TypeResponse, rpc.TypeResponseDelay, rpc.TypeResponseError:
		if reqID, ok := msg.RequestID(); ok && p.resolveLocalPending(reqID, msg) {
			return nil
		}
		return p.broker.routeResponse(p, msg)
	case rpc.TypeSignal:
		return p.broker.routeSignal(p, msg)
	default:
		return fmt.Errorf("broker: malformed message from client %d", p.id)
	}
}

// subscribe adds ri to the peer's subscription set.
func (p *Peer) subscribe(ri RI) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[ri.String()] = ri
}

// unsubscribe removes ri from the peer's subscription set, reporting
// whether it had been present.
func (p *Peer) unsubscribe(ri RI) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ri.String()
	_, ok := p.subs[key]
	delete(p.subs, key)
	return ok
}

// subscriptions returns a snapshot of the peer's active subscriptions.
func (p *Peer) subscriptions() []RI {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RI, 0, len(p.subs))
	for _, ri := range p.subs {
		out = append(out, ri)
	}
	return out
}

// subscribedTo reports whether any of the peer's subscriptions match a
// signal fired at path:source:name.
func (p *Peer) subscribedTo(path, source, name string) bool {
	for _, ri := range p.subscriptions() {
		if ri.Match(path, source, name) {
			return true
		}
	}
	return false
}

// accessLevel resolves the broker-configured access level this peer's
// roles grant for a call to path.method, clamped so a peer can never be
// handed more access than its own roles allow regardless of what a
// downstream broker might claim to grant (the never-elevate rule).
func (p *Peer) accessLevel(path, method string) (rpc.Access, bool) {
	p.mu.Lock()
	roles := append([]string(nil), p.roleNames...)
	p.mu.Unlock()
	return p.broker.cfg.AccessLevel(roles, path, method)
}

// infoMap renders the peer's introspection snapshot for
// .app/broker/currentClient:info and clientInfo, matching
// RpcBroker.Client.infomap.
func (p *Peer) infoMap() value.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	userName := ""
	if p.user != nil {
		userName = p.user.Name
	}
	subs := make([]value.Value, 0, len(p.subs))
	for k := range p.subs {
		subs = append(subs, value.NewString(k))
	}
	mount := value.Null
	if p.mountPoint != "" {
		mount = value.NewString(p.mountPoint)
	}
	return value.NewMap(map[string]value.Value{
		"clientId":      value.NewInt(p.id),
		"userName":      value.NewString(userName),
		"mountPoint":    mount,
		"subscriptions": value.NewList(subs),
		"idleTime":      value.NewDouble(time.Since(p.lastActive).Seconds()),
		"idleTimeMax":   value.NewDouble(IdleTimeoutDefault.Seconds()),
	})
}
