// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package broker implements an SHV RPC broker: it accepts peer connections,
// authenticates them, maintains a mount-point namespace, routes requests and
// responses along the caller-id stack, and fans signals out to subscribers.
package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shvgo/broker/frame"
	"github.com/shvgo/broker/rpc"
	"github.com/shvgo/broker/transport"
	"github.com/shvgo/broker/value"
)

// Metrics holds the broker's Prometheus instrumentation, generalized from
// chirp's expvar.Map-based Peer.Metrics to a registry-friendly vector form.
type Metrics struct {
	ClientsConnected prometheus.Gauge
	RequestsRouted   prometheus.Counter
	SignalsRouted    prometheus.Counter
	ResponsesDropped prometheus.Counter
}

// NewMetrics creates and registers a Metrics set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shvbroker_clients_connected", Help: "Number of currently connected peers.",
		}),
		RequestsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shvbroker_requests_routed_total", Help: "Total requests routed (local or forwarded).",
		}),
		SignalsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shvbroker_signals_routed_total", Help: "Total signals fanned out to subscribers.",
		}),
		ResponsesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shvbroker_responses_dropped_total", Help: "Responses dropped (uncorrelated or with a malformed caller-id stack) or replaced by a synthesized timeout/disconnect error.",
		}),
	}
	reg.MustRegister(m.ClientsConnected, m.RequestsRouted, m.SignalsRouted, m.ResponsesDropped)
	return m
}

// Application identity reported by the .app introspection node.
const (
	appVersion      = "0.1.0"
	shvVersionMajor = 3
	shvVersionMinor = 0
)

// ErrListen marks a Serve error that originated from a failure to bind one
// of the broker's configured listeners, distinct from an outbound-connect
// or config failure, so a caller (e.g. cmd/shvbroker) can map it to its own
// dedicated process exit code per spec.md §6.4.
var ErrListen = errors.New("listen failed")

// DefaultRequestDeadline bounds how long the broker waits for a response to
// a request it forwarded before answering the origin with a synthetic
// MethodCallException "timeout", matching RpcBroker's per-call soft
// deadline.
const DefaultRequestDeadline = 30 * time.Second

// pendingCall records a request the broker forwarded to a mounted peer, so
// the response (or a disconnect/timeout) can be routed back or synthesized
// for the peer that originated it.
type pendingCall struct {
	origin *Peer
	orig   rpc.Message // the request as received from origin, before path rewrite and caller-id push
	fwd    rpc.Message // the request as forwarded to the target, used to build an abort on origin disconnect
	timer  *time.Timer
}

// Broker holds all connected peers, the mount namespace they form, and the
// configuration governing login and access control.
type Broker struct {
	cfg *Config
	log zerolog.Logger
	met *Metrics

	tasks *taskgroup.Group

	mu     sync.Mutex
	peers  map[int64]*Peer
	lastID int64

	pendingMu sync.Mutex
	pending   map[int64]map[int64]*pendingCall // target client id -> request id -> call
}

// New constructs a Broker from cfg. Callers must still call Serve/Connect or
// Accept to put it to work.
func New(cfg *Config, log zerolog.Logger, met *Metrics) *Broker {
	return &Broker{
		cfg:     cfg,
		log:     log,
		met:     met,
		tasks:   taskgroup.New(nil),
		peers:   map[int64]*Peer{},
		pending: map[int64]map[int64]*pendingCall{},
	}
}

// Serve starts listening on every URL in cfg.Listen and dialing every entry
// in cfg.Connect, blocking until ctx is canceled. It mirrors chirp.Peer's
// taskgroup-per-concern shape: one task per listener, one task per outbound
// connection, plus the idle watchdog.
func (b *Broker) Serve(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	b.tasks.Go(func() error { return b.watchIdle(ctx) })
	for _, l := range b.cfg.Listen {
		lst, err := transport.Listen(l)
		if err != nil {
			return fmt.Errorf("broker: listen %s: %w: %v", l, ErrListen, err)
		}
		b.log.Info().Str("url", l).Msg("listening")
		b.tasks.Go(func() error { return b.acceptLoop(ctx, lst) })
	}
	for i := range b.cfg.Connect {
		c := b.cfg.Connect[i]
		b.tasks.Go(func() error { return b.connectLoop(ctx, c) })
	}
	<-ctx.Done()
	return b.tasks.Wait()
}

func (b *Broker) acceptLoop(ctx context.Context, lst transport.Listener) error {
	defer lst.Close()
	for {
		conn, err := lst.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn().Err(err).Str("addr", lst.Addr()).Msg("accept failed")
			continue
		}
		p := newPeer(b, conn.RWC, conn.Framing)
		b.registerPeer(p)
		go p.run()
	}
}

// addOutboundPeer wraps an established (and, if credentials were given,
// already logged-in) outbound connection as a Peer under the role set drawn
// from configuration rather than an interactive login.
func (b *Broker) addOutboundPeer(conn transport.ReadWriteCloser, r *bufio.Reader, f frame.Framing, c Connect) *Peer {
	p := newPeerReader(b, conn, r, f)
	b.registerPeer(p)
	roles := connectRoles(c)
	u := User{Name: "connect:" + c.URL, Roles: roles}
	p.mu.Lock()
	p.user = &u
	p.roleNames = append([]string(nil), roles...)
	p.mu.Unlock()
	mount := c.MountPoint
	if mount != "" {
		p.setMountPoint(mount)
	}
	p.applySubscriptions(c.Subscriptions)
	return p
}

// watchIdle periodically disconnects peers that have failed to complete
// login within IdleTimeoutLogin, matching
// RpcBroker.Client.IDLE_TIMEOUT_LOGIN's enforcement of the login grace
// period.
func (b *Broker) watchIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		b.mu.Lock()
		peers := make([]*Peer, 0, len(b.peers))
		for _, p := range b.peers {
			peers = append(peers, p)
		}
		b.mu.Unlock()
		for _, p := range peers {
			if !p.Active() {
				if p.idleFor() > IdleTimeoutLogin {
					b.log.Warn().Int64("client", p.id).Msg("login timed out")
					p.shutdown()
				}
				continue
			}
			if p.idleFor() > p.watchdogTimeout() {
				p.sendPing()
			}
		}
	}
}

// nextCallerID allocates the next broker-local caller id, mirroring
// RpcBroker.next_caller_id's simple monotonic counter.
func (b *Broker) nextCallerID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	return b.lastID
}

func (b *Broker) registerPeer(p *Peer) {
	p.id = b.nextCallerID()
	b.mu.Lock()
	b.peers[p.id] = p
	b.mu.Unlock()
	if b.met != nil {
		b.met.ClientsConnected.Inc()
	}
	go p.writeLoop()
	b.log.Info().Int64("client", p.id).Msg("client connected")
}

func (b *Broker) removePeer(p *Peer) {
	b.mu.Lock()
	_, ok := b.peers[p.id]
	delete(b.peers, p.id)
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.met != nil {
		b.met.ClientsConnected.Dec()
	}
	old := p.MountPoint()
	if old != "" {
		b.signalMountPointChange(old, false)
	}
	b.failPendingAsDestination(p.id, "destination disconnected")
	b.abortPendingAsOrigin(p.id)
	b.log.Info().Int64("client", p.id).Msg("client disconnected")
}

// registerPending remembers a request the broker just forwarded to target,
// arming a deadline timer that answers origin with a "timeout" error if
// target never responds in time.
func (b *Broker) registerPending(target *Peer, origin *Peer, reqID int64, orig, fwd rpc.Message) {
	call := &pendingCall{origin: origin, orig: orig, fwd: fwd}
	call.timer = time.AfterFunc(DefaultRequestDeadline, func() {
		b.failPending(target.ID(), reqID, "timeout")
	})

	b.pendingMu.Lock()
	m := b.pending[target.ID()]
	if m == nil {
		m = map[int64]*pendingCall{}
		b.pending[target.ID()] = m
	}
	m[reqID] = call
	b.pendingMu.Unlock()
}

// resolvePending removes and returns the pending call for a response
// arriving from target for reqID, stopping its deadline timer. It reports
// false if no such call is outstanding (already timed out, or never
// registered, e.g. a stray response to an unsolicited request).
func (b *Broker) resolvePending(targetID, reqID int64) (*pendingCall, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	m := b.pending[targetID]
	if m == nil {
		return nil, false
	}
	call, ok := m[reqID]
	if !ok {
		return nil, false
	}
	delete(m, reqID)
	if len(m) == 0 {
		delete(b.pending, targetID)
	}
	call.timer.Stop()
	return call, true
}

// extendPending resets a call's deadline timer on an in-progress delay
// notice, so a slow-but-alive destination is not timed out mid-call. The
// call stays pending; the returned entry is nil if none is outstanding.
func (b *Broker) extendPending(targetID, reqID int64) *pendingCall {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	m := b.pending[targetID]
	if m == nil {
		return nil
	}
	call, ok := m[reqID]
	if !ok {
		return nil
	}
	call.timer.Reset(DefaultRequestDeadline)
	return call
}

// failPending answers the origin of a single outstanding call with a
// MethodCallException, used both for the deadline timer and for any other
// single-call failure path.
func (b *Broker) failPending(targetID, reqID int64, message string) {
	call, ok := b.resolvePending(targetID, reqID)
	if !ok {
		return
	}
	b.replyPendingError(call, message)
}

// failPendingAsDestination answers every call outstanding on targetID
// (which has just disconnected) with a MethodCallException, matching the
// "destination disconnected" policy of §7.
func (b *Broker) failPendingAsDestination(targetID int64, message string) {
	b.pendingMu.Lock()
	m := b.pending[targetID]
	delete(b.pending, targetID)
	b.pendingMu.Unlock()
	for _, call := range m {
		call.timer.Stop()
		b.replyPendingError(call, message)
	}
}

// abortPendingAsOrigin cancels every call this now-disconnected peer
// originated, discarding any late reply and notifying the destination with
// a request-abort so it can stop working on a call nobody awaits anymore.
func (b *Broker) abortPendingAsOrigin(originID int64) {
	type dead struct {
		targetID int64
		reqID    int64
		call     *pendingCall
	}
	var doomed []dead

	b.pendingMu.Lock()
	for targetID, m := range b.pending {
		for reqID, call := range m {
			if call.origin.ID() == originID {
				doomed = append(doomed, dead{targetID, reqID, call})
			}
		}
	}
	for _, d := range doomed {
		delete(b.pending[d.targetID], d.reqID)
		if len(b.pending[d.targetID]) == 0 {
			delete(b.pending, d.targetID)
		}
	}
	b.pendingMu.Unlock()

	for _, d := range doomed {
		d.call.timer.Stop()
		if target, ok := b.peerByID(d.targetID); ok {
			if abort, err := d.call.fwd.MakeAbort(true); err == nil {
				_ = target.send(abort)
			}
		}
	}
}

func (b *Broker) replyPendingError(call *pendingCall, message string) {
	if b.met != nil {
		b.met.ResponsesDropped.Inc()
	}
	resp, err := call.orig.MakeResponse(value.Null, rpc.NewError(rpc.ErrMethodCallException, message))
	if err != nil {
		return
	}
	_ = call.origin.send(resp)
}

// peerByID returns the peer with the given broker-local caller id.
func (b *Broker) peerByID(id int64) (*Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	return p, ok
}

// clientOnPath finds the mounted peer whose mount point is a prefix of path,
// returning that peer and path relative to its mount point. Mirrors
// RpcBroker.Client.client_on_path's longest-prefix mount lookup.
func (b *Broker) clientOnPath(path string) (*Peer, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Peer
	bestLen := -1
	for _, p := range b.peers {
		mp := p.MountPoint()
		if mp == "" {
			continue
		}
		if path == mp {
			if len(mp) > bestLen {
				best, bestLen = p, len(mp)
			}
			continue
		}
		if strings.HasPrefix(path, mp+"/") {
			if len(mp) > bestLen {
				best, bestLen = p, len(mp)
			}
		}
	}
	if best == nil {
		return nil, "", false
	}
	rel := strings.TrimPrefix(path, best.MountPoint())
	rel = strings.TrimPrefix(rel, "/")
	return best, rel, true
}

// mountPointsUnder returns the immediate child segments, below prefix, of
// every peer's mount point, for ls-style namespace browsing.
func (b *Broker) mountPointsUnder(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]bool{}
	for _, p := range b.peers {
		mp := p.MountPoint()
		if mp == "" {
			continue
		}
		rel := mp
		if prefix != "" {
			if !strings.HasPrefix(mp, prefix+"/") && mp != prefix {
				continue
			}
			rel = strings.TrimPrefix(strings.TrimPrefix(mp, prefix), "/")
		}
		if rel == "" {
			continue
		}
		seg, _, _ := strings.Cut(rel, "/")
		seen[seg] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// routeRequest handles an inbound request or abort from peer "from":
// resolves and clamps access, then either forwards it to a mounted
// downstream peer under a fresh request id with the caller-id stack pushed,
// or handles it locally.
func (b *Broker) routeRequest(from *Peer, msg rpc.Message) error {
	if b.met != nil {
		b.met.RequestsRouted.Inc()
	}
	path := msg.Path()
	method := msg.Method()

	access, ok := from.accessLevel(path, method)
	if !ok {
		return b.respondError(from, msg, rpc.ErrMethodNotFound, "No access")
	}
	if cur, ok := msg.AccessLevel(); !ok || cur > access {
		// Clamp, never elevate: the granted level stamped on a forwarded
		// request is the minimum of what the source carried and what this
		// broker's own rules allow.
		msg.SetAccessLevel(access)
	}

	if msg.Type() == rpc.TypeRequestAbort {
		return b.forwardAbort(from, msg)
	}

	if isIntrinsicPath(path) {
		return b.localCall(from, msg)
	}
	target, rel, ok := b.clientOnPath(path)
	if !ok {
		return b.localCall(from, msg)
	}

	orig := rpc.Message{Value: msg.Value.Clone()}
	msg.SetPath(rel)
	msg.PushCallerID(from.ID())
	reqID := rpc.NextRequestID()
	msg.SetRequestID(reqID)
	fwd := rpc.Message{Value: msg.Value.Clone()}

	// Register before sending so a fast response cannot race the pending
	// entry.
	b.registerPending(target, from, reqID, orig, fwd)
	if err := target.send(msg); err != nil {
		b.failPending(target.ID(), reqID, "destination disconnected")
		return fmt.Errorf("broker: forward request to client %d: %w", target.ID(), err)
	}
	return nil
}

// isIntrinsicPath reports whether path belongs to the broker's own surface
// and must never be shadowed by a mounted peer.
func isIntrinsicPath(path string) bool {
	return path == "" || path == ".app" || strings.HasPrefix(path, ".app/") ||
		path == ".broker" || strings.HasPrefix(path, ".broker/")
}

// forwardAbort translates a request abort from its origin onto the request
// id the broker forwarded the original call under. An abort for a call that
// is no longer pending is dropped.
func (b *Broker) forwardAbort(from *Peer, msg rpc.Message) error {
	origRID, ok := msg.RequestID()
	if !ok {
		return nil
	}
	targetID, fwdRID, call, found := b.findForwarded(from.ID(), origRID)
	if !found {
		b.log.Debug().Int64("from", from.ID()).Int64("rid", origRID).Msg("dropped abort for unknown call")
		return nil
	}
	target, ok := b.peerByID(targetID)
	if !ok {
		return nil
	}
	abort, err := call.fwd.MakeAbort(msg.Abort())
	if err != nil {
		return err
	}
	abort.SetRequestID(fwdRID)
	return target.send(abort)
}

// findForwarded locates the pending call peer originID started under its own
// request id origRID, returning the destination and the request id it was
// forwarded under.
func (b *Broker) findForwarded(originID, origRID int64) (targetID, fwdRID int64, call *pendingCall, ok bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for tid, m := range b.pending {
		for rid, c := range m {
			if c.origin.ID() != originID {
				continue
			}
			if r, ok := c.orig.RequestID(); ok && r == origRID {
				return tid, rid, c, true
			}
		}
	}
	return 0, 0, nil, false
}

// routeResponse handles an inbound response, delay notice, or error from
// peer "from", matching it to the pending call it answers, restoring the
// origin's request id, and popping the caller-id stack. Responses that
// cannot be correlated (late replies after a timeout, or a malformed
// caller-id stack) are dropped with a log event, never raised.
func (b *Broker) routeResponse(from *Peer, msg rpc.Message) error {
	reqID, ok := msg.RequestID()
	if !ok {
		return nil
	}
	var call *pendingCall
	if msg.Type() == rpc.TypeResponseDelay {
		call = b.extendPending(from.ID(), reqID)
	} else if c, ok := b.resolvePending(from.ID(), reqID); ok {
		call = c
	}
	if call == nil {
		if b.met != nil {
			b.met.ResponsesDropped.Inc()
		}
		b.log.Debug().Int64("from", from.ID()).Int64("rid", reqID).Msg("dropped uncorrelated response")
		return nil
	}
	id, ok := msg.PopCallerID()
	if !ok || id != call.origin.ID() {
		if b.met != nil {
			b.met.ResponsesDropped.Inc()
		}
		b.log.Debug().Int64("from", from.ID()).Int64("rid", reqID).Msg("dropped response with malformed caller-id stack")
		return nil
	}
	if origRID, ok := call.orig.RequestID(); ok {
		msg.SetRequestID(origRID)
	}
	if err := call.origin.send(msg); err != nil {
		return fmt.Errorf("broker: forward response to client %d: %w", call.origin.ID(), err)
	}
	return nil
}

// routeSignal rewrites a signal fired by a mounted peer onto the broker's
// namespace and fans it out to every subscriber whose RI matches.
func (b *Broker) routeSignal(from *Peer, msg rpc.Message) error {
	mp := from.MountPoint()
	if mp == "" {
		return nil // unmounted peers cannot emit namespace signals
	}
	path := mp
	if p := msg.Path(); p != "" {
		path = mp + "/" + p
	}
	msg.SetPath(path)
	return b.signal(msg)
}

// signal fans msg out to every peer subscribed to its path/method/signal.
// A subscription alone is not enough: the subscriber's roles must also grant
// at least Browse for the signal's path and method, so a peer cannot widen
// its view of the namespace by subscribing to paths it may not see.
func (b *Broker) signal(msg rpc.Message) error {
	if b.met != nil {
		b.met.SignalsRouted.Inc()
	}
	path := msg.Path()
	method := msg.Method()
	name := msg.SignalName()

	b.mu.Lock()
	targets := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		targets = append(targets, p)
	}
	b.mu.Unlock()

	var firstErr error
	for _, p := range targets {
		if !p.subscribedTo(path, method, name) {
			continue
		}
		if lvl, ok := p.accessLevel(path, method); !ok || lvl < rpc.Browse {
			continue
		}
		if err := p.send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// signalMountPointChange emits an "lsmod" signal on the parent of a mount
// point that appeared or disappeared, so subscribers can keep a live view
// of the namespace without polling ls. Mirrors
// RpcBroker.signal_mount_point_change.
func (b *Broker) signalMountPointChange(mountPoint string, mounted bool) {
	parent := ""
	node := mountPoint
	if i := strings.LastIndexByte(mountPoint, '/'); i >= 0 {
		parent, node = mountPoint[:i], mountPoint[i+1:]
	}
	sig := rpc.NewSignal(parent, "ls", "lsmod",
		value.NewMap(map[string]value.Value{node: value.NewBool(mounted)}),
		rpc.Browse, "")
	_ = b.signal(sig)
}

// respondError sends an error response for req back to its sender.
func (b *Broker) respondError(p *Peer, req rpc.Message, code rpc.ErrorCode, msgText string) error {
	resp, err := req.MakeResponse(value.Null, rpc.NewError(code, msgText))
	if err != nil {
		return err
	}
	return p.send(resp)
}

// localCall handles a request whose path does not resolve to any mounted
// peer: the broker's own introspection and control surface under ".app" and
// ".broker", plus a minimal ls/dir fallback over the mount namespace. The
// pre-rename ".app/broker/*" path is still accepted and logged as
// deprecated, per the broker's compatibility policy for that alias.
func (b *Broker) localCall(from *Peer, msg rpc.Message) error {
	path := msg.Path()
	method := msg.Method()
	if strings.HasPrefix(path, ".app/broker") {
		b.log.Warn().Str("path", path).Msg("deprecated .app/broker path used, use .broker instead")
		path = strings.TrimPrefix(path, ".app")
		msg.SetPath(path)
	}

	switch {
	case path == ".app" && method == "ping":
		resp, err := msg.MakeResponse(value.Null, nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".app" && method == "name":
		name := b.cfg.Name
		if name == "" {
			name = "shvbroker"
		}
		resp, err := msg.MakeResponse(value.NewString(name), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".app" && method == "version":
		resp, err := msg.MakeResponse(value.NewString(appVersion), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".app" && method == "shvVersionMajor":
		resp, err := msg.MakeResponse(value.NewInt(shvVersionMajor), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".app" && method == "shvVersionMinor":
		resp, err := msg.MakeResponse(value.NewInt(shvVersionMinor), nil)
		if err != nil {
			return err
		}
		return from.send(resp)

	case path == ".broker/currentClient" && method == "ping":
		resp, err := msg.MakeResponse(value.Null, nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker/currentClient" && method == "info":
		resp, err := msg.MakeResponse(from.infoMap(), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker/currentClient" && method == "mountPoint":
		mount := value.Null
		if mp := from.MountPoint(); mp != "" {
			mount = value.NewString(mp)
		}
		resp, err := msg.MakeResponse(mount, nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker/currentClient" && method == "userId":
		resp, err := msg.MakeResponse(value.NewString(from.userName()), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker/currentClient" && method == "subscribe":
		ri, err := subscriptionRI(msg.Param())
		if err != nil {
			return b.respondError(from, msg, rpc.ErrInvalidParam, err.Error())
		}
		from.subscribe(ri)
		resp, err := msg.MakeResponse(value.NewBool(true), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker/currentClient" && method == "unsubscribe":
		ri, err := subscriptionRI(msg.Param())
		if err != nil {
			return b.respondError(from, msg, rpc.ErrInvalidParam, err.Error())
		}
		ok := from.unsubscribe(ri)
		resp, err := msg.MakeResponse(value.NewBool(ok), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker/currentClient" && method == "subscriptions":
		subs := from.subscriptions()
		list := make([]value.Value, len(subs))
		for i, s := range subs {
			list[i] = value.NewString(s.String())
		}
		resp, err := msg.MakeResponse(value.NewList(list), nil)
		if err != nil {
			return err
		}
		return from.send(resp)

	case strings.HasPrefix(path, ".broker/clientInfo/"):
		return b.clientInfoCall(from, msg, strings.TrimPrefix(path, ".broker/clientInfo/"))

	case path == ".broker" && method == "clients":
		if e := b.guard(from, msg, rpc.SuperService); e != nil {
			return b.respondError(from, msg, e.Code, e.Message)
		}
		b.mu.Lock()
		ids := make([]value.Value, 0, len(b.peers))
		for id := range b.peers {
			ids = append(ids, value.NewInt(id))
		}
		b.mu.Unlock()
		resp, err := msg.MakeResponse(value.NewList(ids), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker" && method == "mounts":
		if e := b.guard(from, msg, rpc.SuperService); e != nil {
			return b.respondError(from, msg, e.Code, e.Message)
		}
		b.mu.Lock()
		mounts := make([]value.Value, 0, len(b.peers))
		for _, p := range b.peers {
			if mp := p.MountPoint(); mp != "" {
				mounts = append(mounts, value.NewString(mp))
			}
		}
		b.mu.Unlock()
		resp, err := msg.MakeResponse(value.NewList(mounts), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case path == ".broker" && method == "disconnectClient":
		if e := b.guard(from, msg, rpc.SuperService); e != nil {
			return b.respondError(from, msg, e.Code, e.Message)
		}
		param := msg.Param()
		if param.Kind != value.KindInt && param.Kind != value.KindUInt {
			return b.respondError(from, msg, rpc.ErrInvalidParam, "client id must be an integer")
		}
		if p, ok := b.peerByID(param.AsInt()); ok {
			p.shutdown()
		}
		resp, err := msg.MakeResponse(value.NewBool(true), nil)
		if err != nil {
			return err
		}
		return from.send(resp)

	case method == "ls":
		return b.handleLs(from, msg, path)
	case method == "dir":
		return b.handleDir(from, msg, path)
	}

	return b.respondError(from, msg, rpc.ErrMethodNotFound, fmt.Sprintf("Unknown method %q on %q", method, path))
}

// guard enforces the access policy for a broker-intrinsic method: a caller
// without Browse on the path is told the method does not exist (so the
// namespace does not leak), while a caller with Browse but not the required
// level gets an explicit denial.
func (b *Broker) guard(from *Peer, msg rpc.Message, need rpc.Access) *rpc.Error {
	lvl, ok := from.accessLevel(msg.Path(), msg.Method())
	if !ok || lvl < rpc.Browse {
		return rpc.NewError(rpc.ErrMethodNotFound, "No access")
	}
	if lvl < need {
		return rpc.NewError(rpc.ErrMethodCallException, "access denied")
	}
	return nil
}

func (b *Broker) clientInfoCall(from *Peer, msg rpc.Message, rest string) error {
	if e := b.guard(from, msg, rpc.SuperService); e != nil {
		return b.respondError(from, msg, e.Code, e.Message)
	}
	idStr, _, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return b.respondError(from, msg, rpc.ErrInvalidParam, "bad client id")
	}
	target, ok := b.peerByID(id)
	if !ok {
		return b.respondError(from, msg, rpc.ErrInvalidParam, "no such client")
	}
	switch msg.Method() {
	case "userName", "mountPoint", "subscriptions", "idleTime", "idleTimeMax":
		info := target.infoMap()
		resp, err := msg.MakeResponse(info.Map[msg.Method()], nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	case "dropClient":
		target.shutdown()
		resp, err := msg.MakeResponse(value.NewBool(true), nil)
		if err != nil {
			return err
		}
		return from.send(resp)
	}
	return b.respondError(from, msg, rpc.ErrMethodNotFound, "Unknown clientInfo method")
}

// handleLs answers the "ls" method over the mount namespace, listing both
// the immediate mount-point segments below path and, for ".app"/".broker",
// the broker's own introspection nodes.
func (b *Broker) handleLs(from *Peer, msg rpc.Message, path string) error {
	var nodes []string
	switch path {
	case "":
		nodes = append(nodes, ".app", ".broker")
	case ".broker":
		nodes = append(nodes, "currentClient", "client", "clientInfo")
	}
	nodes = append(nodes, b.mountPointsUnder(path)...)
	list := make([]value.Value, len(nodes))
	for i, n := range nodes {
		list[i] = value.NewString(n)
	}
	resp, err := msg.MakeResponse(value.NewList(list), nil)
	if err != nil {
		return err
	}
	return from.send(resp)
}

// handleDir answers "dir" for the broker's own intrinsic nodes, listing the
// method names a peer can call at path. Every node supports "ls"/"dir"
// themselves, matching RpcMessage.dir's universal-method convention.
func (b *Broker) handleDir(from *Peer, msg rpc.Message, path string) error {
	methods := []string{"dir", "ls"}
	switch path {
	case ".app":
		methods = append(methods, "name", "version", "shvVersionMajor", "shvVersionMinor", "ping")
	case ".broker":
		methods = append(methods, "clients", "mounts", "disconnectClient")
	case ".broker/currentClient":
		methods = append(methods, "info", "ping", "mountPoint", "userId", "subscribe", "unsubscribe", "subscriptions")
	}
	list := make([]value.Value, len(methods))
	for i, m := range methods {
		list[i] = value.NewString(m)
	}
	resp, err := msg.MakeResponse(value.NewList(list), nil)
	if err != nil {
		return err
	}
	return from.send(resp)
}

