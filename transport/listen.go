// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shvgo/broker/frame"
)

// Listener accepts incoming transport connections for one listen URL.
type Listener interface {
	Accept(ctx context.Context) (*Conn, error)
	Close() error
	Addr() string
}

// Listen starts listening on rawURL per spec.md §6.1's scheme table.
func Listen(rawURL string) (Listener, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		return newNetListener("tcp", withDefaultPort(u.Host), frame.Block{})
	case "tcps":
		return nil, fmt.Errorf("transport: tcps listening requires a server certificate; wrap tcp listener with crypto/tls.NewListener")
	case "unix", "localsocket", "pipe":
		return newNetListener("unix", u.Path, frame.Block{})
	case "ws", "wss":
		return newWSListener(u.Host)
	default:
		return nil, fmt.Errorf("transport: unsupported listen scheme %q", u.Scheme)
	}
}

type netListener struct {
	l       net.Listener
	framing frame.Framing
}

func newNetListener(network, addr string, f frame.Framing) (*netListener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &netListener{l: l, framing: f}, nil
}

func (n *netListener) Accept(ctx context.Context) (*Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := n.l.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &Conn{RWC: r.c, Framing: n.framing}, nil
	}
}

func (n *netListener) Close() error { return n.l.Close() }
func (n *netListener) Addr() string { return n.l.Addr().String() }

// wsListener runs an http.Server upgrading every request to a WebSocket
// connection and hands completed connections to Accept via a channel,
// mirroring the one-handler-per-listener shape of a gorilla/websocket
// chat-style server.
type wsListener struct {
	l        net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    chan *Conn
	errs     chan error
}

func newWSListener(addr string) (*wsListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wl := &wsListener{
		l:     l,
		conns: make(chan *Conn, 8),
		errs:  make(chan error, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", wl.handle)
	wl.srv = &http.Server{Handler: mux}
	go func() {
		wl.errs <- wl.srv.Serve(l)
	}()
	return wl, nil
}

func (wl *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	c, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wl.conns <- &Conn{RWC: &wsConn{c: c}, Framing: frame.Block{}}
}

func (wl *wsListener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-wl.conns:
		return c, nil
	case err := <-wl.errs:
		return nil, err
	}
}

func (wl *wsListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wl.srv.Shutdown(ctx)
}

func (wl *wsListener) Addr() string { return wl.l.Addr().String() }
