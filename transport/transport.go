// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package transport dials and listens on the SHV RPC transport schemes
// (tcp, tcps, ws, wss, unix, localsocket, serial, serialport, tty, pipe),
// returning a plain io.ReadWriteCloser and the Framing each scheme implies.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shvgo/broker/frame"
)

// Options carries the connection parameters parsed from an SHV RPC URL's
// query string, matching spec.md §6.1's password/shapass/user/devid/
// devmount/baudrate/ca option set.
type Options struct {
	User        string
	Password    string
	ShaPassword string
	DeviceID    string
	DeviceMount string
	BaudRate    int
	CAFile      string
}

// ParseOptions extracts Options from an SHV RPC URL's query parameters.
func ParseOptions(u *url.URL) Options {
	q := u.Query()
	opts := Options{
		User:        q.Get("user"),
		Password:    q.Get("password"),
		ShaPassword: q.Get("shapass"),
		DeviceID:    q.Get("devid"),
		DeviceMount: q.Get("devmount"),
		CAFile:      q.Get("ca"),
	}
	if b := q.Get("baudrate"); b != "" {
		if n, err := strconv.Atoi(b); err == nil {
			opts.BaudRate = n
		}
	}
	return opts
}

// Conn is an established transport connection plus the Framing scheme
// negotiated for it.
type Conn struct {
	RWC     ReadWriteCloser
	Framing frame.Framing
}

// ReadWriteCloser is satisfied by net.Conn and the websocket/serial
// adapters in this package.
type ReadWriteCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dial connects to rawURL per spec.md §6.1's scheme table, returning the
// established connection and its framing.
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	opts := ParseOptions(u)
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		c, err := dialNet(ctx, "tcp", withDefaultPort(u.Host))
		if err != nil {
			return nil, err
		}
		return &Conn{RWC: c, Framing: frame.Block{}}, nil
	case "tcps":
		c, err := dialTLS(ctx, withDefaultPort(u.Host), opts)
		if err != nil {
			return nil, err
		}
		return &Conn{RWC: c, Framing: frame.Block{}}, nil
	case "unix", "localsocket":
		c, err := dialNet(ctx, "unix", u.Path)
		if err != nil {
			return nil, err
		}
		return &Conn{RWC: c, Framing: frame.Block{}}, nil
	case "ws":
		c, err := dialWS(ctx, "ws://"+u.Host+u.Path)
		if err != nil {
			return nil, err
		}
		return &Conn{RWC: c, Framing: frame.Block{}}, nil
	case "wss":
		c, err := dialWS(ctx, "wss://"+u.Host+u.Path)
		if err != nil {
			return nil, err
		}
		return &Conn{RWC: c, Framing: frame.Block{}}, nil
	case "serial", "serialport", "tty":
		c, err := openSerial(u.Path, opts.BaudRate)
		if err != nil {
			return nil, err
		}
		return &Conn{RWC: c, Framing: frame.SerialCRC{}}, nil
	case "pipe":
		f, err := os.OpenFile(u.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("transport: open pipe %s: %w", u.Path, err)
		}
		return &Conn{RWC: f, Framing: frame.Block{}}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}

// DefaultPort is the IANA-style default for SHV RPC over TCP.
const DefaultPort = "3755"

// withDefaultPort appends DefaultPort to a host that carries none.
func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), DefaultPort)
}

func dialNet(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func dialTLS(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	cfg, err := tlsConfig(opts)
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}

func tlsConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CAFile != "" {
		pool, err := loadCAFile(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// wsConn adapts a *websocket.Conn to the plain byte-stream ReadWriteCloser
// the framing layer expects, buffering partially-consumed binary frames —
// SHV messages never span more than one WebSocket frame on write, but a
// peer may still read less than a full frame at a time.
type wsConn struct {
	c   *websocket.Conn
	buf []byte
}

func dialWS(ctx context.Context, rawURL string) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		_, data, err := w.c.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.c.Close() }
