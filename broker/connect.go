// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/shvgo/broker/frame"
	"github.com/shvgo/broker/rpc"
	"github.com/shvgo/broker/transport"
	"github.com/shvgo/broker/value"
)

// Backoff parameters for outbound "connect" peers: base 500ms, capped at
// 60s, with ±20% jitter to avoid reconnect storms against a restarting
// downstream broker.
const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 60 * time.Second
	backoffJitter = 0.2
)

func nextBackoff(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(float64(d) * jitter)
}

// connectLoop maintains an outbound connection described by c, reconnecting
// with exponential backoff whenever it drops, until ctx is canceled. The
// broker plays the client side of the hello/login handshake, with the
// credentials drawn from the URL's query options, before treating the link
// as an ordinary peer.
func (b *Broker) connectLoop(ctx context.Context, c Connect) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("broker: connect %s: %w", c.URL, err)
	}
	opts := transport.ParseOptions(u)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := transport.Dial(ctx, c.URL)
		if err != nil {
			b.log.Warn().Str("url", c.URL).Err(err).Msg("connect failed")
			if !sleepCtx(ctx, nextBackoff(attempt)) {
				return nil
			}
			attempt++
			continue
		}
		r := bufio.NewReader(conn.RWC)
		if opts.User != "" {
			if err := clientLogin(conn.RWC, r, conn.Framing, opts); err != nil {
				b.log.Warn().Str("url", c.URL).Err(err).Msg("login failed")
				conn.RWC.Close()
				if !sleepCtx(ctx, nextBackoff(attempt)) {
					return nil
				}
				attempt++
				continue
			}
		}
		attempt = 0
		b.log.Info().Str("url", c.URL).Msg("connected")
		p := b.addOutboundPeer(conn.RWC, r, conn.Framing, c)
		p.run() // blocks until the connection drops
		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, nextBackoff(attempt)) {
			return nil
		}
	}
}

// clientLogin performs the client side of the hello/login handshake on a
// freshly dialed link. Passwords are always submitted in SHA1
// challenge-response form, never in the clear, whether the URL carried a
// plain password or a 40-hex shapass digest.
func clientLogin(conn transport.ReadWriteCloser, r *bufio.Reader, f frame.Framing, opts transport.Options) error {
	call := func(path, method string, param value.Value) (rpc.Message, error) {
		req := rpc.NewRequest(path, method, param, rpc.NextRequestID(), nil, "")
		data, err := req.ToChainPack()
		if err != nil {
			return rpc.Message{}, err
		}
		if err := f.WriteFrame(conn, data); err != nil {
			return rpc.Message{}, err
		}
		raw, err := f.ReadFrame(r)
		if err != nil {
			return rpc.Message{}, err
		}
		resp, err := rpc.FromChainPack(raw)
		if err != nil {
			return rpc.Message{}, err
		}
		if e := resp.Error(); e != nil {
			return rpc.Message{}, e
		}
		return resp, nil
	}

	hello, err := call("", "hello", value.Null)
	if err != nil {
		return fmt.Errorf("broker: hello: %w", err)
	}
	nonce := ""
	if res := hello.Result(); res.Kind == value.KindMap {
		nonce = res.Map["nonce"].Str
	}

	digest := opts.ShaPassword
	if digest == "" {
		digest = sha1hex(opts.Password)
	}
	loginMap := map[string]value.Value{
		"user":     value.NewString(opts.User),
		"password": value.NewString(sha1hex(nonce + digest)),
		"type":     value.NewString(string(LoginSHA1)),
	}
	options := map[string]value.Value{}
	device := map[string]value.Value{}
	if opts.DeviceID != "" {
		device["deviceId"] = value.NewString(opts.DeviceID)
	}
	if opts.DeviceMount != "" {
		device["mountPoint"] = value.NewString(opts.DeviceMount)
	}
	if len(device) > 0 {
		options["device"] = value.NewMap(device)
	}
	param := map[string]value.Value{"login": value.NewMap(loginMap)}
	if len(options) > 0 {
		param["options"] = value.NewMap(options)
	}
	if _, err := call("", "login", value.NewMap(param)); err != nil {
		return fmt.Errorf("broker: login: %w", err)
	}
	return nil
}

// sleepCtx sleeps for d or until ctx is canceled, reporting whether it slept
// the full duration.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
