// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/net/netutil"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

var (
	sendOps    = server.NewOpMetric("transport", "send", "kind")
	receiveOps = server.NewOpMetric("transport", "receive", "kind")
)

// TCPConfig configures a TCP transport.
type TCPConfig struct {
	// Addr is the address to listen on, host:port.
	Addr string

	// MaxInboundConns bounds accepted connections.
	MaxInboundConns int

	// MaxCachedConns bounds outbound connections kept open. Zero keeps all.
	MaxCachedConns int

	// IncomingQueue is the capacity of the inbound request channel.
	IncomingQueue int

	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultTCPConfig holds reasonable defaults.
var DefaultTCPConfig = TCPConfig{
	Addr:            "localhost:0",
	MaxInboundConns: 256,
	MaxCachedConns:  128,
	IncomingQueue:   64,
	DialTimeout:     5 * time.Second,
	RequestTimeout:  30 * time.Second,
}

// Validate checks the config.
func (c TCPConfig) Validate() error {
	if c.MaxInboundConns <= 0 || c.IncomingQueue <= 0 || c.MaxCachedConns < 0 {
		return fmt.Errorf("connection and queue limits must be positive")
	}
	if c.DialTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

const tcpScheme = "tcp://"

// TCPURL returns the URL of a TCP address.
func TCPURL(addr string) string {
	return tcpScheme + addr
}

func tcpAddr(url string) (string, error) {
	if !strings.HasPrefix(url, tcpScheme) {
		return "", core.ErrInvalidArgument.Errorf("not a tcp url: %q", url)
	}
	return strings.TrimPrefix(url, tcpScheme), nil
}

// TCP is a Transport over TCP streams. Each stream carries one request at
// a time; concurrency comes from the connection cache dialing more.
type TCP struct {
	cfg   TCPConfig
	url   string
	lis   net.Listener
	conns *connCache
	in    chan *Request

	// Cancelled on Close to release requests still being handled.
	ctx    context.Context
	cancel context.CancelFunc

	lock   sync.Mutex
	closed bool
	open   map[net.Conn]bool
	wg     sync.WaitGroup
}

// NewTCP starts listening.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	t := &TCP{
		cfg:  cfg,
		url:  TCPURL(lis.Addr().String()),
		lis:  netutil.LimitListener(lis, cfg.MaxInboundConns),
		in:   make(chan *Request, cfg.IncomingQueue),
		open: make(map[net.Conn]bool),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.conns = newConnCache(t.url, cfg.DialTimeout, cfg.MaxCachedConns)
	log.Infof("transport: listening at %s", t.url)
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// URL implements Transport.
func (t *TCP) URL() string {
	return t.url
}

// Incoming implements Transport.
func (t *TCP) Incoming() <-chan *Request {
	return t.in
}

// Send implements Transport.
func (t *TCP) Send(ctx context.Context, url string, kind wire.Kind, payload []byte) (rk wire.Kind, reply []byte, err error) {
	op := sendOps.Start(kind.String())
	defer func() { op.EndWithError(err) }()

	addr, err := tcpAddr(url)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	c := t.conns.get(ctx, addr)
	if c == nil {
		return 0, nil, core.ErrPeerUnreachable.Errorf("%s", url)
	}
	f, err := c.roundTrip(ctx, frame{kind, payload})
	t.conns.done(addr, c, err)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, core.ErrTimeout.Errorf("%s to %s", kind, url)
		}
		return 0, nil, core.ErrPeerUnreachable.Errorf("%s: %s", url, err)
	}
	return replyOf(f)
}

// Close stops listening and drops all connections.
func (t *TCP) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()
	for c := range t.open {
		c.Close()
	}
	t.lock.Unlock()

	err := t.lis.Close()
	t.conns.closeAll()
	t.wg.Wait()
	return err
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.lis.Accept()
		if err != nil {
			t.lock.Lock()
			closed := t.closed
			t.lock.Unlock()
			if !closed {
				log.Errorf("transport: accept: %s", err)
			}
			return
		}
		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()
			c.Close()
			return
		}
		t.open[c] = true
		t.lock.Unlock()

		t.wg.Add(1)
		go t.serve(c)
	}
}

func (t *TCP) serve(c net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.lock.Lock()
		delete(t.open, c)
		t.lock.Unlock()
		c.Close()
	}()

	r := bufio.NewReader(c)
	kind, payload, err := wire.ReadFrame(r)
	if err != nil || kind != wire.KindHello {
		log.Warningf("transport: %s did not say hello: %v", c.RemoteAddr(), err)
		return
	}
	var hello wire.Hello
	if err := wire.Decode(payload, &hello); err != nil {
		log.Warningf("transport: bad hello from %s: %s", c.RemoteAddr(), err)
		return
	}

	for {
		kind, payload, err := wire.ReadFrame(r)
		if err != nil {
			log.V(3).Infof("transport: stream from %s ended: %s", hello.URL, err)
			return
		}
		op := receiveOps.Start(kind.String())
		req, reply := newRequest(hello.URL, kind, payload)
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
		if err := enqueue(ctx, t.in, req); err != nil {
			op.TooBusy()
			req.RespondError(err)
		}
		var f frame
		select {
		case f = <-reply:
		case <-ctx.Done():
			f = frame{wire.KindError, wire.ErrorPayload(core.ErrDeadlineExceeded.Errorf("%s not handled in time", kind))}
		}
		cancel()
		err = wire.WriteFrame(c, f.kind, f.payload)
		op.EndWithError(err)
		if err != nil {
			log.Errorf("transport: replying to %s: %s", hello.URL, err)
			return
		}
	}
}

// stream is one outbound connection.
type stream struct {
	lock sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func dialStream(ctx context.Context, addr, self string) (*stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	hello, err := wire.Encode(&wire.Hello{URL: self})
	if err == nil {
		err = wire.WriteFrame(conn, wire.KindHello, hello)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &stream{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (s *stream) roundTrip(ctx context.Context, f frame) (frame, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
		defer s.conn.SetDeadline(time.Time{})
	}
	if err := wire.WriteFrame(s.conn, f.kind, f.payload); err != nil {
		return frame{}, err
	}
	kind, payload, err := wire.ReadFrame(s.r)
	return frame{kind, payload}, err
}

func (s *stream) Close() error {
	return s.conn.Close()
}
