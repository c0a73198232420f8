// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the rigcom.PacketConn
// interface.
//
// A [Network] is an in-memory datagram network. Its connections behave like
// UDP sockets: delivery is unordered across senders, datagrams to an address
// nobody is listening on vanish, a full receive queue drops new arrivals, and
// a read into a short buffer truncates the datagram.
package channel

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/creachadair/rigcom"
)

// QueueSize is the number of datagrams a [Conn] buffers before dropping.
const QueueSize = 64

// An Addr is the address of an in-memory connection.
type Addr struct {
	Host string
	Port int
}

// Network implements part of the [net.Addr] interface.
func (Addr) Network() string { return "mem" }

// String renders a as "host:port".
func (a Addr) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// A Filter decides whether a datagram is delivered. It returns false to drop
// the datagram.
type Filter func(from, to net.Addr, data []byte) bool

// A Network is a collection of in-memory datagram connections. A zero Network
// is ready for use. It is safe for concurrent use by multiple goroutines.
type Network struct {
	μ        sync.Mutex
	conns    map[string]*Conn
	lastPort int
	filter   Filter
}

// SetFilter sets the delivery filter for n. A nil filter delivers every
// datagram.
func (n *Network) SetFilter(f Filter) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.filter = f
}

// Listen opens a connection at the given "host:port" address. If the port is
// 0, an unused port is assigned. It reports an error if the address is in
// use.
func (n *Network) Listen(hostport string) (*Conn, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	pnum, err := strconv.Atoi(port)
	if err != nil || pnum < 0 || pnum > 65535 {
		return nil, fmt.Errorf("invalid port %q", port)
	}

	n.μ.Lock()
	defer n.μ.Unlock()
	if n.conns == nil {
		n.conns = make(map[string]*Conn)
		n.lastPort = 49151
	}
	addr := Addr{Host: host, Port: pnum}
	if pnum == 0 {
		for {
			n.lastPort++
			addr.Port = n.lastPort
			if _, ok := n.conns[addr.String()]; !ok {
				break
			}
		}
	} else if _, ok := n.conns[addr.String()]; ok {
		return nil, fmt.Errorf("listen %v: address in use", addr)
	}
	c := &Conn{
		net:    n,
		addr:   addr,
		inbox:  make(chan datagram, QueueSize),
		closed: make(chan struct{}),
	}
	n.conns[addr.String()] = c
	return c, nil
}

// MustListen is as Listen, but panics on error.
func (n *Network) MustListen(hostport string) *Conn {
	c, err := n.Listen(hostport)
	if err != nil {
		panic(err)
	}
	return c
}

// route returns the connection at addr, if it exists and f permits delivery.
func (n *Network) route(from, to net.Addr, data []byte) *Conn {
	n.μ.Lock()
	defer n.μ.Unlock()
	c, ok := n.conns[to.String()]
	if !ok || (n.filter != nil && !n.filter(from, to, data)) {
		return nil
	}
	return c
}

func (n *Network) remove(c *Conn) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.conns[c.addr.String()] == c {
		delete(n.conns, c.addr.String())
	}
}

type datagram struct {
	data []byte
	from Addr
}

// A Conn is an in-memory datagram connection on a [Network].
type Conn struct {
	net    *Network
	addr   Addr
	inbox  chan datagram
	closed chan struct{}
	once   sync.Once
}

var _ rigcom.PacketConn = (*Conn)(nil)

// ReadFrom implements a method of the [rigcom.PacketConn] interface. If p is
// too short, the excess of the datagram is discarded.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	}
}

// WriteTo implements a method of the [rigcom.PacketConn] interface.
// A datagram that cannot be delivered is silently discarded.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	dst := c.net.route(c.addr, addr, p)
	if dst == nil {
		return len(p), nil
	}
	select {
	case dst.inbox <- datagram{data: bytes.Clone(p), from: c.addr}:
	default:
		// Receive queue is full.
	}
	return len(p), nil
}

// LocalAddr implements a method of the [rigcom.PacketConn] interface.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// Close implements a method of the [rigcom.PacketConn] interface.
func (c *Conn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		close(c.closed)
		c.net.remove(c)
		err = nil
	})
	return err
}
