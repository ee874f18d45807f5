// Package multicasttest provides an in-memory multicast.Transport for tests.
package multicasttest

import (
	"net"
	"os"
	"sync"
	"time"

	"mcast-chat/internal/multicast"
	"mcast-chat/internal/netutil"
)

type Datagram struct {
	Group   netutil.IPv4
	Port    uint16
	Payload []byte
}

// Transport delivers sent datagrams to every open conn of the same group.
type Transport struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	sent    []Datagram
	OpenErr error
	Source  *net.UDPAddr
}

func NewTransport() *Transport {
	return &Transport{
		conns:  make(map[*Conn]struct{}),
		Source: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000},
	}
}

func (t *Transport) OpenGroup(group netutil.IPv4, port uint16) (multicast.GroupConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.OpenErr != nil {
		return nil, t.OpenErr
	}

	c := &Conn{
		t:        t,
		Group:    group,
		Port:     port,
		incoming: make(chan Datagram, 16),
		closed:   make(chan struct{}),
	}
	t.conns[c] = struct{}{}
	return c, nil
}

func (t *Transport) Send(group netutil.IPv4, port uint16, payload []byte) error {
	d := Datagram{Group: group, Port: port, Payload: append([]byte(nil), payload...)}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sent = append(t.sent, d)
	for c := range t.conns {
		if c.Group == group && c.Port == port && !c.hasLeft() {
			select {
			case c.incoming <- d:
			default:
			}
		}
	}
	return nil
}

func (t *Transport) Sent() []Datagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Datagram(nil), t.sent...)
}

// Members counts open conns that still hold their group membership.
func (t *Transport) Members(group netutil.IPv4) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for c := range t.conns {
		if c.Group == group && !c.hasLeft() {
			n++
		}
	}
	return n
}

type Conn struct {
	t        *Transport
	Group    netutil.IPv4
	Port     uint16
	incoming chan Datagram
	closed   chan struct{}

	mu       sync.Mutex
	left     bool
	isClosed bool
	deadline time.Time
}

func (c *Conn) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left || c.isClosed
}

func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.incoming:
		return copy(b, d.Payload), c.t.Source, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *Conn) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return net.ErrClosed
	}
	c.isClosed = true
	close(c.closed)
	return nil
}
