package multicast

import (
	"context"
	"fmt"
	"net"
	"time"

	"mcast-chat/internal/netutil"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

// DefaultTTL keeps room traffic on the local segment plus one router.
const DefaultTTL = 2

// GroupConn is a socket that is a member of one multicast group.
type GroupConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	// Leave drops the group membership. The socket stays open.
	Leave() error
	Close() error
}

// Transport opens group sockets and sends datagrams to groups.
type Transport interface {
	OpenGroup(group netutil.IPv4, port uint16) (GroupConn, error)
	Send(group netutil.IPv4, port uint16, payload []byte) error
}

// UDPTransport is the real IPv4 multicast transport. A nil Interface lets
// the kernel pick the multicast interface.
type UDPTransport struct {
	Interface *net.Interface
	TTL       int
}

func (t *UDPTransport) OpenGroup(group netutil.IPv4, port uint16) (GroupConn, error) {
	conn, err := netutil.ListenUDP4(context.Background(), fmt.Sprintf(":%d", port),
		netutil.ReuseAddr, netutil.MulticastOnlyJoined)
	if err != nil {
		return nil, fmt.Errorf("failed to bind message port %d: %w", port, err)
	}

	p := ipv4.NewPacketConn(conn)
	gaddr := &net.UDPAddr{IP: group.UDPAddr(0).IP}
	if err := p.JoinGroup(t.Interface, gaddr); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to join group %s: %w", group, err)
	}

	return &udpGroupConn{UDPConn: conn, p: p, iface: t.Interface, group: gaddr}, nil
}

// Send writes payload from a short-lived socket that is closed before
// returning.
func (t *UDPTransport) Send(group netutil.IPv4, port uint16, payload []byte) (err error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("failed to open send socket: %w", err)
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()

	ttl := t.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("failed to enable multicast loopback: %w", err)
	}
	if t.Interface != nil {
		if err := p.SetMulticastInterface(t.Interface); err != nil {
			return fmt.Errorf("failed to set multicast interface: %w", err)
		}
	}

	if _, err := p.WriteTo(payload, nil, group.UDPAddr(port)); err != nil {
		return fmt.Errorf("failed to send to %s: %w", netutil.FormatAddress(group, port), err)
	}
	return nil
}

type udpGroupConn struct {
	*net.UDPConn
	p     *ipv4.PacketConn
	iface *net.Interface
	group *net.UDPAddr
}

func (c *udpGroupConn) Leave() error {
	return c.p.LeaveGroup(c.iface, c.group)
}
