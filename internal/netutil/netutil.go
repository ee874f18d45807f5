package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

type IPv4 [4]byte

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// IsAdminScopedMulticast reports whether ip is in 239.0.0.0/8.
func (ip IPv4) IsAdminScopedMulticast() bool {
	return ip[0] == 239
}

func (ip IPv4) UDPAddr(port uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(ip[0], ip[1], ip[2], ip[3]), Port: int(port)}
}

func (ip IPv4) MarshalText() ([]byte, error) {
	return []byte(ip.String()), nil
}

func (ip *IPv4) UnmarshalText(b []byte) error {
	parsed, err := ParseIPv4(string(b))
	if err != nil {
		return err
	}
	*ip = parsed
	return nil
}

func ParseIPv4(s string) (IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IPv4{}, fmt.Errorf("invalid IP address: %q", s)
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return IPv4{}, fmt.Errorf("not a valid IPv4 address: %q", s)
	}

	return IPv4(ip4), nil
}

// FindInterfaceByName returns nil for an empty name so callers fall back to
// the system default multicast interface.
func FindInterfaceByName(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %q: %w", name, err)
	}

	if iface.Flags&net.FlagMulticast == 0 {
		return nil, fmt.Errorf("interface %q is not multicast capable", name)
	}

	return iface, nil
}

func ValidatePort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("port cannot be 0")
	}
	return nil
}

func FormatAddress(host IPv4, port uint16) string {
	return fmt.Sprintf("%s:%d", host.String(), port)
}

// SocketOption is applied to the raw fd before bind.
type SocketOption func(fd int) error

func ReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	return nil
}

func Broadcast(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return fmt.Errorf("SO_BROADCAST: %w", err)
	}
	return nil
}


func control(opts []SocketOption) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			for _, opt := range opts {
				if opErr = opt(int(fd)); opErr != nil {
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// ListenUDP4 opens a udp4 socket on addr with opts applied before bind.
func ListenUDP4(ctx context.Context, addr string, opts ...SocketOption) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: control(opts)}

	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	return udpConn, nil
}

// DialUDP4 connects a udp4 socket to addr with opts applied before connect.
func DialUDP4(ctx context.Context, addr string, opts ...SocketOption) (*net.UDPConn, error) {
	d := net.Dialer{Control: control(opts)}

	c, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}

	udpConn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected conn type %T", c)
	}

	return udpConn, nil
}
