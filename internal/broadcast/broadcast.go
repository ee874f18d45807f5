package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"

	"mcast-chat/internal/logger"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"
)

// HandlerFunc is called for every datagram. data is only valid until it returns.
type HandlerFunc func(data []byte, remoteAddr *net.UDPAddr)

const IPv4Broadcast = "255.255.255.255"

// Send writes pkt to host:port from a short-lived socket with SO_BROADCAST set.
func Send(ctx context.Context, host netutil.IPv4, port uint16, pkt []byte) error {
	conn, err := netutil.DialUDP4(ctx, netutil.FormatAddress(host, port), netutil.Broadcast)
	if err != nil {
		return fmt.Errorf("failed to create broadcast connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(pkt); err != nil {
		return err
	}

	return nil
}

// Listener receives datagrams on a port shared with other local listeners.
type Listener struct {
	conn *net.UDPConn
	log  *logger.Logger
}

func Open(ctx context.Context, port uint16, log *logger.Logger) (*Listener, error) {
	conn, err := netutil.ListenUDP4(ctx, fmt.Sprintf(":%d", port), netutil.ReuseAddr, netutil.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("failed to set up conn on broadcast port: %w", err)
	}
	return &Listener{conn: conn, log: log}, nil
}

func (l *Listener) Port() uint16 {
	return uint16(l.conn.LocalAddr().(*net.UDPAddr).Port)
}

// WriteTo replies from the listening socket.
func (l *Listener) WriteTo(b []byte, addr *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(b, addr)
	return err
}

func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve blocks until ctx is cancelled or the listener is closed. Read errors
// are logged and the loop keeps going.
func (l *Listener) Serve(ctx context.Context, handler HandlerFunc) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, remoteAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Error("failed to read UDP broadcast message: %v", err)
			continue
		}

		handler(buf[:n], remoteAddr)
	}
}

// Listen opens port and serves handler until ctx is cancelled.
func Listen(ctx context.Context, port uint16, log *logger.Logger, handler HandlerFunc) error {
	l, err := Open(ctx, port, log)
	if err != nil {
		return err
	}
	defer l.Close()

	return l.Serve(ctx, handler)
}
