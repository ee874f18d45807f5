// Package client ties the room directory, the notification listener and the
// membership controller together for one chat client process.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"mcast-chat/internal/broadcast"
	"mcast-chat/internal/config"
	"mcast-chat/internal/directory"
	"mcast-chat/internal/logger"
	"mcast-chat/internal/multicast"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrDiscoveryTimeout = errors.New("no discovery reply from server")

type EventHandler func(protocol.Event)

type Options struct {
	// Transport defaults to real multicast sockets.
	Transport multicast.Transport
	Hostname  string
	// OnEvent is called for every applied notification, after a cascade leave.
	OnEvent   EventHandler
	OnMessage multicast.MessageHandler
}

type Client struct {
	id         uuid.UUID
	cfg        *config.Config
	log        *logger.Logger
	directory  *directory.Directory
	membership *multicast.Controller
	onEvent    EventHandler

	mu         sync.Mutex
	listener   *broadcast.Listener
	refreshing atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg *config.Config, log *logger.Logger, opts Options) (*Client, error) {
	iface, err := netutil.FindInterfaceByName(cfg.Interface)
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport = &multicast.UDPTransport{Interface: iface, TTL: multicast.DefaultTTL}
	}

	c := &Client{
		id:        uuid.New(),
		cfg:       cfg,
		log:       log,
		directory: directory.New(log.With("directory")),
		onEvent:   opts.OnEvent,
	}

	c.membership = multicast.NewController(multicast.Config{
		Port:         cfg.MessagePort,
		Hostname:     opts.Hostname,
		PollInterval: cfg.PollInterval,
		Transport:    transport,
		Handler:      opts.OnMessage,
	}, c.directory, log.With("membership"))

	return c, nil
}

func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) Directory() *directory.Directory { return c.directory }

// Discover asks the server for its room list and replaces the directory with
// the first valid reply. The directory is untouched on failure.
func (c *Client) Discover(ctx context.Context) (protocol.Snapshot, error) {
	conn, err := netutil.ListenUDP4(ctx, ":0", netutil.Broadcast)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	dst := c.cfg.BroadcastAddr().UDPAddr(c.cfg.DiscoveryPort)
	if _, err := conn.WriteToUDP([]byte(protocol.DiscoverToken), dst); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("failed to send discovery request to %s: %w", dst, err)
	}

	deadline := time.Now().Add(c.cfg.DiscoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return protocol.Snapshot{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Snapshot{}, ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return protocol.Snapshot{}, ErrDiscoveryTimeout
			}
			return protocol.Snapshot{}, fmt.Errorf("failed to read discovery reply: %w", err)
		}

		snap, err := protocol.DecodeSnapshot(buf[:n])
		if err != nil {
			c.log.Warn("ignoring invalid discovery reply from %s: %v", from, err)
			continue
		}

		before := c.directory.Digest()
		if !c.directory.Replace(snap) {
			return snap, nil
		}
		server, seq := c.directory.Version()
		if c.directory.Digest() != before {
			c.log.Info("room list from %s updated: %d rooms (server %s, seq %d)", from, len(snap.Rooms), server, seq)
		} else {
			c.log.Debug("room list from %s unchanged (server %s, seq %d)", from, server, seq)
		}
		if snap.MessagePort != 0 && snap.MessagePort != c.cfg.MessagePort {
			c.log.Warn("server uses message port %d, configured %d", snap.MessagePort, c.cfg.MessagePort)
		}
		if room, joined := c.membership.Current(); joined {
			c.leaveIfGone(room)
		}
		return snap, nil
	}
}

// Listen binds the notification port. Run calls it when it has not been called.
func (c *Client) Listen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener != nil {
		return nil
	}
	l, err := broadcast.Open(ctx, c.cfg.NotificationPort, c.log)
	if err != nil {
		return err
	}
	c.listener = l
	return nil
}

// Run listens for notifications, and refreshes the directory periodically
// when RefreshInterval is set, until ctx is cancelled. The membership is
// left on return.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Listen(ctx); err != nil {
		return err
	}
	defer c.listener.Close()
	defer func() {
		if err := c.Leave(); err != nil {
			c.log.Error("failed to leave room on shutdown: %v", err)
		}
	}()

	c.log.Info("client %s listening for notifications on port %d", c.id, c.listener.Port())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.listener.Serve(ctx, func(data []byte, remoteAddr *net.UDPAddr) {
			c.handleNotification(ctx, data, remoteAddr)
		})
	})

	if c.cfg.RefreshInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.cfg.RefreshInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					c.refresh(ctx)
				}
			}
		})
	}

	err := g.Wait()
	c.wg.Wait()
	return err
}

func (c *Client) handleNotification(ctx context.Context, data []byte, remoteAddr *net.UDPAddr) {
	e, err := protocol.DecodeEvent(data)
	if err != nil {
		c.log.Warn("dropping invalid notification from %s: %v", remoteAddr, err)
		return
	}

	result := c.directory.Apply(e)

	// also for stale deletes: a snapshot may have removed the room first
	if e.Action == protocol.ActionDelete {
		c.leaveIfGone(e.RoomName)
	}

	if result == directory.ApplyStale {
		return
	}
	c.log.Debug("notification %s from %s: %s", e, remoteAddr, result)

	if result == directory.ApplyEpochChanged {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.refresh(ctx)
		}()
	}

	if c.onEvent != nil {
		c.onEvent(e)
	}
}

// leaveIfGone drops the membership of room when the directory no longer has
// it. A room recreated after a stale delete is kept.
func (c *Client) leaveIfGone(room string) {
	if _, ok := c.directory.Lookup(room); ok {
		return
	}
	left, err := c.membership.LeaveRoom(room)
	if err != nil {
		c.log.Error("failed to leave deleted room %q: %v", room, err)
	} else if left {
		c.log.Info("room %q was deleted, left it", room)
	}
}

// refresh runs Discover unless one is already in flight.
func (c *Client) refresh(ctx context.Context) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer c.refreshing.Store(false)

	if _, err := c.Discover(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("room list refresh failed: %v", err)
	}
}

func (c *Client) Join(room string) error { return c.membership.Join(room) }

func (c *Client) Leave() error { return c.membership.Leave() }

func (c *Client) Send(msg string) error { return c.membership.Send(msg) }

func (c *Client) Current() (string, bool) { return c.membership.Current() }

func (c *Client) Rooms() map[string]netutil.IPv4 { return c.directory.Rooms() }
