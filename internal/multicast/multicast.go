package multicast

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"mcast-chat/internal/logger"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"

	"go.uber.org/multierr"
)

var (
	ErrUnknownRoom   = errors.New("unknown room")
	ErrAlreadyJoined = errors.New("already in a room")
	ErrNotJoined     = errors.New("not in a room")
)

const DefaultPollInterval = 250 * time.Millisecond

// Message is a datagram received from the joined room.
type Message struct {
	Room    string
	Source  *net.UDPAddr
	Payload []byte
}

func (m Message) String() string {
	from := "unknown"
	if m.Source != nil {
		from = m.Source.IP.String()
	}
	return fmt.Sprintf("[%s] from %s: %s", m.Room, from, m.Payload)
}

type MessageHandler func(Message)

// RoomLookup resolves a room name to its group address.
type RoomLookup interface {
	Lookup(name string) (netutil.IPv4, bool)
}

type Config struct {
	Port         uint16
	Hostname     string
	PollInterval time.Duration
	Transport    Transport
	// Handler runs on the receive goroutine and must not call Leave.
	Handler MessageHandler
}

// Controller owns the client's single room membership. It is either idle or
// joined to exactly one room.
type Controller struct {
	mu    sync.Mutex
	cfg   Config
	rooms RoomLookup
	log   *logger.Logger

	room     string
	group    netutil.IPv4
	conn     GroupConn
	stopChan chan struct{}
	done     chan struct{}
}

func NewController(cfg Config, rooms RoomLookup, log *logger.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Transport == nil {
		cfg.Transport = &UDPTransport{TTL: DefaultTTL}
	}
	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Warn("failed to get hostname: %v", err)
			host = "unknown"
		}
		cfg.Hostname = host
	}

	return &Controller{
		cfg:   cfg,
		rooms: rooms,
		log:   log,
	}
}

func (c *Controller) Join(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("%w %q, leave it first", ErrAlreadyJoined, c.room)
	}

	group, ok := c.rooms.Lookup(room)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRoom, room)
	}

	conn, err := c.cfg.Transport.OpenGroup(group, c.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to join room %q: %w", room, err)
	}

	c.room = room
	c.group = group
	c.conn = conn
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})

	go c.receiveLoop(room, conn, c.stopChan, c.done)

	c.log.Info("joined room %q (%s)", room, netutil.FormatAddress(group, c.cfg.Port))
	return nil
}

// Leave is a no-op when idle.
func (c *Controller) Leave() error {
	c.mu.Lock()
	return c.leaveLocked()
}

// LeaveRoom leaves only if room is the current room. It reports whether a
// membership was dropped.
func (c *Controller) LeaveRoom(room string) (bool, error) {
	c.mu.Lock()
	if c.conn == nil || c.room != room {
		c.mu.Unlock()
		return false, nil
	}
	return true, c.leaveLocked()
}

// leaveLocked releases c.mu before waiting for the receive loop.
func (c *Controller) leaveLocked() error {
	if c.conn == nil {
		c.mu.Unlock()
		return nil
	}

	room, group, conn, stop, done := c.room, c.group, c.conn, c.stopChan, c.done
	c.room, c.group, c.conn, c.stopChan, c.done = "", netutil.IPv4{}, nil, nil, nil
	c.mu.Unlock()

	close(stop)
	err := multierr.Combine(conn.Leave(), conn.Close())
	<-done

	if err != nil {
		c.log.Error("error leaving room %q (%s): %v", room, group, err)
		return fmt.Errorf("failed to leave room %q: %w", room, err)
	}
	c.log.Info("left room %q (%s)", room, group)
	return nil
}

func (c *Controller) Send(msg string) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	room, group := c.room, c.group
	c.mu.Unlock()

	payload := protocol.FormatRoomMessage(c.cfg.Hostname, msg)
	if err := c.cfg.Transport.Send(group, c.cfg.Port, payload); err != nil {
		return fmt.Errorf("failed to send to room %q: %w", room, err)
	}

	c.log.Debug("sent %d bytes to room %q", len(payload), room)
	return nil
}

// Current returns the joined room, if any.
func (c *Controller) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.conn != nil
}

func (c *Controller) receiveLoop(room string, conn GroupConn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PollInterval)); err != nil {
			c.log.Debug("failed to set read deadline in room %q: %v", room, err)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			c.log.Error("failed to read from room %q: %v", room, err)
			continue
		}

		src, _ := addr.(*net.UDPAddr)
		msg := Message{
			Room:    room,
			Source:  src,
			Payload: append([]byte(nil), buf[:n]...),
		}

		if c.cfg.Handler == nil {
			c.log.Info("[%s] from %v: %s", room, src, msg.Payload)
			continue
		}
		c.cfg.Handler(msg)
	}
}
