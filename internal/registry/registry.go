package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"mcast-chat/internal/logger"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	ErrDuplicateName = errors.New("room already exists")
	ErrNotFound      = errors.New("room not found")
	ErrExhaustedPool = errors.New("no multicast addresses left")
	ErrInvalidName   = errors.New("invalid room name")
)

type Room struct {
	Name string
	Addr netutil.IPv4
}

// EventSink receives every registry change, in Seq order.
type EventSink interface {
	Publish(protocol.Event)
}

type EventSinkFunc func(protocol.Event)

func (f EventSinkFunc) Publish(e protocol.Event) { f(e) }

type Config struct {
	ServerID    uuid.UUID
	MessagePort uint16
	Quarantine  time.Duration
	Clock       clock.Clock
}

// Registry is the authoritative room name to multicast address mapping.
type Registry struct {
	mu        sync.RWMutex
	serverID  uuid.UUID
	msgPort   uint16
	rooms     map[string]netutil.IPv4
	seq       uint64
	allocator *Allocator
	clock     clock.Clock
	sink      EventSink
	log       *logger.Logger
}

func New(cfg Config, sink EventSink, log *logger.Logger) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ServerID == uuid.Nil {
		cfg.ServerID = uuid.New()
	}
	if sink == nil {
		sink = EventSinkFunc(func(protocol.Event) {})
	}

	return &Registry{
		serverID:  cfg.ServerID,
		msgPort:   cfg.MessagePort,
		rooms:     make(map[string]netutil.IPv4),
		allocator: NewAllocator(cfg.Quarantine, cfg.Clock),
		clock:     cfg.Clock,
		sink:      sink,
		log:       log,
	}
}

func (r *Registry) ServerID() uuid.UUID { return r.serverID }

func (r *Registry) Add(name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return Room{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	addr, err := r.allocator.Allocate()
	if err != nil {
		return Room{}, fmt.Errorf("failed to add room %q: %w", name, err)
	}

	r.rooms[name] = addr
	r.log.Info("room %q added with multicast address %s (%d addresses left)", name, addr, r.allocator.Remaining())
	r.emitLocked(protocol.ActionAdd, name, addr)

	return Room{Name: name, Addr: addr}, nil
}

func (r *Registry) Delete(name string) (Room, error) {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	addr, exists := r.rooms[name]
	if !exists {
		return Room{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	delete(r.rooms, name)
	r.allocator.Release(addr)
	r.log.Info("room %q deleted (multicast address %s)", name, addr)
	r.emitLocked(protocol.ActionDelete, name, addr)

	return Room{Name: name, Addr: addr}, nil
}

func (r *Registry) emitLocked(action protocol.Action, name string, addr netutil.IPv4) {
	r.seq++
	r.sink.Publish(protocol.Event{
		Action:      action,
		RoomName:    name,
		MulticastIP: addr,
		Timestamp:   protocol.NewTimestamp(r.clock.Now()),
		Seq:         r.seq,
		ServerID:    r.serverID,
	})
}

// Snapshot returns a copy that shares nothing with the registry.
func (r *Registry) Snapshot() protocol.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return protocol.Snapshot{
		Rooms:       maps.Clone(r.rooms),
		MessagePort: r.msgPort,
		Seq:         r.seq,
		ServerID:    r.serverID,
	}
}

// List returns all rooms sorted by name.
func (r *Registry) List() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]Room, 0, len(r.rooms))
	for _, name := range slices.Sorted(maps.Keys(r.rooms)) {
		rooms = append(rooms, Room{Name: name, Addr: r.rooms[name]})
	}
	return rooms
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
