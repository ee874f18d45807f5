package directory

import (
	"maps"
	"slices"
	"sync"

	"mcast-chat/internal/logger"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"

	"github.com/google/uuid"
)

type ApplyResult int

const (
	Applied ApplyResult = iota
	// ApplyStale means the event was older than what the directory already has.
	ApplyStale
	// ApplyEpochChanged means the event came from a different server process.
	// It was applied, but the rest of the directory may be out of date.
	ApplyEpochChanged
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case ApplyStale:
		return "stale"
	case ApplyEpochChanged:
		return "epoch changed"
	default:
		return "unknown"
	}
}

// Directory is the client's cached copy of the server registry.
type Directory struct {
	mu       sync.RWMutex
	rooms    map[string]netutil.IPv4
	serverID uuid.UUID
	lastSeq  uint64
	log      *logger.Logger
}

func New(log *logger.Logger) *Directory {
	return &Directory{
		rooms: make(map[string]netutil.IPv4),
		log:   log,
	}
}

// Replace overwrites the directory with s, unless s is older than the
// events already applied from the same server.
func (d *Directory) Replace(s protocol.Snapshot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.ServerID != uuid.Nil && s.ServerID == d.serverID && s.Seq < d.lastSeq {
		d.log.Debug("ignoring stale snapshot seq=%d (have %d)", s.Seq, d.lastSeq)
		return false
	}

	d.rooms = maps.Clone(s.Rooms)
	if d.rooms == nil {
		d.rooms = make(map[string]netutil.IPv4)
	}
	d.serverID = s.ServerID
	d.lastSeq = s.Seq
	return true
}

func (d *Directory) Apply(e protocol.Event) ApplyResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := Applied
	if e.Seq != 0 {
		switch {
		case e.ServerID != d.serverID:
			if d.serverID != uuid.Nil {
				d.log.Info("server changed from %s to %s", d.serverID, e.ServerID)
				result = ApplyEpochChanged
			}
			d.serverID = e.ServerID
		case e.Seq <= d.lastSeq:
			d.log.Debug("ignoring stale event %s (have %d)", e, d.lastSeq)
			return ApplyStale
		}
		d.lastSeq = e.Seq
	}

	switch e.Action {
	case protocol.ActionAdd:
		d.rooms[e.RoomName] = e.MulticastIP
	case protocol.ActionDelete:
		delete(d.rooms, e.RoomName)
	}

	return result
}

func (d *Directory) Lookup(name string) (netutil.IPv4, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.rooms[name]
	return addr, ok
}

func (d *Directory) Rooms() map[string]netutil.IPv4 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.rooms)
}

func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.rooms))
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func (d *Directory) Digest() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return protocol.DigestRooms(d.rooms)
}

// Version returns the server and sequence number the directory is at.
func (d *Directory) Version() (uuid.UUID, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serverID, d.lastSeq
}
