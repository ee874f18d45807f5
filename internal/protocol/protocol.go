// Package protocol defines the datagrams exchanged between the room server
// and its clients: the discovery token, the room snapshot sent in reply to
// it, registry change notifications and plain text room messages.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"mcast-chat/internal/netutil"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

const (
	// DiscoverToken is the exact payload of a discovery request.
	DiscoverToken = "DISCOVER_SERVER"

	TimestampLayout = "2006-01-02 15:04:05"

	// MaxDatagramSize bounds every receive buffer.
	MaxDatagramSize = 8192
)

var (
	ErrMalformed     = errors.New("malformed datagram")
	ErrUnknownAction = errors.New("unknown action")
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionDelete
}

// Timestamp is encoded in local time without zone, e.g. "2024-05-01 13:37:00".
type Timestamp time.Time

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.Truncate(time.Second))
}

func (ts Timestamp) Time() time.Time { return time.Time(ts) }

func (ts Timestamp) String() string {
	return time.Time(ts).Local().Format(TimestampLayout)
}

func (ts Timestamp) MarshalText() ([]byte, error) {
	if time.Time(ts).IsZero() {
		return []byte{}, nil
	}
	return []byte(ts.String()), nil
}

func (ts *Timestamp) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*ts = Timestamp{}
		return nil
	}
	t, err := time.ParseInLocation(TimestampLayout, string(b), time.Local)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", b, err)
	}
	*ts = Timestamp(t)
	return nil
}

// Event is a registry change. Seq and ServerID are zero when the sender
// doesn't sequence its notifications.
type Event struct {
	Action      Action       `json:"action"`
	RoomName    string       `json:"room_name"`
	MulticastIP netutil.IPv4 `json:"multicast_ip"`
	Timestamp   Timestamp    `json:"timestamp"`
	Seq         uint64       `json:"seq,omitempty"`
	ServerID    uuid.UUID    `json:"server_id"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %q (%s) seq=%d at %s", e.Action, e.RoomName, e.MulticastIP, e.Seq, e.Timestamp)
}

func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !e.Action.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	if e.RoomName == "" {
		return Event{}, fmt.Errorf("%w: missing room_name", ErrMalformed)
	}
	if !e.MulticastIP.IsAdminScopedMulticast() {
		return Event{}, fmt.Errorf("%w: multicast_ip %q is not in 239.0.0.0/8", ErrMalformed, e.MulticastIP)
	}
	return e, nil
}

// Snapshot is the full registry as of Seq.
type Snapshot struct {
	Rooms       map[string]netutil.IPv4 `json:"rooms"`
	MessagePort uint16                  `json:"message_port"`
	Seq         uint64                  `json:"seq"`
	ServerID    uuid.UUID               `json:"server_id"`
}

func (s Snapshot) Clone() Snapshot {
	c := s
	c.Rooms = maps.Clone(s.Rooms)
	if c.Rooms == nil {
		c.Rooms = make(map[string]netutil.IPv4)
	}
	return c
}

func (s Snapshot) Digest() uint64 {
	return DigestRooms(s.Rooms)
}

func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Rooms == nil {
		s.Rooms = map[string]netutil.IPv4{}
	}
	return json.Marshal(s)
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
	var raw struct {
		Snapshot
		Rooms *map[string]netutil.IPv4 `json:"rooms"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Rooms == nil {
		return Snapshot{}, fmt.Errorf("%w: missing rooms", ErrMalformed)
	}

	s := raw.Snapshot
	s.Rooms = *raw.Rooms
	if s.Rooms == nil {
		s.Rooms = make(map[string]netutil.IPv4)
	}
	return s, nil
}

func IsDiscoverRequest(b []byte) bool {
	return bytes.Equal(b, []byte(DiscoverToken))
}

func FormatRoomMessage(host, msg string) []byte {
	return fmt.Appendf(nil, "[%s] %s", host, msg)
}

// DigestRooms hashes the sorted name=address pairs, so equal mappings give
// equal digests regardless of insertion order.
func DigestRooms(rooms map[string]netutil.IPv4) uint64 {
	h := xxhash.New()
	for _, name := range slices.Sorted(maps.Keys(rooms)) {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		ip := rooms[name]
		h.Write(ip[:])
		h.Write([]byte{0})
	}
	return h.Sum64()
}
