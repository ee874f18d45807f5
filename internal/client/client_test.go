package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"mcast-chat/internal/config"
	"mcast-chat/internal/logger"
	"mcast-chat/internal/multicast"
	"mcast-chat/internal/multicast/multicasttest"
	"mcast-chat/internal/netutil"
	"mcast-chat/internal/protocol"
	"mcast-chat/internal/server"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var notifier = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 37021}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) record(e protocol.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Event(nil), l.events...)
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()
	return uint16(c.LocalAddr().(*net.UDPAddr).Port)
}

// testConfig points discovery at a loopback port nobody answers on.
func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DiscoveryPort:    freeUDPPort(t),
		NotificationPort: 37021,
		MessagePort:      37022,
		BroadcastIP:      "127.0.0.1",
		DiscoveryTimeout: 300 * time.Millisecond,
		PollInterval:     20 * time.Millisecond,
		LogLevel:         "DEBUG",
	}
}

func newTestClient(t *testing.T, cfg *config.Config, tr multicast.Transport, events *eventLog) *Client {
	t.Helper()
	opts := Options{Transport: tr, Hostname: "host"}
	if events != nil {
		opts.OnEvent = events.record
	}
	c, err := New(cfg, logger.Discard(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Leave() })
	return c
}

func encodeEvent(t *testing.T, e protocol.Event) []byte {
	t.Helper()
	data, err := protocol.EncodeEvent(e)
	require.NoError(t, err)
	return data
}

func TestNotificationsUpdateDirectory(t *testing.T) {
	events := &eventLog{}
	c := newTestClient(t, testConfig(t), multicasttest.NewTransport(), events)
	ctx := context.Background()

	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionAdd, RoomName: "lobby", MulticastIP: netutil.IPv4{239, 0, 0, 1},
	}), notifier)
	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionAdd, RoomName: "dev", MulticastIP: netutil.IPv4{239, 0, 0, 2},
	}), notifier)
	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionDelete, RoomName: "dev", MulticastIP: netutil.IPv4{239, 0, 0, 2},
	}), notifier)

	assert.Equal(t, map[string]netutil.IPv4{"lobby": {239, 0, 0, 1}}, c.Rooms())
	assert.Len(t, events.all(), 3)
}

func TestMalformedNotificationsAreSkipped(t *testing.T) {
	events := &eventLog{}
	c := newTestClient(t, testConfig(t), multicasttest.NewTransport(), events)

	for _, payload := range []string{
		"not json",
		`{"action":"rename","room_name":"x","multicast_ip":"239.0.0.1"}`,
		`{"action":"add","multicast_ip":"239.0.0.1"}`,
		`{"action":"add","room_name":"x","multicast_ip":"nope"}`,
	} {
		c.handleNotification(context.Background(), []byte(payload), notifier)
	}

	assert.Empty(t, c.Rooms())
	assert.Empty(t, events.all())
}

func TestDeleteOfJoinedRoomLeavesBeforeEvent(t *testing.T) {
	tr := multicasttest.NewTransport()
	c := newTestClient(t, testConfig(t), tr, nil)
	ctx := context.Background()

	var joinedAtEvent []bool
	c.onEvent = func(e protocol.Event) {
		_, joined := c.Current()
		joinedAtEvent = append(joinedAtEvent, joined)
	}

	lobby := netutil.IPv4{239, 0, 0, 1}
	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionAdd, RoomName: "lobby", MulticastIP: lobby,
	}), notifier)
	require.NoError(t, c.Join("lobby"))
	require.Equal(t, 1, tr.Members(lobby))

	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionDelete, RoomName: "lobby", MulticastIP: lobby,
	}), notifier)

	_, joined := c.Current()
	assert.False(t, joined)
	assert.Equal(t, 0, tr.Members(lobby))
	assert.Equal(t, []bool{false, false}, joinedAtEvent)
	assert.ErrorIs(t, c.Send("hello"), multicast.ErrNotJoined)
	assert.ErrorIs(t, c.Join("lobby"), multicast.ErrUnknownRoom)
}

func TestDeleteOfOtherRoomKeepsMembership(t *testing.T) {
	tr := multicasttest.NewTransport()
	c := newTestClient(t, testConfig(t), tr, nil)
	ctx := context.Background()

	for i, name := range []string{"lobby", "dev"} {
		c.handleNotification(ctx, encodeEvent(t, protocol.Event{
			Action: protocol.ActionAdd, RoomName: name, MulticastIP: netutil.IPv4{239, 0, 0, byte(i + 1)},
		}), notifier)
	}
	require.NoError(t, c.Join("lobby"))

	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionDelete, RoomName: "dev", MulticastIP: netutil.IPv4{239, 0, 0, 2},
	}), notifier)

	room, joined := c.Current()
	assert.True(t, joined)
	assert.Equal(t, "lobby", room)
}

func TestStaleNotificationIsNotSurfaced(t *testing.T) {
	events := &eventLog{}
	c := newTestClient(t, testConfig(t), multicasttest.NewTransport(), events)
	ctx := context.Background()
	serverID := uuid.New()

	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionAdd, RoomName: "lobby", MulticastIP: netutil.IPv4{239, 0, 0, 1},
		Seq: 2, ServerID: serverID,
	}), notifier)
	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionDelete, RoomName: "lobby", MulticastIP: netutil.IPv4{239, 0, 0, 1},
		Seq: 1, ServerID: serverID,
	}), notifier)

	assert.Contains(t, c.Rooms(), "lobby")
	assert.Len(t, events.all(), 1)
}

func TestDiscoverTimeoutLeavesDirectory(t *testing.T) {
	c := newTestClient(t, testConfig(t), multicasttest.NewTransport(), nil)
	c.handleNotification(context.Background(), encodeEvent(t, protocol.Event{
		Action: protocol.ActionAdd, RoomName: "lobby", MulticastIP: netutil.IPv4{239, 0, 0, 1},
	}), notifier)

	_, err := c.Discover(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Equal(t, map[string]netutil.IPv4{"lobby": {239, 0, 0, 1}}, c.Rooms())
}

func TestDiscoverHonorsContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiscoveryTimeout = 5 * time.Second
	c := newTestClient(t, cfg, multicasttest.NewTransport(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// fakeDiscoveryServer replies to every request with each of replies in order.
func fakeDiscoveryServer(t *testing.T, replies ...[]byte) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			_, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			for _, r := range replies {
				conn.WriteToUDP(r, from)
			}
		}
	}()

	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestDiscoverSkipsInvalidReplies(t *testing.T) {
	snap, err := protocol.EncodeSnapshot(protocol.Snapshot{
		Rooms:       map[string]netutil.IPv4{"lobby": {239, 0, 0, 1}},
		MessagePort: 37022,
	})
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.DiscoveryTimeout = 2 * time.Second
	cfg.DiscoveryPort = fakeDiscoveryServer(t, []byte("garbage"), []byte(`{"message_port":1}`), snap)
	c := newTestClient(t, cfg, multicasttest.NewTransport(), nil)

	got, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]netutil.IPv4{"lobby": {239, 0, 0, 1}}, got.Rooms)
	assert.Equal(t, got.Rooms, c.Rooms())
}

// go test -v -count=1 -run TestServerRoundTrip ./internal/client/
func TestServerRoundTrip(t *testing.T) {
	notifyPort := freeUDPPort(t)
	serverCfg := &config.Config{
		DiscoveryPort:     0,
		NotificationPort:  notifyPort,
		MessagePort:       37022,
		BroadcastIP:       "127.0.0.1",
		DiscoveryTimeout:  time.Second,
		AddressQuarantine: time.Minute,
		PollInterval:      20 * time.Millisecond,
		LogLevel:          "DEBUG",
	}
	srv := server.New(serverCfg, logger.Discard())
	_, err := srv.AddRoom("lobby")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, srv.Listen(ctx))
	go srv.Run(ctx)

	clientCfg := *serverCfg
	clientCfg.DiscoveryPort = srv.DiscoveryPort()
	clientCfg.DiscoveryTimeout = 2 * time.Second

	tr := multicasttest.NewTransport()
	events := make(chan protocol.Event, 8)
	c, err := New(&clientCfg, logger.Discard(), Options{
		Transport: tr,
		Hostname:  "host",
		OnEvent:   func(e protocol.Event) { events <- e },
	})
	require.NoError(t, err)

	require.NoError(t, c.Listen(ctx))
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	snap, err := c.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.ID(), snap.ServerID)
	require.NoError(t, c.Join("lobby"))

	_, err = srv.AddRoom("dev")
	require.NoError(t, err)
	e := waitEvent(t, events)
	assert.Equal(t, "dev", e.RoomName)
	assert.Equal(t, netutil.IPv4{239, 0, 0, 2}, c.Rooms()["dev"])

	_, err = srv.DeleteRoom("lobby")
	require.NoError(t, err)
	e = waitEvent(t, events)
	assert.Equal(t, protocol.ActionDelete, e.Action)

	_, joined := c.Current()
	assert.False(t, joined)
	assert.NotContains(t, c.Rooms(), "lobby")

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func waitEvent(t *testing.T, events <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return protocol.Event{}
	}
}

// discoverFrom runs Discover against a loopback server answering with snap.
func discoverFrom(t *testing.T, c *Client, snap protocol.Snapshot) {
	t.Helper()
	data, err := protocol.EncodeSnapshot(snap)
	require.NoError(t, err)

	c.cfg.DiscoveryPort = fakeDiscoveryServer(t, data)
	c.cfg.DiscoveryTimeout = 2 * time.Second

	_, err = c.Discover(context.Background())
	require.NoError(t, err)
}

func TestSnapshotAndDeleteOrdering(t *testing.T) {
	lobby := netutil.IPv4{239, 0, 0, 1}
	serverID := uuid.New()

	withLobby := func(seq uint64) protocol.Snapshot {
		return protocol.Snapshot{Rooms: map[string]netutil.IPv4{"lobby": lobby}, MessagePort: 37022, Seq: seq, ServerID: serverID}
	}
	empty := func(seq uint64) protocol.Snapshot {
		return protocol.Snapshot{Rooms: map[string]netutil.IPv4{}, MessagePort: 37022, Seq: seq, ServerID: serverID}
	}
	deleteLobby := func(seq uint64) protocol.Event {
		return protocol.Event{Action: protocol.ActionDelete, RoomName: "lobby", MulticastIP: lobby, Seq: seq, ServerID: serverID}
	}

	tests := []struct {
		name       string
		initial    protocol.Snapshot
		steps      func(t *testing.T, c *Client)
		wantJoined bool
	}{
		{
			name:    "snapshot then delete",
			initial: withLobby(1),
			steps: func(t *testing.T, c *Client) {
				require.True(t, c.directory.Replace(empty(2)))
				c.handleNotification(context.Background(), encodeEvent(t, deleteLobby(2)), notifier)
			},
		},
		{
			name:    "delete then snapshot",
			initial: withLobby(1),
			steps: func(t *testing.T, c *Client) {
				c.handleNotification(context.Background(), encodeEvent(t, deleteLobby(2)), notifier)
				discoverFrom(t, c, empty(2))
			},
		},
		{
			name:    "snapshot drops joined room without event",
			initial: withLobby(1),
			steps: func(t *testing.T, c *Client) {
				discoverFrom(t, c, empty(2))
			},
		},
		{
			name:    "stale delete of recreated room",
			initial: withLobby(3),
			steps: func(t *testing.T, c *Client) {
				c.handleNotification(context.Background(), encodeEvent(t, deleteLobby(2)), notifier)
			},
			wantJoined: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := multicasttest.NewTransport()
			c := newTestClient(t, testConfig(t), tr, nil)

			require.True(t, c.directory.Replace(tt.initial))
			require.NoError(t, c.Join("lobby"))
			require.Equal(t, 1, tr.Members(lobby))

			tt.steps(t, c)

			_, joined := c.Current()
			assert.Equal(t, tt.wantJoined, joined)
			if tt.wantJoined {
				assert.Equal(t, 1, tr.Members(lobby))
			} else {
				assert.Equal(t, 0, tr.Members(lobby))
				assert.NotContains(t, c.Rooms(), "lobby")
			}
		})
	}
}

func TestRunWaitsForEpochRefresh(t *testing.T) {
	cfg := testConfig(t)
	cfg.NotificationPort = freeUDPPort(t)
	cfg.DiscoveryTimeout = 5 * time.Second
	c := newTestClient(t, cfg, multicasttest.NewTransport(), nil)

	require.True(t, c.directory.Replace(protocol.Snapshot{Rooms: map[string]netutil.IPv4{}, Seq: 1, ServerID: uuid.New()}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Listen(ctx))
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// an event from another server starts a refresh that nobody answers
	c.handleNotification(ctx, encodeEvent(t, protocol.Event{
		Action: protocol.ActionAdd, RoomName: "lobby", MulticastIP: netutil.IPv4{239, 0, 0, 1},
		Seq: 1, ServerID: uuid.New(),
	}), notifier)
	require.Eventually(t, c.refreshing.Load, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
		assert.False(t, c.refreshing.Load(), "refresh outlived Run")
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
}
