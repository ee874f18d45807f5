package netutil

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPv4(t *testing.T) {
	ip, err := ParseIPv4("239.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, IPv4{239, 0, 0, 7}, ip)
	assert.True(t, ip.IsAdminScopedMulticast())

	_, err = ParseIPv4("not-an-ip")
	assert.Error(t, err)

	_, err = ParseIPv4("::1")
	assert.Error(t, err)
}

func TestIPv4JSONMapValue(t *testing.T) {
	in := map[string]IPv4{"lobby": {239, 0, 0, 1}}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lobby":"239.0.0.1"}`, string(b))

	var out map[string]IPv4
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9000", FormatAddress(IPv4{127, 0, 0, 1}, 9000))
	assert.Error(t, ValidatePort(0))
	assert.NoError(t, ValidatePort(1))
}

func TestFindInterfaceByNameEmpty(t *testing.T) {
	iface, err := FindInterfaceByName("")
	require.NoError(t, err)
	assert.Nil(t, iface)
}

func TestListenUDP4WithSocketOptions(t *testing.T) {
	conn, err := ListenUDP4(context.Background(), "127.0.0.1:0", ReuseAddr, Broadcast, MulticastOnlyJoined)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotZero(t, conn.LocalAddr().(*net.UDPAddr).Port)
}
