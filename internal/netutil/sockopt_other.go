//go:build !linux

package netutil

// MulticastOnlyJoined is a no-op: only Linux delivers every joined group to
// all wildcard sockets on the port.
func MulticastOnlyJoined(fd int) error {
	return nil
}
