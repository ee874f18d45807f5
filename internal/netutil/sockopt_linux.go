package netutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MulticastOnlyJoined turns off IP_MULTICAST_ALL so a socket bound to the
// wildcard address only receives groups it joined itself.
func MulticastOnlyJoined(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0); err != nil {
		return fmt.Errorf("IP_MULTICAST_ALL: %w", err)
	}
	return nil
}
