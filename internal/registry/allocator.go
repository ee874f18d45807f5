package registry

import (
	"sync"
	"time"

	"mcast-chat/internal/netutil"

	"github.com/benbjohnson/clock"
)

const (
	firstOctet = 1
	lastOctet  = 254
)

var poolPrefix = [3]byte{239, 0, 0}

type released struct {
	addr netutil.IPv4
	at   time.Time
}

// Allocator hands out 239.0.0.N addresses. Fresh addresses come from a
// monotonic counter; released ones are only reused once the counter is spent
// and their quarantine has elapsed.
type Allocator struct {
	mu         sync.Mutex
	next       int
	quarantine time.Duration
	clock      clock.Clock
	free       []released
}

// NewAllocator returns an allocator. A zero quarantine disables reuse.
func NewAllocator(quarantine time.Duration, clk clock.Clock) *Allocator {
	if clk == nil {
		clk = clock.New()
	}
	return &Allocator{
		next:       firstOctet,
		quarantine: quarantine,
		clock:      clk,
	}
}

func (a *Allocator) Allocate() (netutil.IPv4, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next <= lastOctet {
		addr := netutil.IPv4{poolPrefix[0], poolPrefix[1], poolPrefix[2], byte(a.next)}
		a.next++
		return addr, nil
	}

	// free is ordered by release time
	if len(a.free) > 0 && a.clock.Since(a.free[0].at) >= a.quarantine {
		addr := a.free[0].addr
		a.free = a.free[1:]
		return addr, nil
	}

	return netutil.IPv4{}, ErrExhaustedPool
}

func (a *Allocator) Release(addr netutil.IPv4) {
	if a.quarantine <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, released{addr: addr, at: a.clock.Now()})
}

// Remaining counts addresses that could be handed out right now.
func (a *Allocator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := lastOctet - a.next + 1
	for _, r := range a.free {
		if a.clock.Since(r.at) < a.quarantine {
			break
		}
		n++
	}
	return n
}
