package protocol

import (
	"sync"
	"time"

	"github.com/vazonhub/rhizome/pkg/identity"
)

// RateLimiter enforces inbound rate limits: a global sliding window
// (default 100/60s) and a per-sender sliding window (default 20/60s),
// keyed by the sender's claimed node_id. Uses a trimmed slice of
// timestamps rather than a fixed-size deque; trimming on every check
// keeps amortized cost low without a bounded-deque type.
type RateLimiter struct {
	mu sync.Mutex

	window       time.Duration
	globalMax    int
	perSenderMax int

	global     []time.Time
	perSender  map[identity.NodeID][]time.Time
	nowForTest func() time.Time
}

// NewRateLimiter constructs a limiter with the given window and caps.
func NewRateLimiter(window time.Duration, globalMax, perSenderMax int) *RateLimiter {
	return &RateLimiter{
		window:       window,
		globalMax:    globalMax,
		perSenderMax: perSenderMax,
		perSender:    make(map[identity.NodeID][]time.Time),
		nowForTest:   time.Now,
	}
}

// Allow reports whether a datagram from sender should be accepted.
// Unconditionally records the attempt's timestamp into both windows
// before checking the caps, so a rejected attempt still counts toward
// future windows.
func (rl *RateLimiter) Allow(sender identity.NodeID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowForTest()
	cutoff := now.Add(-rl.window)

	rl.global = trim(append(rl.global, now), cutoff)
	senderWindow := trim(append(rl.perSender[sender], now), cutoff)
	if len(senderWindow) == 0 {
		delete(rl.perSender, sender)
	} else {
		rl.perSender[sender] = senderWindow
	}

	if len(rl.global) > rl.globalMax {
		return false
	}
	if len(senderWindow) > rl.perSenderMax {
		return false
	}
	return true
}

// CleanupIdle prunes any sender whose entire window has aged out since
// its last request, so a sender that goes quiet (or was seen only once,
// e.g. a single unsolicited or spoofed datagram) does not occupy a map
// entry forever. Returns the number of senders pruned.
func (rl *RateLimiter) CleanupIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.nowForTest().Add(-rl.window)
	pruned := 0
	for sender, times := range rl.perSender {
		trimmed := trim(times, cutoff)
		if len(trimmed) == 0 {
			delete(rl.perSender, sender)
			pruned++
			continue
		}
		rl.perSender[sender] = trimmed
	}
	return pruned
}

func trim(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	out := make([]time.Time, len(times)-i)
	copy(out, times[i:])
	return out
}

// Stats reports current window occupancy for introspection.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"global_recent":  len(rl.global),
		"tracked_senders": len(rl.perSender),
	}
}
