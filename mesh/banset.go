// BanSet is a bucketed set of (ip, expiry-second) pairs. Two instances run
// in a full deployment: one for UDP-level misbehavior (minutes-scale TTL)
// and one for HTTP 4xx floods (seconds-scale TTL).
//
// Grounded on gorox's accept-thread-driven periodic housekeeping idiom
// (hemi/net_tcps.go's gate loop rotates state once per elapsed second) and
// torua's internal/coordinator/health_monitor.go periodic-rotation shape.

package mesh

import (
	"sync"
	"time"
)

// BanSet tracks banned remote addresses with second-granularity expiry.
// Rotation advances its internal clock once per elapsed second; Banned is
// safe to call concurrently with Ban and Rotate.
type BanSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]int64 // ip -> expiry unix second
	nowUnix int64
}

// NewBanSet creates a BanSet whose entries expire ttl after being banned.
func NewBanSet(ttl time.Duration) *BanSet {
	return &BanSet{
		ttl:     ttl,
		entries: make(map[string]int64),
		nowUnix: time.Now().Unix(),
	}
}

// Ban marks ip as banned for ttl from now.
func (b *BanSet) Ban(ip string) {
	if ip == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry := time.Now().Unix() + int64(b.ttl/time.Second)
	if b.ttl < time.Second {
		expiry = time.Now().Unix() + 1 // at least one rotation tick
	}
	b.entries[ip] = expiry
}

// Banned reports whether ip is currently banned.
func (b *BanSet) Banned(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.entries[ip]
	if !ok {
		return false
	}
	return expiry > time.Now().Unix()
}

// Rotate drops expired entries. The accept loop calls this at most once per
// elapsed wall-clock second.
func (b *BanSet) Rotate() {
	now := time.Now().Unix()
	b.mu.Lock()
	defer b.mu.Unlock()
	if now == b.nowUnix {
		return
	}
	b.nowUnix = now
	for ip, expiry := range b.entries {
		if expiry <= now {
			delete(b.entries, ip)
		}
	}
}

// Len returns the number of currently tracked entries (including not-yet
// rotated-out expired ones), for tests/diagnostics.
func (b *BanSet) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Snapshot returns a deterministically ordered copy of the currently banned
// IPs, for logging/tests. Grounded on torua's testable-snapshot idiom and
// wired to golang.org/x/exp/maps.
func (b *BanSet) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return banSnapshotKeys(b.entries)
}
