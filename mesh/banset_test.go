package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBanSetBanAndBanned(t *testing.T) {
	bs := NewBanSet(time.Minute)
	assert.False(t, bs.Banned("10.0.0.1"))
	bs.Ban("10.0.0.1")
	assert.True(t, bs.Banned("10.0.0.1"))
}

func TestBanSetIgnoresEmptyIP(t *testing.T) {
	bs := NewBanSet(time.Minute)
	bs.Ban("")
	assert.Equal(t, 0, bs.Len())
}

func TestBanSetRotateDropsExpiredEntries(t *testing.T) {
	bs := NewBanSet(0) // ttl < a second: at-least-one-tick expiry
	bs.Ban("10.0.0.2")
	assert.Equal(t, 1, bs.Len())

	// Force the entry to look already expired, then roll nowUnix forward
	// so Rotate actually re-evaluates it.
	bs.mu.Lock()
	bs.entries["10.0.0.2"] = time.Now().Unix() - 10
	bs.nowUnix -= 5
	bs.mu.Unlock()

	bs.Rotate()
	assert.Equal(t, 0, bs.Len())
}

func TestBanSetSnapshotIsSorted(t *testing.T) {
	bs := NewBanSet(time.Minute)
	bs.Ban("10.0.0.9")
	bs.Ban("10.0.0.1")
	bs.Ban("10.0.0.5")

	snap := bs.Snapshot()
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.5", "10.0.0.9"}, snap)
}
