package ecosystem

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectjumbo/waggle/swarm/signal"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() (*Registry, *uint32) {
	now := new(uint32)
	*now = 1000
	clk := func() uint32 { return *now }
	return NewRegistry(clk, quietLogger()), now
}

func botMAC(i int) [6]byte {
	return [6]byte{0xAA, 0x00, 0x00, 0x00, 0x00, byte(i)}
}

func TestUnknownBotGetsBenefitOfTheDoubt(t *testing.T) {
	r, _ := testRegistry()
	assert.True(t, r.ShouldTrust(botMAC(1)))
	assert.Equal(t, 0, r.Len())
}

func TestReliabilityFollowsOutcomes(t *testing.T) {
	r, _ := testRegistry()
	mac := botMAC(1)

	r.CommError(mac, "checksum")
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 0.9, float64(snap[0].Reliability), 1e-6)
	assert.Equal(t, uint32(1), snap[0].ConsecutiveFailures)

	r.FrameDelivered(mac)
	snap = r.Snapshot()
	assert.InDelta(t, 0.91, float64(snap[0].Reliability), 1e-6)
	assert.Equal(t, uint32(0), snap[0].ConsecutiveFailures)
	assert.Equal(t, uint64(1), snap[0].FramesOK)
	assert.Equal(t, uint64(1), snap[0].CommErrors)
}

func TestFailureStreakCutsTrust(t *testing.T) {
	r, _ := testRegistry()
	mac := botMAC(1)

	for i := 0; i < 4; i++ {
		r.CommError(mac, "malformed")
	}
	assert.True(t, r.ShouldTrust(mac))

	r.CommError(mac, "malformed")
	assert.False(t, r.ShouldTrust(mac))

	// One clean frame forgives the streak.
	r.FrameDelivered(mac)
	assert.True(t, r.ShouldTrust(mac))
}

func TestChronicUnreliabilityCutsTrust(t *testing.T) {
	r, _ := testRegistry()
	mac := botMAC(1)

	// Interleave deliveries so the streak never triggers; the EMA
	// floor has to do the cutting.
	for r.ShouldTrust(mac) {
		for i := 0; i < 4; i++ {
			r.CommError(mac, "garbled")
		}
		r.FrameDelivered(mac)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Less(t, snap[0].Reliability, float32(MinTrustScore))
	assert.Less(t, snap[0].ConsecutiveFailures, uint32(maxConsecutiveFailures))
}

func TestRegistryEvictsQuietestAtCapacity(t *testing.T) {
	r, now := testRegistry()

	for i := 1; i <= MaxTrackedBots; i++ {
		*now = uint32(i * 1000)
		r.FrameDelivered(botMAC(i))
	}
	require.Equal(t, MaxTrackedBots, r.Len())

	*now = 100000
	r.FrameDelivered(botMAC(99))
	assert.Equal(t, MaxTrackedBots, r.Len())

	seen := map[string]bool{}
	for _, rec := range r.Snapshot() {
		seen[rec.MAC] = true
	}
	assert.False(t, seen[signal.FormatMAC(botMAC(1))], "oldest bot should be gone")
	assert.True(t, seen[signal.FormatMAC(botMAC(99))])
	assert.True(t, seen[signal.FormatMAC(botMAC(2))])
}

func TestBlacklistOverridesGoodReliability(t *testing.T) {
	r, _ := testRegistry()
	mac := botMAC(1)

	r.FrameDelivered(mac)
	require.True(t, r.ShouldTrust(mac))

	r.Blacklist(mac, "spoofed frames")
	assert.False(t, r.ShouldTrust(mac))

	r.Rehabilitate(mac)
	assert.True(t, r.ShouldTrust(mac))
	snap := r.Snapshot()
	assert.GreaterOrEqual(t, snap[0].Reliability, float32(0.5))
}

func TestSweepCountsProlongedSilence(t *testing.T) {
	r, now := testRegistry()
	mac := botMAC(1)
	r.FrameDelivered(mac)

	// Within the timeout nothing changes.
	r.Sweep(20000)
	assert.True(t, r.ShouldTrust(mac))

	*now = 40000
	for i := 0; i < maxConsecutiveFailures; i++ {
		r.Sweep(40000)
	}
	assert.False(t, r.ShouldTrust(mac))
}

func TestSnapshotOrdersByRecency(t *testing.T) {
	r, now := testRegistry()

	*now = 1000
	r.FrameDelivered(botMAC(1))
	*now = 5000
	r.FrameDelivered(botMAC(2))
	*now = 3000
	r.FrameDelivered(botMAC(3))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, signal.FormatMAC(botMAC(2)), snap[0].MAC)
	assert.Equal(t, signal.FormatMAC(botMAC(3)), snap[1].MAC)
	assert.Equal(t, signal.FormatMAC(botMAC(1)), snap[2].MAC)
}
