// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterWrapCrossing(t *testing.T) {
	// 32-bit counter, conversion factor 1.0 joules per raw unit
	c := NewCounter("package", 32, 1.0, "raw")

	c.update(4_294_967_290) // baseline
	assert.Equal(t, uint64(0), c.Accumulated())

	c.update(4_294_967_295)
	assert.Equal(t, uint64(5), c.Accumulated())

	c.update(3)
	assert.Equal(t, uint64(8), c.Accumulated())
	assert.Equal(t, uint64(1), c.Wraparounds())

	c.update(10)
	assert.Equal(t, uint64(15), c.Accumulated())
	assert.Equal(t, uint64(1), c.Wraparounds())

	assert.Equal(t, 15.0, c.Joules())
}

func TestCounterBoundaryWrap(t *testing.T) {
	// starting at max_raw-10, updates max_raw, 0, 5 must accumulate
	// exactly 15 raw units
	c := NewCounter("dram", 32, 1.0, "raw")
	maxRaw := uint64(math.MaxUint32)

	c.update(maxRaw - 10)
	c.update(maxRaw)
	c.update(0)
	c.update(5)

	assert.Equal(t, uint64(15), c.Accumulated())
	assert.Equal(t, uint64(1), c.Wraparounds())
}

func TestCounterModularSumProperty(t *testing.T) {
	// accumulated equals the sum of forward distances over the sequence
	c := NewCounter("pp0", 8, 1.0, "raw")

	seq := []uint64{250, 254, 3, 10, 200, 1}
	c.update(seq[0])

	var want uint64
	prev := seq[0]
	for _, raw := range seq[1:] {
		if raw >= prev {
			want += raw - prev
		} else {
			want += (255 - prev) + raw
		}
		prev = raw
		c.update(raw)
	}

	assert.Equal(t, want, c.Accumulated())
}

func TestCounterMonotonicNonDecreasing(t *testing.T) {
	c := NewCounter("package", 16, 1.0, "raw")

	prev := uint64(0)
	for _, raw := range []uint64{100, 60000, 65535, 12, 13, 13, 40000} {
		got := c.update(raw)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestCounterSuspectJumpNotCorrected(t *testing.T) {
	c := NewCounter("package", 32, 1.0, "raw")

	c.update(0)
	// forward jump of more than half the range: counted, not corrected
	c.update(3_000_000_000)

	assert.Equal(t, uint64(3_000_000_000), c.Accumulated())
	assert.Equal(t, uint64(1), c.SuspectJumps())
	assert.Equal(t, uint64(0), c.Wraparounds())
}

func TestCounterWithMax(t *testing.T) {
	// powercap-style range that is not a power of two
	c := NewCounterWithMax("package", 262_143_328_850, 1e-6, "uJ")

	c.update(262_143_328_840)
	c.update(262_143_328_850)
	assert.Equal(t, uint64(10), c.Accumulated())

	c.update(20)
	assert.Equal(t, uint64(30), c.Accumulated())
	assert.Equal(t, uint64(1), c.Wraparounds())
}

func TestCounterConversionFactor(t *testing.T) {
	// RAPL-style 2^-EU joules per raw unit, EU = 16
	factor := 1.0 / float64(uint64(1)<<16)
	c := NewCounter("package", 32, factor, "raw")

	c.update(0)
	c.update(1 << 16)
	assert.InDelta(t, 1.0, c.Joules(), 1e-12)
}

func TestCounterSetBulkUpdate(t *testing.T) {
	set := NewCounterSet(nil)
	set.Register(NewCounter("package", 32, 1.0, "raw"))
	set.Register(NewCounter("dram", 32, 1.0, "raw"))

	_, err := set.BulkUpdate(map[string]uint64{"package": 100, "dram": 50})
	require.NoError(t, err)

	acc, err := set.BulkUpdate(map[string]uint64{"package": 150, "dram": 75})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), acc["package"])
	assert.Equal(t, uint64(25), acc["dram"])
}

func TestCounterSetPartialUpdateKeepsOthers(t *testing.T) {
	set := NewCounterSet(nil)
	set.Register(NewCounter("package", 32, 1.0, "raw"))
	set.Register(NewCounter("dram", 32, 1.0, "raw"))

	_, err := set.BulkUpdate(map[string]uint64{"package": 10, "dram": 10})
	require.NoError(t, err)

	acc, err := set.BulkUpdate(map[string]uint64{"package": 30})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), acc["package"])
	assert.Equal(t, uint64(0), acc["dram"])
}

func TestCounterSetUnknownCounter(t *testing.T) {
	set := NewCounterSet(nil)
	set.Register(NewCounter("package", 32, 1.0, "raw"))

	_, err := set.BulkUpdate(map[string]uint64{"bogus": 1})
	assert.Error(t, err)
}

func TestCounterSetReset(t *testing.T) {
	set := NewCounterSet(nil)
	set.Register(NewCounter("package", 32, 1.0, "raw"))

	_, err := set.BulkUpdate(map[string]uint64{"package": 10})
	require.NoError(t, err)
	_, err = set.BulkUpdate(map[string]uint64{"package": 60})
	require.NoError(t, err)
	require.Equal(t, uint64(50), set.Get("package").Accumulated())

	set.Reset()
	assert.Equal(t, uint64(0), set.Get("package").Accumulated())

	// first post-reset update is a new baseline
	_, err = set.BulkUpdate(map[string]uint64{"package": 500})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), set.Get("package").Accumulated())
}

func TestCounterSetNames(t *testing.T) {
	set := NewCounterSet(nil)
	set.Register(NewCounter("package", 32, 1.0, "raw"))
	set.Register(NewCounter("dram", 32, 1.0, "raw"))

	assert.Equal(t, []string{"package", "dram"}, set.Names())
}
