package backlog

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espargos/goespargos/internal/csi/cluster"
	"github.com/espargos/goespargos/internal/csi/pool"
	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
	"github.com/espargos/goespargos/internal/testutil"
	"github.com/espargos/goespargos/internal/timeutil"
)

type fragOpts struct {
	seq     uint16
	macLast byte
	tsUS    uint32
	format  wire.BasebandFormat
}

func makeFragment(t *testing.T, o fragOpts) *wire.Fragment {
	t.Helper()
	return testutil.Fragment(t, testutil.PayloadOptions{
		Format:      o.format,
		Seq:         o.seq,
		MAC:         []byte{1, 2, 3, 4, 5, o.macLast},
		TimestampUS: o.tsUS,
	})
}

// makeCluster builds a complete single-board cluster.
func makeCluster(t *testing.T, o fragOpts) *cluster.Cluster {
	t.Helper()
	if o.format == 0 {
		o.format = wire.Format11G
	}
	revisions := []*wire.Revision{wire.Densiflorus}
	clock := timeutil.NewMockClock(timeutil.RealClock{}.Now())

	frag := makeFragment(t, o)
	cl := cluster.New(cluster.KeyOf(frag), revisions, clock)
	require.NoError(t, cl.Insert(0, 0, frag))
	for sensor := 1; sensor < wire.AntennasPerBoard; sensor++ {
		require.NoError(t, cl.Insert(0, sensor, makeFragment(t, o)))
	}
	return cl
}

func newBacklog(t *testing.T, opts ...Option) *Backlog {
	t.Helper()
	return New(pool.New(nil), opts...)
}

func TestStoreAndSnapshot(t *testing.T) {
	b := newBacklog(t, WithSize(10), WithoutCalibration())

	b.storeCluster(makeCluster(t, fragOpts{seq: 1, tsUS: 1000}))
	b.storeCluster(makeCluster(t, fragOpts{seq: 2, tsUS: 2000}))

	assert.Equal(t, 2, b.Len())
	assert.True(t, b.NonEmpty())

	entries := b.Snapshot()
	require.Len(t, entries, 2)
	// Oldest first.
	assert.Less(t, entries[0].Timestamps[0], entries[1].Timestamps[0])
	require.Len(t, entries[0].Legacy, wire.AntennasPerBoard)
	assert.Len(t, entries[0].Legacy[0], wire.LegacySubcarriers)
	assert.Equal(t, "01:02:03:04:05:00", entries[0].MAC.String())
}

func TestRingKeepsNewest(t *testing.T) {
	b := newBacklog(t, WithSize(3), WithoutCalibration())

	for seq := uint16(1); seq <= 5; seq++ {
		b.storeCluster(makeCluster(t, fragOpts{seq: seq, tsUS: uint32(seq) * 1000}))
	}

	entries := b.Snapshot()
	require.Len(t, entries, 3)
	for i, wantSeq := range []uint32{3, 4, 5} {
		assert.InDelta(t, float64(wantSeq*1000)*1e-6-20800e-9, entries[i].Timestamps[0], 1e-12)
	}
}

func TestResize(t *testing.T) {
	b := newBacklog(t, WithSize(3), WithoutCalibration())
	for seq := uint16(1); seq <= 5; seq++ {
		b.storeCluster(makeCluster(t, fragOpts{seq: seq, tsUS: uint32(seq) * 1000}))
	}

	// Shrinking keeps the newest entries.
	b.Resize(2)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 2, b.Cap())

	// Growing preserves everything and accepts new entries.
	b.Resize(5)
	assert.Equal(t, 2, b.Len())
	b.storeCluster(makeCluster(t, fragOpts{seq: 6, tsUS: 6000}))
	entries := b.Snapshot()
	require.Len(t, entries, 3)
	assert.InDelta(t, 6000e-6-20800e-9, entries[2].Timestamps[0], 1e-12)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.InDelta(t, 6000e-6-20800e-9, latest.Timestamps[0], 1e-12)
}

func TestResizeRejectsNonPositive(t *testing.T) {
	b := newBacklog(t, WithSize(3), WithoutCalibration())
	b.storeCluster(makeCluster(t, fragOpts{seq: 1}))

	b.Resize(0)
	assert.Equal(t, 3, b.Cap())
	assert.Equal(t, 1, b.Len())

	b.Resize(-2)
	assert.Equal(t, 3, b.Cap())
	assert.True(t, b.NonEmpty())
}

func TestReconfigureReplaysEntries(t *testing.T) {
	b := newBacklog(t, WithSize(4), WithoutCalibration(),
		WithFields(FieldRSSI, FieldTimestamp))

	for seq := uint16(1); seq <= 3; seq++ {
		b.storeCluster(makeCluster(t, fragOpts{seq: seq, tsUS: uint32(seq) * 1000}))
	}

	b.Reconfigure(FieldLegacy, FieldTimestamp)

	entries := b.Snapshot()
	require.Len(t, entries, 3)
	for i, e := range entries {
		// RSSI is no longer stored, timestamps survive in original order.
		assert.Nil(t, e.RSSI)
		require.Len(t, e.Timestamps, wire.AntennasPerBoard)
		assert.InDelta(t, float64((i+1)*1000)*1e-6-20800e-9, e.Timestamps[0], 1e-12)
		// The L-LTF of a replayed entry cannot be recovered.
		require.Len(t, e.Legacy, wire.AntennasPerBoard)
		assert.Len(t, e.Legacy[0], wire.LegacySubcarriers)
		assert.True(t, cmplx.IsNaN(e.Legacy[0][0]))
	}

	// Clusters stored after the reconfiguration carry real data for the new
	// field set.
	b.storeCluster(makeCluster(t, fragOpts{seq: 9, tsUS: 9000}))
	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Nil(t, latest.RSSI)
	assert.False(t, cmplx.IsNaN(latest.Legacy[0][0]))
	assert.InDelta(t, 9000e-6-20800e-9, latest.Timestamps[0], 1e-12)
}

func TestDisabledFieldsAreNil(t *testing.T) {
	b := newBacklog(t, WithSize(4), WithoutCalibration(), WithFields(FieldRSSI))

	b.storeCluster(makeCluster(t, fragOpts{seq: 1}))

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Nil(t, latest.Legacy)
	assert.Nil(t, latest.HT20)
	assert.Nil(t, latest.MAC)
	assert.Nil(t, latest.Timestamps)
	assert.NotNil(t, latest.RSSI)
}

func TestUnavailableWaveformStoredAsNaN(t *testing.T) {
	var warnings []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	b := newBacklog(t, WithSize(4), WithoutCalibration())

	// An 11g cluster carries an L-LTF but no HT waveforms.
	b.storeCluster(makeCluster(t, fragOpts{seq: 1, format: wire.Format11G}))

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.False(t, cmplx.IsNaN(latest.Legacy[0][0]))
	assert.True(t, cmplx.IsNaN(latest.HT20[0][0]))
	assert.True(t, cmplx.IsNaN(latest.HT40[0][0]))

	found := false
	for _, w := range warnings {
		found = found || strings.Contains(w, "HT20")
	}
	assert.True(t, found, "expected a warning about the missing HT20 waveform")
}

func TestMACFilter(t *testing.T) {
	b := newBacklog(t, WithSize(4), WithoutCalibration())
	require.NoError(t, b.SetMACFilter("^01:02:03:04:05:aa$"))

	b.storeCluster(makeCluster(t, fragOpts{seq: 1, macLast: 0xAA}))
	b.storeCluster(makeCluster(t, fragOpts{seq: 2, macLast: 0xBB}))

	assert.Equal(t, 1, b.Len())
	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, "01:02:03:04:05:aa", latest.MAC.String())

	assert.Error(t, b.SetMACFilter("["))
}

func TestUpdateCallback(t *testing.T) {
	b := newBacklog(t, WithSize(4), WithoutCalibration())

	fired := 0
	b.AddUpdateCallback(func() { fired++ })

	b.storeCluster(makeCluster(t, fragOpts{seq: 1}))
	b.storeCluster(makeCluster(t, fragOpts{seq: 2}))
	assert.Equal(t, 2, fired)
}

func TestMissingCalibrationStoresRaw(t *testing.T) {
	var warnings []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	// Calibration left enabled, but the pool has no model yet.
	b := newBacklog(t, WithSize(4), WithFields(FieldLegacy))
	b.storeCluster(makeCluster(t, fragOpts{seq: 1}))

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.False(t, math.IsNaN(real(latest.Legacy[0][0])))

	found := false
	for _, w := range warnings {
		found = found || strings.Contains(w, "no calibration model")
	}
	assert.True(t, found)
}
