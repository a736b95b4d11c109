// Package cluster groups per-antenna channel-state fragments that describe
// the same over-the-air packet and decides when such a group is complete
// enough to hand to subscribers.
package cluster

import (
	"fmt"
	"math"
	"math/cmplx"
	"net"
	"time"

	"gonum.org/v1/gonum/cmplxs"

	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/timeutil"
)

// Key identifies all fragments belonging to one physical transmission.
type Key struct {
	Source [6]byte
	Dest   [6]byte
	Seq    uint16
	Frag   uint8
}

// KeyOf derives the cluster key of a fragment.
func KeyOf(frag *wire.Fragment) Key {
	var k Key
	copy(k.Source[:], frag.SourceMAC)
	copy(k.Dest[:], frag.DestMAC)
	k.Seq = frag.Seq
	k.Frag = frag.Frag
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%x-%x-%03x-%01x", k.Source, k.Dest, k.Seq, k.Frag)
}

// secondaryShift is the subcarrier offset of the primary channel center from
// the receiver LO when a 40 MHz channel is bonded.
const secondaryShift = int(2 * wire.WifiChannelSpacing / wire.WifiSubcarrierSpacing)

// Cluster aggregates the fragments of one transmission across all boards of
// a pool. Slots are indexed board*AntennasPerBoard + row*AntennasPerRow +
// col. A cluster also owns the per-callback firing state for its lifetime;
// evicting the cluster drops that state with it.
type Cluster struct {
	key       Key
	revisions []*wire.Revision
	clock     timeutil.Clock
	created   time.Time

	fragments []*wire.Fragment
	completion []bool
	complete   bool

	fired map[int]bool
}

// New creates an empty cluster for the given pool geometry.
func New(key Key, revisions []*wire.Revision, clock timeutil.Clock) *Cluster {
	n := len(revisions) * wire.AntennasPerBoard
	return &Cluster{
		key:        key,
		revisions:  revisions,
		clock:      clock,
		created:    clock.Now(),
		fragments:  make([]*wire.Fragment, n),
		completion: make([]bool, n),
		fired:      make(map[int]bool),
	}
}

// Slots returns the number of antenna slots in the cluster.
func (c *Cluster) Slots() int { return len(c.fragments) }

// Key returns the transmission identity of the cluster.
func (c *Cluster) Key() Key { return c.key }

// SourceMAC returns the transmitter address of the packet.
func (c *Cluster) SourceMAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), c.key.Source[:]...)
}

// Insert stores a fragment received by the given sensor of the given board.
// The fragment must carry the cluster's identity.
func (c *Cluster) Insert(board, sensor int, frag *wire.Fragment) error {
	if KeyOf(frag) != c.key {
		return fmt.Errorf("fragment identity %s does not match cluster %s", KeyOf(frag), c.key)
	}
	if board < 0 || board >= len(c.revisions) {
		return fmt.Errorf("board index %d out of range [0,%d)", board, len(c.revisions))
	}
	row, col, err := c.revisions[board].SensorToRowCol(sensor)
	if err != nil {
		return err
	}

	slot := board*wire.AntennasPerBoard + row*wire.AntennasPerRow + col
	c.fragments[slot] = frag
	c.completion[slot] = true

	c.complete = true
	for _, have := range c.completion {
		c.complete = c.complete && have
	}
	return nil
}

// Completion returns a copy of the per-slot completion bitmap.
func (c *Cluster) Completion() []bool {
	return append([]bool(nil), c.completion...)
}

// Complete reports whether every slot holds a fragment.
func (c *Cluster) Complete() bool { return c.complete }

// Age returns how long ago the first fragment of this cluster arrived.
func (c *Cluster) Age() time.Duration {
	return c.clock.Since(c.created)
}

// Created returns the host receipt time of the first fragment.
func (c *Cluster) Created() time.Time { return c.created }

// first returns any stored fragment, nil if the cluster is empty.
func (c *Cluster) first() *wire.Fragment {
	for _, f := range c.fragments {
		if f != nil {
			return f
		}
	}
	return nil
}

// RSSI returns the per-slot signal strength in dBm. Slots without a fragment
// hold NaN.
func (c *Cluster) RSSI() []float64 {
	out := make([]float64, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = f.RSSI
	}
	return out
}

// NoiseFloor returns the per-slot noise floor in dBm, NaN where missing.
func (c *Cluster) NoiseFloor() []float64 {
	out := make([]float64, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = f.NoiseFloor
	}
	return out
}

// Feeds returns the per-slot RF feed state, FeedUnknown where missing.
func (c *Cluster) Feeds() []wire.RFFeed {
	out := make([]wire.RFFeed, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			out[i] = wire.FeedUnknown
			continue
		}
		out[i] = f.Feed
	}
	return out
}

// SensorTimestamps returns the per-slot hardware receive times in seconds,
// NaN where missing. This is the sampling start time without the symbol
// timing offset the baseband derives from the CSI itself.
func (c *Cluster) SensorTimestamps() []float64 {
	out := make([]float64, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = f.Timestamp() / 1e9
	}
	return out
}

// HasLegacy reports whether every present fragment carries an L-LTF
// estimate.
func (c *Cluster) HasLegacy() bool {
	for _, f := range c.fragments {
		if f != nil && !f.HasLegacy() {
			return false
		}
	}
	return true
}

// HasHT20 reports whether every present fragment carries an HT20 estimate.
func (c *Cluster) HasHT20() bool {
	for _, f := range c.fragments {
		if f != nil && !f.HasHT20() {
			return false
		}
	}
	return true
}

// HasHT40 reports whether every present fragment carries an HT40 estimate.
func (c *Cluster) HasHT40() bool {
	for _, f := range c.fragments {
		if f != nil && !f.HasHT40() {
			return false
		}
	}
	return true
}

// SecondaryRelative returns the position of the secondary channel relative
// to the primary, as reported by the first available fragment.
func (c *Cluster) SecondaryRelative() wire.SecondaryChannel {
	f := c.first()
	if f == nil {
		return wire.SecondaryNone
	}
	return f.Secondary
}

// PrimaryChannel returns the primary channel number of the packet.
func (c *Cluster) PrimaryChannel() int {
	f := c.first()
	if f == nil {
		return 0
	}
	return int(f.Channel)
}

// SecondaryChannel returns the secondary channel number, equal to the
// primary when no bonding is used.
func (c *Cluster) SecondaryChannel() int {
	return c.PrimaryChannel() + 4*int(c.SecondaryRelative())
}

// timingCorrections returns one per-subcarrier phase ramp per slot, derived
// from the deviation of each sensor's hardware timestamp from the mean
// across the cluster. shift moves the subcarrier indices to account for the
// LO sitting off the primary channel center under channel bonding.
func (c *Cluster) timingCorrections(n, shift int) [][]complex128 {
	ts := c.SensorTimestamps()
	var sum float64
	var count int
	for _, t := range ts {
		if !math.IsNaN(t) {
			sum += t
			count++
		}
	}
	if count == 0 {
		return make([][]complex128, len(ts))
	}
	mean := sum / float64(count)

	indices := wire.SubcarrierIndices(n)
	out := make([][]complex128, len(ts))
	for i, t := range ts {
		if math.IsNaN(t) {
			continue
		}
		delay := t - mean
		ramp := make([]complex128, n)
		for j, k := range indices {
			phase := -2 * math.Pi * delay * wire.WifiSubcarrierSpacing * float64(k-shift)
			ramp[j] = cmplx.Exp(complex(0, phase))
		}
		out[i] = ramp
	}
	return out
}

// ErrWaveformUnavailable reports a request for a channel-estimate variant
// the cluster's packet was not received with.
type ErrWaveformUnavailable struct {
	Waveform string
}

func (e *ErrWaveformUnavailable) Error() string {
	return "cluster carries no " + e.Waveform + " estimate"
}

// LegacyCSI assembles the L-LTF channel estimates of all present fragments,
// phase-coherent across sensors. The result has one row per slot; rows of
// missing fragments are nil.
func (c *Cluster) LegacyCSI() ([][]complex128, error) {
	if !c.HasLegacy() {
		return nil, &ErrWaveformUnavailable{Waveform: "legacy"}
	}

	shift := int(c.SecondaryRelative()) * secondaryShift
	corrections := c.timingCorrections(wire.LegacySubcarriers, shift)

	out := make([][]complex128, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			continue
		}
		est := f.LegacyEstimate()
		cmplxs.Mul(est, corrections[i])
		out[i] = est
	}
	return out, nil
}

// HT20CSI assembles the HT20 channel estimates of all present fragments,
// phase-coherent across sensors.
func (c *Cluster) HT20CSI() ([][]complex128, error) {
	if !c.HasHT20() {
		return nil, &ErrWaveformUnavailable{Waveform: "HT20"}
	}

	shift := int(c.SecondaryRelative()) * secondaryShift
	corrections := c.timingCorrections(wire.HTSubcarriers, shift)

	out := make([][]complex128, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			continue
		}
		est := f.HT20Estimate()
		cmplxs.Mul(est, corrections[i])
		out[i] = est
	}
	return out, nil
}

// HT40CSI assembles the HT40 channel estimates of all present fragments,
// phase-coherent across sensors. The secondary sub-band's fixed 90 degree
// pilot rotation is removed; the inter-band gap is left zero (see
// wire.InterpolateHT40Gap).
func (c *Cluster) HT40CSI() ([][]complex128, error) {
	if !c.HasHT40() {
		return nil, &ErrWaveformUnavailable{Waveform: "HT40"}
	}
	loc := c.SecondaryRelative()
	if loc == wire.SecondaryNone {
		return nil, &ErrWaveformUnavailable{Waveform: "HT40"}
	}

	rot := cmplx.Exp(complex(0, -math.Pi/2))
	corrections := c.timingCorrections(wire.HT40Subcarriers, 0)

	out := make([][]complex128, len(c.fragments))
	for i, f := range c.fragments {
		if f == nil {
			continue
		}
		est := f.HT40Estimate()
		if loc == wire.SecondaryAbove {
			cmplxs.Scale(rot, est[:wire.HTSubcarriers])
		} else {
			cmplxs.Scale(rot, est[wire.HT40Subcarriers-wire.HTSubcarriers:])
		}
		cmplxs.Mul(est, corrections[i])
		out[i] = est
	}
	return out, nil
}
