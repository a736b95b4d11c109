package pool

import (
	"fmt"
	"math"
	"time"

	"github.com/espargos/goespargos/internal/csi/calibration"
	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
)

// CalibrateOptions control a calibration run.
type CalibrateOptions struct {
	// Duration of the collection phase. Zero uses the tuning default.
	Duration time.Duration

	// PerBoard calibrates each board separately. Use this when the boards
	// do not share a common phase reference signal.
	PerBoard bool

	// CableLengths and CableVFs describe the reference distribution cables
	// of a phase-coherent multi-board setup: one length (meters) and one
	// velocity factor per board. Leave nil when all cables are equal.
	// Only meaningful for shared (non-per-board) calibration.
	CableLengths []float64
	CableVFs     []float64
}

// Calibrate switches the whole array to the reference feed, collects
// calibration clusters for the configured duration and derives a new phase
// calibration model. The MAC filter and RF switch state are restored
// afterwards. On failure the previously stored model is kept.
func (p *Pool) Calibrate(opts CalibrateOptions) error {
	if len(p.boards) == 0 {
		return ErrNoBoards
	}
	duration := opts.Duration
	if duration == 0 {
		duration = p.tuning.GetCalibrationDuration()
	}

	p.cache.ClearCalibration()

	previousFilter, err := p.MACFilter()
	if err != nil {
		return err
	}
	if err := p.ClearMACFilter(); err != nil {
		return err
	}

	monitoring.Logf("pool: starting calibration")
	previousFeed, err := p.RFSwitch()
	if err != nil {
		return err
	}
	if err := p.SetRFSwitch(wire.FeedReference); err != nil {
		return err
	}

	deadline := p.clock.Now().Add(duration)
	for p.clock.Now().Before(deadline) {
		p.Run()
	}

	monitoring.Logf("pool: finished calibration")
	if err := p.SetRFSwitch(previousFeed); err != nil {
		return err
	}
	if err := p.SetMACFilter(previousFilter); err != nil {
		return err
	}

	model, err := p.buildModel(opts)
	if err != nil {
		return err
	}
	p.model = model
	return nil
}

// waveformSets are the complete calibration clusters of one collection run,
// grouped by waveform, each entry shaped slots x subcarriers.
type waveformSets struct {
	legacy [][][]complex128
	ht20   [][][]complex128
	ht40   [][][]complex128

	primary      int
	secondary    int
	secondaryRel wire.SecondaryChannel
	anyCSI       int
}

// collectCalibration converts the cached calibration clusters into waveform
// sets. A non-negative boardNum restricts the view to that board's antenna
// slots.
func (p *Pool) collectCalibration(boardNum int) (*waveformSets, error) {
	clusters := p.cache.CalibrationClusters()

	lo, hi := 0, len(p.boards)*wire.AntennasPerBoard
	if boardNum >= 0 {
		lo = boardNum * wire.AntennasPerBoard
		hi = lo + wire.AntennasPerBoard
	}

	sets := &waveformSets{}
	first := true
	for _, cl := range clusters {
		if first {
			sets.primary = cl.PrimaryChannel()
			sets.secondary = cl.SecondaryChannel()
			sets.secondaryRel = cl.SecondaryRelative()
			first = false
		} else if sets.primary != cl.PrimaryChannel() || sets.secondary != cl.SecondaryChannel() {
			return nil, fmt.Errorf("%w: calibration clusters span multiple channels (%d/%d vs %d/%d)",
				ErrCalibrationFailed, sets.primary, sets.secondary, cl.PrimaryChannel(), cl.SecondaryChannel())
		}

		completion := cl.Completion()[lo:hi]
		any, all := false, true
		for _, c := range completion {
			any = any || c
			all = all && c
		}
		if any {
			sets.anyCSI++
		}
		if !all {
			continue
		}

		if cl.HasLegacy() {
			csi, err := cl.LegacyCSI()
			if err != nil {
				return nil, err
			}
			sets.legacy = append(sets.legacy, csi[lo:hi])
		}
		if cl.HasHT20() {
			csi, err := cl.HT20CSI()
			if err != nil {
				return nil, err
			}
			sets.ht20 = append(sets.ht20, csi[lo:hi])
		}
		if cl.HasHT40() {
			csi, err := cl.HT40CSI()
			if err != nil {
				return nil, err
			}
			sets.ht40 = append(sets.ht40, csi[lo:hi])
		}
	}

	if boardNum >= 0 {
		monitoring.Logf("pool: board %s: collected %d calibration clusters", p.boards[boardNum].Name(), sets.anyCSI)
	} else {
		monitoring.Logf("pool: collected %d calibration clusters", sets.anyCSI)
	}
	monitoring.Logf("pool:   - %d complete clusters with HT40-LTF", len(sets.ht40))
	monitoring.Logf("pool:   - %d complete clusters with HT20-LTF", len(sets.ht20))
	monitoring.Logf("pool:   - %d complete clusters with L-LTF", len(sets.legacy))

	if len(sets.ht20) == 0 && len(sets.ht40) > 0 {
		// An HT40 transmission still covers the HT20 subcarriers of the
		// primary channel, so HT20 calibration can be derived from it.
		// The same is not possible for the L-LTF, there is an unexplained
		// phase offset between the two.
		monitoring.Warnf("pool: no HT20 calibration clusters received, deriving HT20 calibration from HT40")
		for _, ht40 := range sets.ht40 {
			ht20 := make([][]complex128, len(ht40))
			for slot, row := range ht40 {
				ht20[slot] = wire.ExtractHT20FromHT40(row, sets.secondaryRel)
			}
			sets.ht20 = append(sets.ht20, ht20)
		}
	} else if len(sets.ht20) > 0 {
		calibration.RemoveMeanSTO(sets.ht20)
	}

	if need := p.tuning.GetCalibrationMinClusters(); sets.anyCSI < need {
		return nil, fmt.Errorf("%w: received %d calibration clusters, need at least %d", ErrCalibrationFailed, sets.anyCSI, need)
	}
	return sets, nil
}

func (p *Pool) buildModel(opts CalibrateOptions) (*calibration.Model, error) {
	if !opts.PerBoard {
		sets, err := p.collectCalibration(-1)
		if err != nil {
			return nil, err
		}
		slots := len(p.boards) * wire.AntennasPerBoard
		return calibration.NewModel(p.revisions, sets.primary, sets.secondary,
			interpOrNaN(sets.legacy, slots, wire.LegacySubcarriers),
			interpOrNaN(sets.ht20, slots, wire.HTSubcarriers),
			interpOrNaN(sets.ht40, slots, wire.HT40Subcarriers),
			opts.CableLengths, opts.CableVFs)
	}

	var legacy, ht20, ht40 [][]complex128
	primary, secondary := 0, 0
	for bn := range p.boards {
		sets, err := p.collectCalibration(bn)
		if err != nil {
			return nil, err
		}
		if bn == 0 {
			primary, secondary = sets.primary, sets.secondary
		}
		legacy = append(legacy, interpOrNaN(sets.legacy, wire.AntennasPerBoard, wire.LegacySubcarriers)...)
		ht20 = append(ht20, interpOrNaN(sets.ht20, wire.AntennasPerBoard, wire.HTSubcarriers)...)
		ht40 = append(ht40, interpOrNaN(sets.ht40, wire.AntennasPerBoard, wire.HT40Subcarriers)...)
	}
	return calibration.NewModel(p.revisions, primary, secondary, legacy, ht20, ht40, nil, nil)
}

// interpOrNaN combines the datasets of one waveform into a single slots x
// subcarriers array, or fills it with NaN when the waveform was never
// observed.
func interpOrNaN(datasets [][][]complex128, slots, subcarriers int) [][]complex128 {
	out := make([][]complex128, slots)
	if len(datasets) == 0 {
		nan := complex(math.NaN(), math.NaN())
		for slot := range out {
			row := make([]complex128, subcarriers)
			for k := range row {
				row[k] = nan
			}
			out[slot] = row
		}
		return out
	}

	flat := make([][]complex128, len(datasets))
	for n, ds := range datasets {
		v := make([]complex128, 0, slots*subcarriers)
		for _, row := range ds {
			v = append(v, row...)
		}
		flat[n] = v
	}
	combined := calibration.InterpIterative(flat, nil, calibration.DefaultInterpIterations)
	for slot := range out {
		out[slot] = combined[slot*subcarriers : (slot+1)*subcarriers]
	}
	return out
}
