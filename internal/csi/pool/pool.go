// Package pool coordinates a set of ESPARGOS boards as one antenna array.
// It merges the fragment streams of all boards into CSI clusters, delivers
// completed clusters to registered callbacks and runs the phase calibration
// procedure across the whole array.
package pool

import (
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/espargos/goespargos/internal/config"
	"github.com/espargos/goespargos/internal/csi/board"
	"github.com/espargos/goespargos/internal/csi/calibration"
	"github.com/espargos/goespargos/internal/csi/cluster"
	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
	"github.com/espargos/goespargos/internal/timeutil"
)

var (
	// ErrNoBoards is returned by operations that need at least one board.
	ErrNoBoards = errors.New("no boards in pool")

	// ErrBoardDisagreement is returned when boards that must share a
	// configuration report different values.
	ErrBoardDisagreement = errors.New("boards disagree")

	// ErrCalibrationFailed is returned when a calibration run did not
	// produce a usable model. A previously stored model is kept.
	ErrCalibrationFailed = errors.New("calibration failed")
)

// Stats holds counters updated by Run.
type Stats struct {
	// PacketBacklog is the number of packets the last Run call drained.
	PacketBacklog int

	// LiveClusters is the number of over-the-air clusters currently held.
	LiveClusters int
}

// Pool is a collection of ESPARGOS boards acting as one array. Refgen
// boards take part in calibration signal generation only; their sensors do
// not contribute CSI.
type Pool struct {
	boards    []*board.Board
	refgen    []*board.Board
	revisions []*wire.Revision

	tuning *config.TuningConfig
	clock  timeutil.Clock

	queue *board.Queue
	cache *cluster.Cache

	model *calibration.Model
	stats Stats
}

// Option adjusts pool construction.
type Option func(*Pool)

// WithRefgenBoards adds boards that only generate the calibration signal.
func WithRefgenBoards(boards ...*board.Board) Option {
	return func(p *Pool) { p.refgen = append(p.refgen, boards...) }
}

// WithTuning overrides the default tuning configuration.
func WithTuning(t *config.TuningConfig) Option {
	return func(p *Pool) { p.tuning = t }
}

// WithClock substitutes the time source, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// New creates a pool over the given boards and subscribes to their fragment
// streams. The boards keep their order; board index 0 in cluster data is
// boards[0].
func New(boards []*board.Board, opts ...Option) *Pool {
	p := &Pool{
		boards: boards,
		tuning: config.EmptyTuningConfig(),
		clock:  timeutil.RealClock{},
		queue:  board.NewQueue(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.revisions = make([]*wire.Revision, len(boards))
	for i, b := range boards {
		p.revisions[i] = b.Revision()
		b.AddConsumer(p.queue, i)
	}
	p.cache = cluster.NewCache(p.revisions, p.tuning.GetOTACacheTimeout(), p.clock)

	monitoring.Logf("pool: created new pool with %d board(s)", len(boards))
	return p
}

// Boards returns the boards of the pool, in index order.
func (p *Pool) Boards() []*board.Board { return p.boards }

// Shape returns the antenna dimensions of the pool, without the subcarrier
// dimension.
func (p *Pool) Shape() (boards, rows, cols int) {
	return len(p.boards), wire.RowsPerBoard, wire.AntennasPerRow
}

// Stats returns counters from the last Run call.
func (p *Pool) Stats() Stats { return p.stats }

// Calibration returns the stored calibration model, or nil before the first
// successful Calibrate call.
func (p *Pool) Calibration() *calibration.Model { return p.model }

// AddCallback registers a function invoked once per CSI cluster, as soon as
// the predicate considers the cluster complete. A nil predicate fires when
// all antennas of all boards have contributed.
func (p *Pool) AddCallback(fn func(*cluster.Cluster), predicate cluster.Predicate) {
	p.cache.AddCallback(fn, predicate)
}

// Start begins CSI streaming on all boards.
func (p *Pool) Start() error {
	for _, b := range p.boards {
		if err := b.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends CSI streaming on all boards.
func (p *Pool) Stop() {
	for _, b := range p.boards {
		b.Stop()
	}
}

// Run drains pending fragments into the cluster cache and delivers due
// clusters to callbacks. Call it repeatedly from a loop or a dedicated
// goroutine; it blocks briefly when no data is pending.
func (p *Pool) Run() {
	packets := p.queue.Drain(p.tuning.GetRunPollTimeout())
	p.handlePackets(packets)
}

func (p *Pool) handlePackets(packets []board.Packet) {
	p.stats.PacketBacklog = len(packets)
	for _, pkt := range packets {
		if err := p.cache.Insert(pkt.Board, pkt.Sensor, pkt.Fragment); err != nil {
			monitoring.Warnf("pool: dropping fragment from board %d sensor %d: %v", pkt.Board, pkt.Sensor, err)
		}
	}
	p.cache.Sweep()
	p.stats.LiveClusters = p.cache.Live()
}

// agree reports the first value if all boards returned the same one.
func agree[T any](what string, values []T, opts ...cmp.Option) (T, error) {
	var zero T
	if len(values) == 0 {
		return zero, fmt.Errorf("%s: %w", what, ErrNoBoards)
	}
	for i, v := range values[1:] {
		if !cmp.Equal(values[0], v, opts...) {
			return zero, fmt.Errorf("%s: %w (board 0 != board %d)", what, ErrBoardDisagreement, i+1)
		}
	}
	return values[0], nil
}

// SetRFSwitch selects the RF feed path on all boards, including refgen
// boards.
func (p *Pool) SetRFSwitch(state wire.RFFeed) error {
	for _, b := range append(append([]*board.Board{}, p.boards...), p.refgen...) {
		if err := b.SetRFSwitch(state); err != nil {
			return err
		}
	}
	return nil
}

// RFSwitch reports the RF feed path, checking that all boards agree.
func (p *Pool) RFSwitch() (wire.RFFeed, error) {
	states := make([]wire.RFFeed, 0, len(p.boards))
	for _, b := range p.boards {
		s, err := b.GetRFSwitch()
		if err != nil {
			return wire.FeedUnknown, err
		}
		states = append(states, s)
	}
	return agree("RF switch state", states)
}

// SetMACFilter applies a reception filter to all boards.
func (p *Pool) SetMACFilter(filter board.MACFilter) error {
	for _, b := range p.boards {
		if err := b.SetMACFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

// ClearMACFilter re-enables reception from all transmitters on all boards.
func (p *Pool) ClearMACFilter() error {
	for _, b := range p.boards {
		if err := b.ClearMACFilter(); err != nil {
			return err
		}
	}
	return nil
}

// MACFilter reports the reception filter, checking that all boards agree.
func (p *Pool) MACFilter() (board.MACFilter, error) {
	filters := make([]board.MACFilter, 0, len(p.boards))
	for _, b := range p.boards {
		f, err := b.GetMACFilter()
		if err != nil {
			return board.MACFilter{}, err
		}
		filters = append(filters, f)
	}
	return agree("MAC filter", filters)
}

// wificonfAgreement ignores the calibration role fields, which legitimately
// differ between a reference master and its slaves.
var wificonfAgreement = cmpopts.IgnoreFields(board.WifiConf{}, "CalibMode", "CalibSource")

// WifiConf reports the radio configuration, checking that all boards agree
// on everything except their calibration roles.
func (p *Pool) WifiConf() (board.WifiConf, error) {
	confs := make([]board.WifiConf, 0, len(p.boards))
	for _, b := range p.boards {
		c, err := b.GetWifiConf()
		if err != nil {
			return board.WifiConf{}, err
		}
		confs = append(confs, c)
	}
	return agree("WiFi config", confs, wificonfAgreement)
}

// SetWifiConf applies a radio configuration to all boards and verifies they
// all ended up with the same effective configuration.
func (p *Pool) SetWifiConf(conf board.WifiConf) error {
	for _, b := range p.boards {
		if err := b.SetWifiConf(conf); err != nil {
			return err
		}
	}
	_, err := p.WifiConf()
	return err
}

// CSIAcquireConfig reports the acquisition configuration, checking
// agreement.
func (p *Pool) CSIAcquireConfig() (board.CSIAcquireConfig, error) {
	cfgs := make([]board.CSIAcquireConfig, 0, len(p.boards))
	for _, b := range p.boards {
		c, err := b.GetCSIAcquireConfig()
		if err != nil {
			return board.CSIAcquireConfig{}, err
		}
		cfgs = append(cfgs, c)
	}
	return agree("CSI acquire config", cfgs)
}

// SetCSIAcquireConfig applies an acquisition configuration to all boards and
// verifies agreement.
func (p *Pool) SetCSIAcquireConfig(cfg board.CSIAcquireConfig) error {
	for _, b := range p.boards {
		if err := b.SetCSIAcquireConfig(cfg); err != nil {
			return err
		}
	}
	_, err := p.CSIAcquireConfig()
	return err
}

// GainSettings reports the gain settings, checking agreement.
func (p *Pool) GainSettings() (board.GainSettings, error) {
	settings := make([]board.GainSettings, 0, len(p.boards))
	for _, b := range p.boards {
		g, err := b.GetGainSettings()
		if err != nil {
			return board.GainSettings{}, err
		}
		settings = append(settings, g)
	}
	return agree("gain settings", settings)
}

// SetGainSettings applies gain settings to all boards and verifies
// agreement.
func (p *Pool) SetGainSettings(settings board.GainSettings) error {
	for _, b := range p.boards {
		if err := b.SetGainSettings(settings); err != nil {
			return err
		}
	}
	_, err := p.GainSettings()
	return err
}
