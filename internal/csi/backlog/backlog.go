// Package backlog keeps a ring buffer of recent CSI clusters for consumers
// that process data in batches rather than per packet.
package backlog

import (
	"math"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/espargos/goespargos/internal/config"
	"github.com/espargos/goespargos/internal/csi/cluster"
	"github.com/espargos/goespargos/internal/csi/pool"
	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
)

// Field names one kind of per-cluster data the backlog can store.
type Field string

const (
	FieldLegacy        Field = "lltf"
	FieldHT20          Field = "ht20"
	FieldHT40          Field = "ht40"
	FieldRSSI          Field = "rssi"
	FieldTimestamp     Field = "timestamp"
	FieldHostTimestamp Field = "host_timestamp"
	FieldMAC           Field = "mac"
)

// AllFields lists every storable field.
var AllFields = []Field{
	FieldLegacy, FieldHT20, FieldHT40,
	FieldRSSI, FieldTimestamp, FieldHostTimestamp, FieldMAC,
}

// Entry is the stored data of one CSI cluster. Disabled fields are nil (or
// zero); an enabled waveform the cluster did not carry is filled with NaN.
type Entry struct {
	Legacy [][]complex128
	HT20   [][]complex128
	HT40   [][]complex128

	RSSI       []float64
	Timestamps []float64

	HostTimestamp time.Time
	MAC           net.HardwareAddr
}

// Backlog collects completed CSI clusters from a pool into a ring buffer.
// All accessors take a point-in-time copy under one lock, so batch reads see
// a consistent state.
type Backlog struct {
	pool      *pool.Pool
	enabled   map[Field]bool
	calibrate bool

	mu       sync.Mutex
	entries  []Entry
	head     int
	fill     int
	latest   int
	macMatch *regexp.Regexp

	callbacks []func()

	stop chan struct{}
	done chan struct{}
}

// Option adjusts backlog construction.
type Option func(*settings)

type settings struct {
	size      int
	fields    []Field
	calibrate bool
	predicate cluster.Predicate
	tuning    *config.TuningConfig
}

// WithSize sets the ring buffer capacity.
func WithSize(n int) Option {
	return func(s *settings) { s.size = n }
}

// WithFields restricts storage to the given fields.
func WithFields(fields ...Field) Option {
	return func(s *settings) { s.fields = fields }
}

// WithoutCalibration stores raw CSI phases instead of applying the pool's
// calibration model.
func WithoutCalibration() Option {
	return func(s *settings) { s.calibrate = false }
}

// WithPredicate overrides the cluster completion predicate.
func WithPredicate(p cluster.Predicate) Option {
	return func(s *settings) { s.predicate = p }
}

// WithTuning overrides the default tuning configuration.
func WithTuning(t *config.TuningConfig) Option {
	return func(s *settings) { s.tuning = t }
}

// New creates a backlog fed by the pool's completed clusters. By default it
// stores all fields, applies calibration and holds the tuning default number
// of entries.
func New(p *pool.Pool, opts ...Option) *Backlog {
	s := settings{
		fields:    AllFields,
		calibrate: true,
		tuning:    config.EmptyTuningConfig(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.size == 0 {
		s.size = s.tuning.GetBacklogSize()
	}

	b := &Backlog{
		pool:      p,
		enabled:   make(map[Field]bool, len(s.fields)),
		calibrate: s.calibrate,
		entries:   make([]Entry, s.size),
		latest:    -1,
	}
	for _, f := range s.fields {
		b.enabled[f] = true
	}

	p.AddCallback(b.storeCluster, s.predicate)
	return b
}

// SetMACFilter restricts storage to clusters whose source MAC address
// matches the regular expression. The address is matched in the canonical
// colon-separated form.
func (b *Backlog) SetMACFilter(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.macMatch = re
	b.mu.Unlock()
	return nil
}

// AddUpdateCallback registers a function called after each stored cluster.
func (b *Backlog) AddUpdateCallback(fn func()) {
	b.callbacks = append(b.callbacks, fn)
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func nanCSI(slots, subcarriers int) [][]complex128 {
	nan := complex(math.NaN(), math.NaN())
	out := make([][]complex128, slots)
	for i := range out {
		row := make([]complex128, subcarriers)
		for k := range row {
			row[k] = nan
		}
		out[i] = row
	}
	return out
}

// waveform stores one CSI waveform into dst, falling back to NaN with a
// warning when the cluster does not carry it.
func (b *Backlog) waveform(
	name string, slots, subcarriers int,
	has bool, get func() ([][]complex128, error), apply func([][]complex128) [][]complex128,
) [][]complex128 {
	if !has {
		monitoring.Warnf("backlog: received cluster without %s even though %s storage is enabled", name, name)
		return nanCSI(slots, subcarriers)
	}
	csi, err := get()
	if err != nil {
		monitoring.Warnf("backlog: could not extract %s CSI: %v", name, err)
		return nanCSI(slots, subcarriers)
	}
	if b.calibrate {
		if model := b.pool.Calibration(); model != nil {
			csi = apply(csi)
		} else {
			monitoring.Warnf("backlog: calibration requested but pool has no calibration model, storing raw %s CSI", name)
		}
	}
	return csi
}

func (b *Backlog) storeCluster(cl *cluster.Cluster) {
	mac := cl.SourceMAC()

	b.mu.Lock()
	if b.macMatch != nil && !b.macMatch.MatchString(mac.String()) {
		b.mu.Unlock()
		return
	}

	slots := cl.Slots()
	var e Entry
	if b.enabled[FieldLegacy] {
		e.Legacy = b.waveform("L-LTF", slots, wire.LegacySubcarriers,
			cl.HasLegacy(), cl.LegacyCSI, b.applyLegacy)
	}
	if b.enabled[FieldHT20] {
		e.HT20 = b.waveform("HT20", slots, wire.HTSubcarriers,
			cl.HasHT20(), cl.HT20CSI, b.applyHT20)
	}
	if b.enabled[FieldHT40] {
		e.HT40 = b.waveform("HT40", slots, wire.HT40Subcarriers,
			cl.HasHT40(), cl.HT40CSI, b.applyHT40)
	}
	if b.enabled[FieldRSSI] {
		e.RSSI = cl.RSSI()
	}
	if b.enabled[FieldTimestamp] {
		e.Timestamps = cl.SensorTimestamps()
	}
	if b.enabled[FieldHostTimestamp] {
		e.HostTimestamp = cl.Created()
	}
	if b.enabled[FieldMAC] {
		e.MAC = mac
	}

	b.entries[b.head] = e
	b.latest = b.head
	b.head = (b.head + 1) % len(b.entries)
	if b.fill < len(b.entries) {
		b.fill++
	}
	b.mu.Unlock()

	for _, cb := range b.callbacks {
		cb()
	}
}

func (b *Backlog) applyLegacy(csi [][]complex128) [][]complex128 {
	return b.pool.Calibration().ApplyLegacy(csi)
}

func (b *Backlog) applyHT20(csi [][]complex128) [][]complex128 {
	return b.pool.Calibration().ApplyHT20(csi)
}

func (b *Backlog) applyHT40(csi [][]complex128) [][]complex128 {
	return b.pool.Calibration().ApplyHT40(csi)
}

// snapshotLocked returns the stored entries oldest first.
func (b *Backlog) snapshotLocked() []Entry {
	out := make([]Entry, 0, b.fill)
	start := (b.head - b.fill + len(b.entries)) % len(b.entries)
	for i := 0; i < b.fill; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}
	return out
}

// Snapshot returns all stored entries, oldest first. The entries of one
// call are mutually consistent; stored slices are never modified afterwards
// and may be read without further locking.
func (b *Backlog) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Latest returns the most recently stored entry.
func (b *Backlog) Latest() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest < 0 {
		return Entry{}, false
	}
	return b.entries[b.latest], true
}

// NonEmpty reports whether at least one cluster has been stored.
func (b *Backlog) NonEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest >= 0
}

// Len returns the number of stored entries.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fill
}

// Cap returns the ring buffer capacity.
func (b *Backlog) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Resize changes the ring buffer capacity. Shrinking keeps the newest
// entries, growing keeps everything. Capacities below one are rejected.
func (b *Backlog) Resize(n int) {
	if n < 1 {
		monitoring.Warnf("backlog: ignoring resize to %d entries", n)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.snapshotLocked()
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}

	b.entries = make([]Entry, n)
	copy(b.entries, kept)
	b.fill = len(kept)
	b.head = b.fill % n
	b.latest = b.fill - 1
}

// Reconfigure changes the set of stored fields and replays the existing
// entries under the new set, in original order. Data for a newly enabled
// field is gone for old entries, so it is filled with NaN (or left zero for
// the scalar fields); disabled fields are dropped.
func (b *Backlog) Reconfigure(fields ...Field) {
	enabled := make(map[Field]bool, len(fields))
	for _, f := range fields {
		enabled[f] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.snapshotLocked()
	for i := range kept {
		kept[i] = b.replayLocked(kept[i], enabled)
	}

	b.enabled = enabled
	b.entries = make([]Entry, len(b.entries))
	copy(b.entries, kept)
	b.fill = len(kept)
	b.head = b.fill % len(b.entries)
	b.latest = b.fill - 1
}

// replayLocked rebuilds one stored entry for a new enabled-field set.
func (b *Backlog) replayLocked(old Entry, enabled map[Field]bool) Entry {
	slots := entrySlots(old)
	if slots == 0 {
		boards, rows, cols := b.pool.Shape()
		slots = boards * rows * cols
	}

	var e Entry
	if enabled[FieldLegacy] {
		e.Legacy = old.Legacy
		if e.Legacy == nil {
			e.Legacy = nanCSI(slots, wire.LegacySubcarriers)
		}
	}
	if enabled[FieldHT20] {
		e.HT20 = old.HT20
		if e.HT20 == nil {
			e.HT20 = nanCSI(slots, wire.HTSubcarriers)
		}
	}
	if enabled[FieldHT40] {
		e.HT40 = old.HT40
		if e.HT40 == nil {
			e.HT40 = nanCSI(slots, wire.HT40Subcarriers)
		}
	}
	if enabled[FieldRSSI] {
		e.RSSI = old.RSSI
		if e.RSSI == nil {
			e.RSSI = nanSlice(slots)
		}
	}
	if enabled[FieldTimestamp] {
		e.Timestamps = old.Timestamps
		if e.Timestamps == nil {
			e.Timestamps = nanSlice(slots)
		}
	}
	if enabled[FieldHostTimestamp] {
		e.HostTimestamp = old.HostTimestamp
	}
	if enabled[FieldMAC] {
		e.MAC = old.MAC
	}
	return e
}

// entrySlots infers the sensor slot count from whichever per-slot field the
// entry stored.
func entrySlots(e Entry) int {
	switch {
	case e.RSSI != nil:
		return len(e.RSSI)
	case e.Timestamps != nil:
		return len(e.Timestamps)
	case e.Legacy != nil:
		return len(e.Legacy)
	case e.HT20 != nil:
		return len(e.HT20)
	case e.HT40 != nil:
		return len(e.HT40)
	}
	return 0
}

// Start launches a goroutine that pumps the pool until Stop is called.
func (b *Backlog) Start() {
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		for {
			select {
			case <-b.stop:
				return
			default:
				b.pool.Run()
			}
		}
	}()
	monitoring.Logf("backlog: started CSI backlog")
}

// Stop ends the pump goroutine. Blocks until it has exited, which takes at
// most one pool poll interval.
func (b *Backlog) Stop() {
	close(b.stop)
	<-b.done
}
