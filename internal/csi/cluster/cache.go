package cluster

import (
	"sync"
	"time"

	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
	"github.com/espargos/goespargos/internal/timeutil"
)

// Predicate decides whether a cluster is complete enough to deliver, given
// its completion bitmap and its age. A nil predicate means "every antenna
// present".
type Predicate func(completion []bool, age time.Duration) bool

type callback struct {
	id        int
	fn        func(*Cluster)
	predicate Predicate
}

// Cache holds the live clusters of a pool: one cache for calibration
// packets, one for over-the-air packets. Calibration clusters are retained
// until explicitly cleared; OTA clusters are evicted once every registered
// callback has fired for them or once they exceed the staleness threshold.
//
// Except for the calibration snapshot, Cache is confined to the single
// thread that pumps the pool.
type Cache struct {
	revisions []*wire.Revision
	clock     timeutil.Clock
	staleness time.Duration

	// calibMu guards the calibration cache, which is snapshotted when a
	// calibration run is converted to a model.
	calibMu    sync.Mutex
	calib      map[Key]*Cluster
	calibOrder []Key

	ota      map[Key]*Cluster
	otaOrder []Key

	callbacks []callback
	nextID    int
}

// NewCache creates a cache for the given board geometry. staleness bounds
// how long an incomplete OTA cluster is retained.
func NewCache(revisions []*wire.Revision, staleness time.Duration, clock timeutil.Clock) *Cache {
	return &Cache{
		revisions: revisions,
		clock:     clock,
		staleness: staleness,
		calib:     make(map[Key]*Cluster),
		ota:       make(map[Key]*Cluster),
	}
}

// AddCallback registers a subscriber. The callback fires at most once per
// cluster, when its predicate first holds.
func (ch *Cache) AddCallback(fn func(*Cluster), predicate Predicate) {
	ch.callbacks = append(ch.callbacks, callback{id: ch.nextID, fn: fn, predicate: predicate})
	ch.nextID++
}

// Insert routes one decoded fragment into the matching cluster, creating the
// cluster on first sight of its key.
func (ch *Cache) Insert(board, sensor int, frag *wire.Fragment) error {
	key := KeyOf(frag)

	if frag.Calibration {
		ch.calibMu.Lock()
		defer ch.calibMu.Unlock()
		cl, ok := ch.calib[key]
		if !ok {
			cl = New(key, ch.revisions, ch.clock)
			ch.calib[key] = cl
			ch.calibOrder = append(ch.calibOrder, key)
		}
		return cl.Insert(board, sensor, frag)
	}

	cl, ok := ch.ota[key]
	if !ok {
		cl = New(key, ch.revisions, ch.clock)
		ch.ota[key] = cl
		ch.otaOrder = append(ch.otaOrder, key)
	}
	return cl.Insert(board, sensor, frag)
}

// evalPredicate shields the dispatch loop from a misbehaving predicate: a
// panic is logged and treated as "not complete".
func (ch *Cache) evalPredicate(cb callback, cl *Cluster) (due bool) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Warnf("cluster predicate panicked, treating cluster %s as incomplete: %v", cl.Key(), r)
			due = false
		}
	}()
	if cb.predicate == nil {
		return cl.Complete()
	}
	return cb.predicate(cl.Completion(), cl.Age())
}

// Sweep evaluates every registered callback against every live OTA cluster
// and evicts clusters that are either fully delivered or stale. Call after
// feeding a batch of fragments.
func (ch *Cache) Sweep() {
	var keep []Key
	for _, key := range ch.otaOrder {
		cl := ch.ota[key]

		allFired := true
		for _, cb := range ch.callbacks {
			if cl.fired[cb.id] {
				continue
			}
			if ch.evalPredicate(cb, cl) {
				cb.fn(cl)
				cl.fired[cb.id] = true
			} else {
				allFired = false
			}
		}

		if allFired || cl.Age() > ch.staleness {
			delete(ch.ota, key)
			continue
		}
		keep = append(keep, key)
	}
	ch.otaOrder = keep
}

// CalibrationClusters returns a snapshot of the live calibration clusters in
// arrival order.
func (ch *Cache) CalibrationClusters() []*Cluster {
	ch.calibMu.Lock()
	defer ch.calibMu.Unlock()
	out := make([]*Cluster, 0, len(ch.calibOrder))
	for _, key := range ch.calibOrder {
		out = append(out, ch.calib[key])
	}
	return out
}

// ClearCalibration drops all accumulated calibration clusters. Called at
// the start of a calibration run.
func (ch *Cache) ClearCalibration() {
	ch.calibMu.Lock()
	defer ch.calibMu.Unlock()
	ch.calib = make(map[Key]*Cluster)
	ch.calibOrder = nil
}

// Live returns the number of OTA clusters currently cached.
func (ch *Cache) Live() int { return len(ch.ota) }
