// Package bucket implements component H: the per-size-class façade over
// a block container. One huge bucket serves allocations above the
// largest run class; many run buckets, one per unit-size class, serve
// everything else and additionally track an "active run" fast path
// (spec.md §4.H).
package bucket

import (
	"sync"

	"github.com/pbalcer/nvml/container"
)

// HeaderVariant selects how a class's allocations carry their metadata.
type HeaderVariant uint8

const (
	// VariantLegacy names the self-describing layout, in which an
	// allocation is prefixed with a per-block AllocHeader (size,
	// chunk_id, zone_id). The run allocation path does not consult a
	// class's Variant and writes no per-allocation header for either
	// variant; only huge allocations carry an AllocHeader.
	VariantLegacy HeaderVariant = iota
	// VariantCompact carries no per-allocation header; every unit in
	// the chunk shares the chunk-wide unit_size recorded in the run's
	// RunHeader, so free-by-pointer must locate the owning run instead
	// of reading a prefix.
	VariantCompact
)

// Class parameterizes one run bucket (spec.md §4.H).
type Class struct {
	ID       uint32
	UnitSize uint64
	Variant  HeaderVariant
}

// ActiveRun is the run bucket's fast-path source: one run chunk held
// until its bitmap fills (spec.md §4.F). NLive is the free-unit count
// the run was registered under when it became active; NextFitPos is one
// past the unit most recently handed out, and moves back when a lower
// unit is freed, since allocation always takes the lowest free unit.
type ActiveRun struct {
	ZoneID     uint32
	ChunkID    uint32
	NLive      int
	NextFitPos int
}

// Bucket is a per-size-class façade over a Container. It serializes its
// own insert/remove/active-run bookkeeping through Lock/Unlock; callers
// that need to hold the bucket lock across a multi-step operation (the
// common case - stage, process, reinsert) call Lock/Unlock explicitly
// rather than through a single blocking method, matching the pool →
// lane → bucket → chunk-run lock order (spec.md §5).
type Bucket struct {
	sync.Mutex

	Class Class
	Huge  bool

	cont   container.Container
	active *ActiveRun
}

// NewHuge returns the single, pool-wide huge bucket.
func NewHuge(cont container.Container) *Bucket {
	return &Bucket{Huge: true, cont: cont}
}

// NewRun returns a run bucket for the given class.
func NewRun(class Class, cont container.Container) *Bucket {
	return &Bucket{Class: class, cont: cont}
}

// Container returns the bucket's backing container. Callers must hold
// the bucket lock.
func (bk *Bucket) Container() container.Container { return bk.cont }

// Active returns the current active run, if any. Callers must hold the
// bucket lock.
func (bk *Bucket) Active() (*ActiveRun, bool) {
	return bk.active, bk.active != nil
}

// SetActive installs r as the active run, replacing any previous one.
func (bk *Bucket) SetActive(r *ActiveRun) { bk.active = r }

// Evict clears the active run - called once its bitmap fills
// (spec.md §4.F: "it is reset to zero when the bitmap fully fills, at
// which point the run is evicted from the bucket's active slot").
func (bk *Bucket) Evict() { bk.active = nil }

// Refill installs a new active run pulled from the container when none
// is set, reporting whether one was available. It never replaces an
// existing active run - callers must Evict first.
func (bk *Bucket) Refill() (*ActiveRun, bool) {
	if bk.active != nil {
		return bk.active, true
	}
	blk, ok := bk.cont.RemoveBestFit(1)
	if !ok {
		return nil, false
	}
	bk.active = &ActiveRun{ZoneID: blk.ZoneID, ChunkID: blk.ChunkID, NLive: int(blk.SizeIdx)}
	return bk.active, true
}

// TakeBestFit removes and returns the smallest block with
// SizeIdx >= sizeIdx from the bucket's container (used directly by the
// huge bucket, and by a run bucket falling back to another run's
// leftover population once its active run is exhausted).
func (bk *Bucket) TakeBestFit(sizeIdx uint32) (container.Block, bool) {
	return bk.cont.RemoveBestFit(sizeIdx)
}

// Put reinserts a freed block into the bucket's container.
func (bk *Bucket) Put(b container.Block) { bk.cont.Insert(b) }

// RemoveExact removes a specific block, used when coalescing pulls a
// neighbor out of this bucket's container.
func (bk *Bucket) RemoveExact(b container.Block) bool { return bk.cont.RemoveExact(b) }
