package heap

import (
	"sync"
	"sync/atomic"

	"github.com/pbalcer/nvml/layout"
	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/redo"
	"github.com/pbalcer/nvml/txctx"
)

// Lane is one of a fixed pool of N redo-log/info-slot pairs; every
// alloc/free/realloc acquires one for its duration (spec.md §4.J).
type Lane struct {
	mu      sync.Mutex
	Index   int
	InfoIdx int
	Log     *redo.Log
	Ctx     *txctx.Context
}

// LaneManager owns the fixed lane array and hands lanes out via
// try-lock round robin, advancing the starting index on contention
// (spec.md §4.J).
type LaneManager struct {
	lanes   []*Lane
	counter uint32
}

// NewLaneManager constructs a manager over n lanes, each logging through
// its own redo.Log rooted at logOffsets[i] and paired with info slot i.
func NewLaneManager(b pmem.Backend, logOffsets []int64) *LaneManager {
	lanes := make([]*Lane, len(logOffsets))
	for i, off := range logOffsets {
		log := redo.New(b, off, nil)
		lanes[i] = &Lane{Index: i, InfoIdx: i, Log: log, Ctx: txctx.New(log)}
	}
	return &LaneManager{lanes: lanes}
}

// Count returns the number of lanes.
func (lm *LaneManager) Count() int { return len(lm.lanes) }

// Lane returns lane i directly, used by the recovery driver which must
// visit every lane in order regardless of locking.
func (lm *LaneManager) Lane(i int) *Lane { return lm.lanes[i] }

// Acquire returns a locked lane: it tries every lane once starting from
// a round-robin cursor, and failing that, blocks on the cursor's lane
// (spec.md §4.J "try-lock a round-robin starting index, advancing on
// contention").
func (lm *LaneManager) Acquire() *Lane {
	n := uint32(len(lm.lanes))
	start := atomic.AddUint32(&lm.counter, 1) % n
	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		if lm.lanes[idx].mu.TryLock() {
			return lm.lanes[idx]
		}
	}
	lane := lm.lanes[start]
	lane.mu.Lock()
	return lane
}

// Release clears the lane's info slot to UNKNOWN without flushing - the
// next acquirer either never touches that slot region or overwrites and
// flushes it as part of its own operation (spec.md §4.J) - and unlocks
// the lane.
func (l *Lane) Release(b pmem.Backend) {
	var s layout.InfoSlot
	buf := make([]byte, layout.InfoSlotSize)
	s.Encode(buf)
	pmem.WriteAt(b, layout.InfoSlotOffset(l.InfoIdx), buf)
	l.mu.Unlock()
}

// WriteInfoSlot durably records s as lane l's in-flight operation marker
// before the corresponding redo entries are staged, so recovery can
// resolve a crash mid-operation (spec.md §4.J).
func (l *Lane) WriteInfoSlot(b pmem.Backend, s layout.InfoSlot) error {
	buf := make([]byte, layout.InfoSlotSize)
	s.Encode(buf)
	return b.MemcpyPersist(layout.InfoSlotOffset(l.InfoIdx), buf)
}
